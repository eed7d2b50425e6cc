/*
Package router fans messages out to the connections subscribed to a topic.

The router keeps a reverse index from topic to member connections, so a
publish touches only the members of that topic. Membership changes are
serialized by the router lock; a publish works on the member set captured at
call time, so members joining afterwards do not receive it.

Delivery is a non-blocking send into each connection's buffer. A slow client
whose buffer is full misses the message; nothing is queued or replayed.
*/
package router
