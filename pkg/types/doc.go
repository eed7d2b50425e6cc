/*
Package types defines the core data structures shared by Pulse components.

The package holds the domain model and nothing else: connections and their
topic memberships, refresh subscriptions, analytics events, daily snapshots,
business metrics and the delta baselines the push scheduler persists between
cycles. It also carries the wire envelopes exchanged with clients and the
error taxonomy every other package wraps.

# Topics

Topics are namespaced strings and exist only as keys in the router index:

	user:{userID}                         per-user channel
	business:{businessID}:user:{userID}   per-business-per-user channel

ParseTopic validates a name and returns its parts. Identifiers must not
contain a colon.

# Connections

A Connection is created by the registry on admission. Its topic set and
outbound buffer are guarded by a per-connection mutex and its last-activity
timestamp is atomic, so handlers on different goroutines can touch it
without coordinating. MarkClosed closes the outbound channel exactly once;
Deliver never blocks and never sends on a closed channel.

# Errors

	ErrAdmissionRejected     capacity exhausted within the wait timeout
	ErrUnauthenticated       identity missing or unresolvable
	ErrValidation            wrapped by ValidationError
	ErrTransientAggregation  retryable snapshot run failure
	ErrEventRecording        analytics write failed (always swallowed)
	ErrConnectionClosed      operation on a released connection
	ErrNotFound              missing store key
*/
package types
