// Package registry tracks live push connections and bounds how many are
// admitted at once. Admission waits a bounded time for a slot, release is
// exactly-once per connection, and a periodic sweep releases connections
// that stopped sending activity.
package registry
