package relay

import "time"

// nonceTrustWindow bounds how long a locally recorded nonce may run ahead of
// the node's pending nonce. A node can lag a just-accepted transaction for a
// moment; a gap older than this means the transaction was dropped.
const nonceTrustWindow = 30 * time.Second

// nonceTracker remembers the nonce after the last accepted send of one
// sender. It is not safe for concurrent use; callers hold the sender's lock.
type nonceTracker struct {
	next   uint64
	sentAt time.Time
}

// resolve returns the nonce for the next send given the node's pending nonce.
func (n *nonceTracker) resolve(pending uint64, now time.Time) uint64 {
	if n.next > pending && now.Sub(n.sentAt) < nonceTrustWindow {
		return n.next
	}
	n.next = 0
	return pending
}

// sent records that nonce was accepted by the node at now.
func (n *nonceTracker) sent(nonce uint64, now time.Time) {
	n.next = nonce + 1
	n.sentAt = now
}

// reset drops the local record so the next send follows the node.
func (n *nonceTracker) reset() { *n = nonceTracker{} }
