// Package pipeline implements the staged actor pipeline: Blocks Indexer,
// Metadata, Database, and Storage Aggregator, plus the shared mailbox
// shape they communicate through.
package pipeline

// Die is the distinguished poison-pill message every actor's mailbox
// understands.
type Die struct{}

// Mailbox is one MPSC channel per actor carrying a tagged-variant
// message. Messages are `any` and type-switched on receipt.
type Mailbox chan any

// NewMailbox allocates a buffered mailbox. The buffer is generous rather
// than literally unbounded (Go channels require a capacity); producers are
// never expected to outpace consumers by more than a few batches in
// steady state.
func NewMailbox(capacity int) Mailbox {
	return make(Mailbox, capacity)
}

// Send enqueues msg, or silently drops it if the mailbox has already
// been closed — matching the "upstream actor gone" disconnect case
// (archiveerr.ErrDisconnected is only surfaced when the *receiver*
// notices its own mailbox closed, not by the sender).
func (m Mailbox) Send(msg any) {
	defer func() { recover() }()
	m <- msg
}
