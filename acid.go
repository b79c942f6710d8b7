package quark

// Acid is the narrow facade over the external segment provider: a single
// growable, memory-mapped, crash-consistent byte range. quark treats it as
// opaque — it never concerns itself with how durability or atomic expansion
// is implemented, only with the operations below.
//
// An Acid implementation is not safe for concurrent use; quark's single
// writer model means it is only ever driven from one goroutine at a time
// (see the shard package for how that goroutine is chosen).
type Acid interface {
	// Memory returns the current mapped byte range. The returned slice
	// aliases the underlying storage directly; writes through it are
	// writes to the segment. The slice becomes invalid after the next
	// call to Expand.
	Memory() []byte

	// Expand grows the segment so that Memory() returns a slice of at
	// least newSize bytes, zero-filling the new tail. Shrinking is not
	// supported.
	Expand(newSize int64) error

	// Fsync blocks until every write made through Memory() so far is
	// durable.
	Fsync() error

	// Snapshot requests a point-in-time durable copy according to
	// whatever policy the collaborator implements. Implementations that
	// do not support snapshotting may treat this as a no-op.
	Snapshot() error

	// Name returns a diagnostic name for the segment, e.g. its path.
	Name() string

	// Close releases the mapping. Memory() must not be called again
	// afterwards.
	Close() error
}
