package shard

// NewEntry returns a zeroed Entry.
//
// The teacher (Voskan/arena-cache) allocates entry metadata inside a
// Go-arena gated behind the goexperiment.arenas build tag, which cannot be
// relied on in a binary built with a stock `go build`. A sync.Pool looked
// like the natural stand-in (the pattern agilira-metis uses for its own
// node recycling, entrypool.go), but Shard.Get hands the raw *Entry back to
// callers outside the shard's lock (see writeHit/toRecord, which keep
// reading Response/Headers/Body well after Lookup returns) with no
// refcounting or epoch reclamation to tell a concurrent reader from a freed
// entry. Recycling an Entry a reader might still be holding would corrupt
// its fields out from under that reader, so pooling is dropped in favor of
// a plain allocation per entry.
func NewEntry() *Entry {
	return new(Entry)
}
