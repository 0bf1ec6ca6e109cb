// BadgerBackend stores the same opaque dump blob inside an embedded
// badger.DB under a single key, giving operators a persistence alternative
// to bare files without standing up an external service — the same
// dependency and usage shape as the teacher's examples/disk_eject, which
// uses badger as an L2 store for evicted items.
package dump

import (
	"bytes"
	"context"
	"io"

	badger "github.com/dgraph-io/badger/v4"
)

// dumpKey is the single key under which the opaque blob is stored.
var dumpKey = []byte("advcache:dump")

// BadgerBackend persists the dump blob as a single key in an embedded
// badger.DB.
type BadgerBackend struct {
	DB *badger.DB
}

// NewBadgerBackend wraps an already-open badger.DB. Callers own the DB's
// lifecycle (open/close).
func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{DB: db}
}

func (b *BadgerBackend) Save(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return b.DB.Update(func(txn *badger.Txn) error {
		return txn.Set(dumpKey, data)
	})
}

func (b *BadgerBackend) Load(ctx context.Context) (io.ReadCloser, error) {
	var data []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dumpKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
