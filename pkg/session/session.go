// Package session persists backed-up recurrent state snapshots in a
// Badger key-value store, keyed by conversation id. A chat layer saves
// a snapshot after each completed turn and loads it back to rewind a
// conversation (or to fork it for speculative decoding) without
// re-running the prompt through the model.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/orneryd/rwkvcore/pkg/gpu"
	"github.com/orneryd/rwkvcore/pkg/tensor"
	"github.com/sirupsen/logrus"
)

// Store wraps a Badger database holding serialized state snapshots.
type Store struct {
	db *badger.DB
}

// Open creates or opens a snapshot store at dir. An empty dir opens an
// in-memory store, used by tests and by deployments that only need
// rewind within a single process lifetime.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("session: opening store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// snapshot layout: 3 shape dims + dtype, little-endian uint32 each,
// followed by the raw tensor bytes.
const snapshotHeader = 4 * 4

// Save stores a backed one-batch state snapshot under id, overwriting
// any previous snapshot for the same id.
func (s *Store) Save(id string, snap *tensor.CPU) error {
	buf := make([]byte, snapshotHeader+len(snap.Data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(snap.Shape[0]))
	binary.LittleEndian.PutUint32(buf[4:], uint32(snap.Shape[1]))
	binary.LittleEndian.PutUint32(buf[8:], uint32(snap.Shape[2]))
	binary.LittleEndian.PutUint32(buf[12:], uint32(snap.Dtype))
	copy(buf[snapshotHeader:], snap.Data)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), buf)
	})
	if err != nil {
		return fmt.Errorf("session: saving %q: %w", id, err)
	}
	logrus.WithFields(logrus.Fields{"id": id, "bytes": len(buf)}).Debug("session snapshot saved")
	return nil
}

// Load fetches the snapshot stored under id. Returns ErrNotFound if no
// snapshot exists for that id.
func (s *Store) Load(id string) (*tensor.CPU, error) {
	var snap *tensor.CPU
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) < snapshotHeader {
				return fmt.Errorf("session: snapshot %q truncated", id)
			}
			data := make([]byte, len(val)-snapshotHeader)
			copy(data, val[snapshotHeader:])
			snap = &tensor.CPU{
				Shape: [3]int{
					int(binary.LittleEndian.Uint32(val[0:])),
					int(binary.LittleEndian.Uint32(val[4:])),
					int(binary.LittleEndian.Uint32(val[8:])),
				},
				Dtype: gpu.Dtype(binary.LittleEndian.Uint32(val[12:])),
				Data:  data,
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("session: no snapshot %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Delete removes the snapshot stored under id; deleting an absent id
// is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
}
