// Package bitmapstore persists named dirty bitmaps across process
// restarts, backed by BadgerDB.
//
// Bitmaps live in memory on their node; this store is only touched at
// shutdown (save) and at startup (restore), so incremental-backup state
// survives a restart the same way it survives a graph reconfiguration
// inside a running process. Frozen and anonymous bitmaps are never
// persisted: a frozen bitmap is mid-backup and has no meaningful
// standalone state, and an anonymous one has no identity to restore
// under.
package bitmapstore

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittovd/internal/logger"
	"github.com/marmos91/dittovd/pkg/block"
)

// Store is a BadgerDB-backed bitmap archive.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the store at the given directory.
func New(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open bitmap store at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores one bitmap snapshot under the owning node's name.
func (s *Store) Save(nodeName string, data block.BitmapData) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not serialize bitmap %q: %w", data.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bitmapKey(nodeName, data.Name), value)
	})
}

// Load retrieves one bitmap snapshot.
func (s *Store) Load(nodeName, bitmapName string) (block.BitmapData, error) {
	var data block.BitmapData
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bitmapKey(nodeName, bitmapName))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("bitmap %q not found for node %q", bitmapName, nodeName)
			}
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &data)
		})
	})
	return data, err
}

// List returns every stored snapshot for a node.
func (s *Store) List(nodeName string) ([]block.BitmapData, error) {
	var out []block.BitmapData
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := nodePrefix(nodeName)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var data block.BitmapData
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &data)
			})
			if err != nil {
				return err
			}
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// Delete removes one stored snapshot. Deleting a missing snapshot is not
// an error.
func (s *Store) Delete(nodeName, bitmapName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(bitmapKey(nodeName, bitmapName))
	})
}

// SaveNode persists every named, unfrozen bitmap of a node. Bitmaps that
// cannot be exported are skipped with a log entry rather than failing the
// whole sweep.
func (s *Store) SaveNode(n *block.Node) error {
	for _, b := range n.DirtyBitmaps() {
		if b.Name() == "" {
			continue
		}
		data, err := b.Export()
		if err != nil {
			logger.Warn("skipping bitmap %q of node %q: %v", b.Name(), n.Name(), err)
			continue
		}
		if err := s.Save(n.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

// RestoreNode recreates every stored bitmap on a freshly opened node.
// Snapshots whose name is already taken on the node are skipped.
func (s *Store) RestoreNode(n *block.Node) error {
	stored, err := s.List(n.Name())
	if err != nil {
		return err
	}
	for _, data := range stored {
		if n.FindDirtyBitmap(data.Name) != nil {
			continue
		}
		if _, err := n.RestoreDirtyBitmap(data); err != nil {
			return fmt.Errorf("could not restore bitmap %q on node %q: %w",
				data.Name, n.Name(), err)
		}
		logger.Debug("restored bitmap %q on node %q", data.Name, n.Name())
	}
	return nil
}
