package watchdog

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/efsmount/pkg/tunnel"
)

// History Key Layout
// ==================
//
// Transitions are stored one per key so that the history of a mount is a
// single prefix scan:
//
//	h:<mountID>:<unix nanos, 20 digits>:<sequence, 8 hex digits>  ->  Entry (JSON)
//
// The zero padded timestamp keeps keys of one mount in chronological order;
// the sequence separates transitions recorded within the same nanosecond.
const prefixHistory = "h:"

// DefaultHistoryRetention is the number of transitions kept per mount.
const DefaultHistoryRetention = 200

// Entry is one recorded transition.
type Entry struct {
	MountID string       `json:"mount_id"`
	From    tunnel.State `json:"from"`
	To      tunnel.State `json:"to"`
	Reason  string       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}

// History persists tunnel transitions in BadgerDB so that they survive
// watchdog restarts.
type History struct {
	db        *badger.DB
	retention int
	seq       atomic.Uint32
}

// OpenHistory opens (or creates) the history database at path.
//
// Parameters:
//   - path: Database directory; empty opens an in-memory database
//   - retention: Transitions kept per mount (0 uses DefaultHistoryRetention)
//
// Returns:
//   - *History: Opened store, to be closed by the caller
//   - error: Database error
func OpenHistory(path string, retention int) (*History, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database at %s: %w", path, err)
	}

	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &History{db: db, retention: retention}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

func keyHistoryPrefix(mountID string) []byte {
	return []byte(prefixHistory + mountID + ":")
}

func keyHistory(mountID string, at time.Time, seq uint32) []byte {
	return fmt.Appendf(nil, "%s%s:%020d:%08x", prefixHistory, mountID, at.UnixNano(), seq)
}

// Append records a transition and drops the oldest entries of the mount
// beyond the retention.
func (h *History) Append(tr tunnel.Transition) error {
	entry := Entry{MountID: tr.MountID, From: tr.From, To: tr.To, Reason: tr.Reason, At: tr.At.UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	key := keyHistory(tr.MountID, tr.At, h.seq.Add(1))
	if err := h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("failed to append history of %s: %w", tr.MountID, err)
	}

	return h.prune(tr.MountID)
}

// List returns the most recent transitions of a mount, oldest first.
// limit <= 0 returns everything retained.
func (h *History) List(mountID string, limit int) ([]Entry, error) {
	var entries []Entry

	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = keyHistoryPrefix(mountID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("failed to decode history entry: %w", err)
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Forget deletes the whole history of a mount.
func (h *History) Forget(mountID string) error {
	keys, err := h.keys(mountID)
	if err != nil {
		return err
	}
	return h.delete(keys)
}

// prune drops the oldest entries of a mount beyond the retention.
func (h *History) prune(mountID string) error {
	keys, err := h.keys(mountID)
	if err != nil || len(keys) <= h.retention {
		return err
	}
	return h.delete(keys[:len(keys)-h.retention])
}

// keys returns the keys of a mount in chronological order.
func (h *History) keys(mountID string) ([][]byte, error) {
	var keys [][]byte

	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyHistoryPrefix(mountID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (h *History) delete(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return h.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
