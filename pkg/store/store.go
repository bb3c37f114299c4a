// Package store persists engine snapshots and a fulfillment event journal
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/vault"
)

var (
	keyLatestSnapshot = []byte("snapshot:latest")
	keyEventSeq       = []byte("event:seq")
)

// VaultStore stores snapshots and events in a key-value database. Snapshot
// keys are "snapshot:latest" plus a timestamped history; journal entries
// are "event:<seq>" with a big-endian sequence for ordered iteration.
type VaultStore struct {
	db     database.Database
	logger log.Logger
}

// NewVaultStore creates a store over the given database
func NewVaultStore(db database.Database, logger log.Logger) *VaultStore {
	return &VaultStore{
		db:     db,
		logger: logger,
	}
}

// SaveSnapshot writes a snapshot as both the latest state and a history
// entry, in a single batch
func (s *VaultStore) SaveSnapshot(snap vault.Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(keyLatestSnapshot, value); err != nil {
		return err
	}
	historyKey := fmt.Sprintf("snapshot:%d", snap.Timestamp.UnixNano())
	if err := batch.Put([]byte(historyKey), value); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	s.logger.Debug("snapshot saved", "bytes", len(value))
	return nil
}

// LoadLatestSnapshot reads the most recent snapshot. Returns
// database.ErrNotFound if none was ever saved.
func (s *VaultStore) LoadLatestSnapshot() (vault.Snapshot, error) {
	value, err := s.db.Get(keyLatestSnapshot)
	if err != nil {
		return vault.Snapshot{}, err
	}

	var snap vault.Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return vault.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// AppendEvent journals a fulfillment event under the next sequence number
func (s *VaultStore) AppendEvent(ev vault.Event) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}

	value, err := json.Marshal(journalEntry{
		Type:      string(ev.Type),
		Account:   ev.Account,
		Receiver:  ev.Receiver,
		Assets:    optString(ev.Assets),
		Shares:    optString(ev.Shares),
		Yield:     optString(ev.Yield),
		Fee:       optString(ev.Fee),
		Payout:    optString(ev.Payout),
		Source:    ev.Source,
		Timestamp: ev.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(eventKey(seq), value); err != nil {
		return err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq+1)
	if err := batch.Put(keyEventSeq, seqBytes); err != nil {
		return err
	}
	return batch.Write()
}

// Events reads journal entries in order, starting at from, up to limit
// entries. A limit of zero means no bound.
func (s *VaultStore) Events(from uint64, limit int) ([]JournalEvent, error) {
	next, err := s.nextSeq()
	if err != nil {
		return nil, err
	}

	var out []JournalEvent
	for seq := from; seq < next; seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		value, err := s.db.Get(eventKey(seq))
		if err != nil {
			if err == database.ErrNotFound {
				continue
			}
			return nil, err
		}

		var entry journalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", seq, err)
		}
		out = append(out, JournalEvent{Seq: seq, journalEntry: entry})
	}
	return out, nil
}

// EventCount returns the number of journaled events
func (s *VaultStore) EventCount() (uint64, error) {
	return s.nextSeq()
}

func (s *VaultStore) nextSeq() (uint64, error) {
	value, err := s.db.Get(keyEventSeq)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt event sequence: %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 6+8)
	copy(key, "event:")
	binary.BigEndian.PutUint64(key[6:], seq)
	return key
}

type journalEntry struct {
	Type      string `json:"type"`
	Account   string `json:"account"`
	Receiver  string `json:"receiver,omitempty"`
	Assets    string `json:"assets,omitempty"`
	Shares    string `json:"shares,omitempty"`
	Yield     string `json:"yield,omitempty"`
	Fee       string `json:"fee,omitempty"`
	Payout    string `json:"payout,omitempty"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JournalEvent is a journaled event together with its sequence number
type JournalEvent struct {
	Seq uint64 `json:"seq"`
	journalEntry
}

func optString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
