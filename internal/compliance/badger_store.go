package compliance

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/dgraph-io/badger/v3"
)

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("compliance rule entry not found")

// RuleStore persists rule entries.
type RuleStore interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Load(ctx context.Context, directoryEntry model.DirectoryEntry) ([]Entry, error)
	Get(ctx context.Context, id RuleID) (Entry, error)
	NextID(ctx context.Context) (RuleID, error)
	Store(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, id RuleID) error
	Close() error
}

const (
	rulePrefix = "rule:"
	nextIDKey  = "meta:next_rule_id"
)

// BadgerRuleStore is a RuleStore backed by BadgerDB.
type BadgerRuleStore struct {
	db *badger.DB
}

// NewBadgerRuleStore opens a BadgerRuleStore at path. An empty path keeps the entries in memory.
func NewBadgerRuleStore(path string) (*BadgerRuleStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerRuleStore{db: db}, nil
}

func ruleKey(id RuleID) []byte {
	return []byte(fmt.Sprintf("%s%020d", rulePrefix, id))
}

// LoadAll returns every entry ordered by id.
func (s *BadgerRuleStore) LoadAll(ctx context.Context) ([]Entry, error) {
	return s.scan(func(Entry) bool { return true })
}

// Load returns the entries attached to directoryEntry ordered by id.
func (s *BadgerRuleStore) Load(ctx context.Context, directoryEntry model.DirectoryEntry) ([]Entry, error) {
	return s.scan(func(e Entry) bool {
		return e.DirectoryEntry.Type == directoryEntry.Type && e.DirectoryEntry.ID == directoryEntry.ID
	})
}

func (s *BadgerRuleStore) scan(match func(Entry) bool) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(rulePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if match(e) {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load compliance rule entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Get returns the entry with id.
func (s *BadgerRuleStore) Get(ctx context.Context, id RuleID) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRuleNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
	})
	return e, err
}

// NextID reserves a new rule id.
func (s *BadgerRuleStore) NextID(ctx context.Context) (RuleID, error) {
	var id uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		id = 1
		item, err := txn.Get([]byte(nextIDKey))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				id = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, id+1)
		return txn.Set([]byte(nextIDKey), next)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reserve rule id: %w", err)
	}
	return RuleID(id), nil
}

// Store inserts or replaces an entry.
func (s *BadgerRuleStore) Store(ctx context.Context, entry Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ruleKey(entry.ID), val)
	})
}

// Delete removes an entry.
func (s *BadgerRuleStore) Delete(ctx context.Context, id RuleID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(ruleKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRuleNotFound
			}
			return err
		}
		return txn.Delete(ruleKey(id))
	})
}

// Close closes the underlying BadgerDB.
func (s *BadgerRuleStore) Close() error {
	return s.db.Close()
}
