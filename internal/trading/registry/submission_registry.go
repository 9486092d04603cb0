// Package registry assigns per-account sequences to published order submissions and execution
// reports.
package registry

import (
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

// InitialSequenceLoader returns the first sequence that may be used for an account.
type InitialSequenceLoader func(account model.DirectoryEntry) (model.Sequence, error)

// OrderSubmissionRegistry hands out strictly increasing sequences per account. Order infos and
// execution reports of one account share a single sequence, so every subscriber of the account
// observes one total order.
type OrderSubmissionRegistry struct {
	mu      sync.Mutex
	entries map[model.DirectoryEntry]*accountEntry
}

type accountEntry struct {
	mu          sync.Mutex
	initialized bool
	next        model.Sequence
}

// NewOrderSubmissionRegistry creates an empty registry.
func NewOrderSubmissionRegistry() *OrderSubmissionRegistry {
	return &OrderSubmissionRegistry{
		entries: make(map[model.DirectoryEntry]*accountEntry),
	}
}

// AddAccount registers an account. Adding an account twice has no effect.
func (r *OrderSubmissionRegistry) AddAccount(account model.DirectoryEntry) {
	r.entry(account)
}

// HasAccount returns true if the account was registered.
func (r *OrderSubmissionRegistry) HasAccount(account model.DirectoryEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[account]
	return ok
}

// Accounts returns every registered account.
func (r *OrderSubmissionRegistry) Accounts() []model.DirectoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	accounts := make([]model.DirectoryEntry, 0, len(r.entries))
	for account := range r.entries {
		accounts = append(accounts, account)
	}
	return accounts
}

func (r *OrderSubmissionRegistry) entry(account model.DirectoryEntry) *accountEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[account]
	if !ok {
		e = &accountEntry{}
		r.entries[account] = e
	}
	return e
}

// Publish assigns the next sequence of value's account and calls commit with the sequenced
// value. The first publish of an account calls load to find its first usable sequence. commit
// runs with the account locked, so commits of one account never interleave and store-then-publish
// ordering holds. The sequence is consumed only if commit succeeds.
func Publish[T any](r *OrderSubmissionRegistry, value model.IndexedValue[T], load InitialSequenceLoader,
	commit func(model.SequencedValue[model.IndexedValue[T]]) error) error {
	e := r.entry(value.Index)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		first, err := load(value.Index)
		if err != nil {
			return fmt.Errorf("failed to load initial sequence for %s: %w", value.Index, err)
		}
		e.next = first
		e.initialized = true
	}
	sequenced := model.Sequenced(value, e.next)
	if err := commit(sequenced); err != nil {
		return err
	}
	e.next = e.next.Next()
	return nil
}
