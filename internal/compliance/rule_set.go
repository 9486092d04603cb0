package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/administration"
	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/tasks"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is the policy store consulted by a RuleSet.
type Client interface {
	// MonitorComplianceRuleEntries returns the entries attached to a directory entry and calls
	// handler with every later change to them. handler must not block.
	MonitorComplianceRuleEntries(ctx context.Context, entry model.DirectoryEntry, handler func(Entry)) ([]Entry, error)

	// Report records a violation.
	Report(ctx context.Context, violation Violation) error
}

// ParentLoader resolves the directories an entry belongs to.
type ParentLoader interface {
	LoadParents(ctx context.Context, entry model.DirectoryEntry) ([]model.DirectoryEntry, error)
}

// DefaultGroupNames are the parent directories of an account whose rules apply to it.
var DefaultGroupNames = []string{administration.TradersDirectoryName, administration.ManagersDirectoryName}

// RuleSet checks order operations against the rules of an account and of every directory it
// inherits rules from.
type RuleSet struct {
	client     Client
	parents    ParentLoader
	builder    *Builder
	clock      clock.Clock
	groupNames map[string]struct{}
	tasks      *tasks.Queue
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[entryKey]*ruleSetEntry
}

// entryKey identifies a directory entry regardless of its name.
type entryKey struct {
	t  model.DirectoryEntryType
	id uint32
}

func keyOf(e model.DirectoryEntry) entryKey {
	return entryKey{t: e.Type, id: e.ID}
}

type ruleSetEntry struct {
	once sync.Once
	err  error

	mu      sync.Mutex
	parents []model.DirectoryEntry
	rules   []*ruleSetRule
	orders  []*order.PrimitiveOrder
}

type ruleSetRule struct {
	entry Entry
	rule  Rule
}

// NewRuleSet creates a RuleSet. groupNames restricts the parent directories an account inherits
// rules from; nil selects DefaultGroupNames.
func NewRuleSet(client Client, parents ParentLoader, builder *Builder, c clock.Clock, groupNames []string, logger *zap.Logger) *RuleSet {
	if groupNames == nil {
		groupNames = DefaultGroupNames
	}
	names := make(map[string]struct{}, len(groupNames))
	for _, name := range groupNames {
		names[name] = struct{}{}
	}
	return &RuleSet{
		client:     client,
		parents:    parents,
		builder:    builder,
		clock:      c,
		groupNames: names,
		tasks:      tasks.NewQueue(logger),
		logger:     logger.Named("compliance"),
		entries:    make(map[entryKey]*ruleSetEntry),
	}
}

// Close stops processing rule updates.
func (s *RuleSet) Close() {
	s.tasks.Close()
}

// Flush waits until every rule update received so far is applied.
func (s *RuleSet) Flush() {
	s.tasks.Flush()
}

// Submit checks an order submission. A violation of an ACTIVE rule is returned as a
// *CheckError; violations of PASSIVE rules are only reported.
func (s *RuleSet) Submit(ctx context.Context, o *order.PrimitiveOrder) error {
	info := o.Info()
	entry, err := s.load(ctx, info.Fields.Account)
	if err != nil {
		return err
	}
	var violation error
	entry.mu.Lock()
	entry.orders = append(entry.orders, o)
	violation = s.check(ctx, entry, info.SubmissionAccount, o, Rule.Submit)
	entry.mu.Unlock()
	for _, parent := range entry.parents {
		parentEntry, err := s.load(ctx, parent)
		if err != nil {
			return err
		}
		parentEntry.mu.Lock()
		parentEntry.orders = append(parentEntry.orders, o)
		if violation == nil {
			violation = s.check(ctx, parentEntry, info.SubmissionAccount, o, Rule.Submit)
		}
		parentEntry.mu.Unlock()
	}
	return violation
}

// Cancel checks a cancel request made by account.
func (s *RuleSet) Cancel(ctx context.Context, account model.DirectoryEntry, o *order.PrimitiveOrder) error {
	entry, err := s.load(ctx, o.Info().Fields.Account)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	violation := s.check(ctx, entry, account, o, Rule.Cancel)
	entry.mu.Unlock()
	if violation != nil {
		return violation
	}
	for _, parent := range entry.parents {
		parentEntry, err := s.load(ctx, parent)
		if err != nil {
			return err
		}
		parentEntry.mu.Lock()
		violation = s.check(ctx, parentEntry, account, o, Rule.Cancel)
		parentEntry.mu.Unlock()
		if violation != nil {
			return violation
		}
	}
	return nil
}

// Add records an order that was not checked, such as a recovered order.
func (s *RuleSet) Add(ctx context.Context, o *order.PrimitiveOrder) error {
	entry, err := s.load(ctx, o.Info().Fields.Account)
	if err != nil {
		return err
	}
	add := func(e *ruleSetEntry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.orders = append(e.orders, o)
		for _, r := range e.rules {
			r.rule.Add(o)
		}
	}
	add(entry)
	for _, parent := range entry.parents {
		parentEntry, err := s.load(ctx, parent)
		if err != nil {
			return err
		}
		add(parentEntry)
	}
	return nil
}

// check runs op over the rules of entry, which must be locked, and returns the first violation
// of an ACTIVE rule.
func (s *RuleSet) check(ctx context.Context, entry *ruleSetEntry, account model.DirectoryEntry, o *order.PrimitiveOrder, op func(Rule, *order.PrimitiveOrder) error) error {
	for _, r := range entry.rules {
		if r.entry.State == StateDisabled {
			continue
		}
		err := op(r.rule, o)
		if err == nil {
			continue
		}
		s.report(ctx, account, o, r.entry, err)
		if r.entry.State == StateActive {
			return err
		}
	}
	return nil
}

func (s *RuleSet) report(ctx context.Context, account model.DirectoryEntry, o *order.PrimitiveOrder, entry Entry, err error) {
	metrics.ComplianceViolations.WithLabelValues(entry.Schema.Name, string(entry.State)).Inc()
	violation := Violation{
		ID:         uuid.New().String(),
		Account:    account,
		OrderID:    o.ID(),
		RuleID:     entry.ID,
		SchemaName: entry.Schema.Name,
		Reason:     ReasonOf(err),
		Timestamp:  s.clock.Now(),
	}
	if err := s.client.Report(ctx, violation); err != nil {
		s.logger.Error("Failed to report compliance violation",
			zap.Uint64("order_id", uint64(o.ID())),
			zap.Uint64("rule_id", uint64(entry.ID)),
			zap.Error(err))
	}
}

// load returns the entry of a directory entry, resolving its parents and rules on first use.
// Concurrent first callers wait for the same resolution.
func (s *RuleSet) load(ctx context.Context, directoryEntry model.DirectoryEntry) (*ruleSetEntry, error) {
	key := keyOf(directoryEntry)
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &ruleSetEntry{}
		s.entries[key] = entry
	}
	s.mu.Unlock()
	entry.once.Do(func() {
		entry.err = s.initialize(ctx, directoryEntry, entry)
		if entry.err != nil {
			s.mu.Lock()
			delete(s.entries, key)
			s.mu.Unlock()
		}
	})
	return entry, entry.err
}

func (s *RuleSet) initialize(ctx context.Context, directoryEntry model.DirectoryEntry, entry *ruleSetEntry) error {
	discovered := make(map[entryKey]struct{})
	queue := []model.DirectoryEntry{directoryEntry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		parents, err := s.parents.LoadParents(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to load parents of %s: %w", current, err)
		}
		for _, parent := range parents {
			if current.IsAccount() {
				if _, ok := s.groupNames[parent.Name]; !ok {
					continue
				}
			}
			if _, ok := discovered[keyOf(parent)]; ok {
				continue
			}
			discovered[keyOf(parent)] = struct{}{}
			entry.parents = append(entry.parents, parent)
			queue = append(queue, parent)
		}
	}
	ruleEntries, err := s.client.MonitorComplianceRuleEntries(ctx, directoryEntry, func(updated Entry) {
		s.tasks.Push(func() { s.onUpdate(updated) })
	})
	if err != nil {
		return fmt.Errorf("failed to load compliance rules of %s: %w", directoryEntry, err)
	}
	for _, ruleEntry := range ruleEntries {
		s.update(ruleEntry, entry)
	}
	return nil
}

func (s *RuleSet) onUpdate(updated Entry) {
	entry, err := s.load(context.Background(), updated.DirectoryEntry)
	if err != nil {
		s.logger.Error("Failed to apply compliance rule update",
			zap.Uint64("rule_id", uint64(updated.ID)),
			zap.Error(err))
		return
	}
	s.update(updated, entry)
}

// update replaces the rule of updated.ID and replays the tracked orders through the new rule.
func (s *RuleSet) update(updated Entry, entry *ruleSetEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	rules := entry.rules[:0]
	for _, r := range entry.rules {
		if r.entry.ID != updated.ID {
			rules = append(rules, r)
		}
	}
	entry.rules = rules
	if updated.State == StateDeleted {
		return
	}
	rule, err := s.builder.Build(updated)
	if err != nil {
		if errors.Is(err, ErrUnknownSchema) {
			s.logger.Warn("Unknown compliance rule",
				zap.String("schema", updated.Schema.Name),
				zap.Uint64("rule_id", uint64(updated.ID)),
				zap.Error(err))
		} else {
			s.logger.Error("Failed to build compliance rule",
				zap.Uint64("rule_id", uint64(updated.ID)),
				zap.Error(err))
		}
		return
	}
	for _, o := range entry.orders {
		rule.Add(o)
	}
	entry.rules = append(entry.rules, &ruleSetRule{entry: updated, rule: rule})
}
