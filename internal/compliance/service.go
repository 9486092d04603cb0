package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"go.uber.org/zap"
)

// ErrInsufficientPermissions is returned when a non-administrator edits rule entries.
var ErrInsufficientPermissions = errors.New("insufficient permissions")

// Service is the compliance policy store. It keeps rule entries in a RuleStore, pushes their
// changes to monitors and records violations in a ViolationStore.
type Service struct {
	rules      RuleStore
	violations ViolationStore
	logger     *zap.Logger

	mu       sync.Mutex
	monitors map[entryKey][]func(Entry)
}

// NewService creates a Service.
func NewService(rules RuleStore, violations ViolationStore, logger *zap.Logger) *Service {
	return &Service{
		rules:      rules,
		violations: violations,
		logger:     logger.Named("compliance_service"),
		monitors:   make(map[entryKey][]func(Entry)),
	}
}

// Open checks the rule store and logs the number of stored entries.
func (s *Service) Open(ctx context.Context) error {
	entries, err := s.rules.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to open compliance service: %w", err)
	}
	s.logger.Info("Compliance rules loaded", zap.Int("count", len(entries)))
	return nil
}

// Seed attaches a rule unless the directory entry already has a rule with the same schema name.
func (s *Service) Seed(ctx context.Context, directoryEntry model.DirectoryEntry, state State, schema Schema) error {
	existing, err := s.rules.Load(ctx, directoryEntry)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Schema.Name == schema.Name {
			return nil
		}
	}
	_, err = s.add(ctx, directoryEntry, state, schema)
	return err
}

// Close closes the rule store.
func (s *Service) Close() error {
	return s.rules.Close()
}

// LoadComplianceRuleEntries returns the entries attached to a directory entry.
func (s *Service) LoadComplianceRuleEntries(ctx context.Context, directoryEntry model.DirectoryEntry) ([]Entry, error) {
	return s.rules.Load(ctx, directoryEntry)
}

// AddComplianceRuleEntry attaches a new rule to a directory entry and returns its id.
func (s *Service) AddComplianceRuleEntry(ctx context.Context, sess *session.Session, directoryEntry model.DirectoryEntry, state State, schema Schema) (RuleID, error) {
	if !isAdministrator(sess) {
		return 0, ErrInsufficientPermissions
	}
	return s.add(ctx, directoryEntry, state, schema)
}

func (s *Service) add(ctx context.Context, directoryEntry model.DirectoryEntry, state State, schema Schema) (RuleID, error) {
	if state == StateDeleted {
		return 0, fmt.Errorf("cannot add a rule in state %s", state)
	}
	id, err := s.rules.NextID(ctx)
	if err != nil {
		return 0, err
	}
	entry := Entry{ID: id, DirectoryEntry: directoryEntry, State: state, Schema: schema}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rules.Store(ctx, entry); err != nil {
		return 0, fmt.Errorf("failed to store rule entry: %w", err)
	}
	s.logger.Info("Compliance rule added",
		zap.Uint64("rule_id", uint64(id)),
		zap.String("directory_entry", directoryEntry.String()),
		zap.String("schema", schema.Name),
		zap.String("state", string(state)))
	s.publish(entry)
	return id, nil
}

// UpdateComplianceRuleEntry replaces an existing entry.
func (s *Service) UpdateComplianceRuleEntry(ctx context.Context, sess *session.Session, entry Entry) error {
	if !isAdministrator(sess) {
		return ErrInsufficientPermissions
	}
	if entry.State == StateDeleted {
		return s.DeleteComplianceRuleEntry(ctx, sess, entry.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, err := s.rules.Get(ctx, entry.ID)
	if err != nil {
		return err
	}
	if keyOf(previous.DirectoryEntry) != keyOf(entry.DirectoryEntry) {
		return fmt.Errorf("rule %d cannot move from %s to %s", entry.ID, previous.DirectoryEntry, entry.DirectoryEntry)
	}
	if err := s.rules.Store(ctx, entry); err != nil {
		return fmt.Errorf("failed to store rule entry: %w", err)
	}
	s.publish(entry)
	return nil
}

// DeleteComplianceRuleEntry removes an entry and notifies its monitors with a DELETED entry.
func (s *Service) DeleteComplianceRuleEntry(ctx context.Context, sess *session.Session, id RuleID) error {
	if !isAdministrator(sess) {
		return ErrInsufficientPermissions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.rules.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	entry.State = StateDeleted
	s.publish(entry)
	return nil
}

// MonitorComplianceRuleEntries implements Client.
func (s *Service) MonitorComplianceRuleEntries(ctx context.Context, directoryEntry model.DirectoryEntry, handler func(Entry)) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.rules.Load(ctx, directoryEntry)
	if err != nil {
		return nil, err
	}
	key := keyOf(directoryEntry)
	s.monitors[key] = append(s.monitors[key], handler)
	return entries, nil
}

// Report implements Client.
func (s *Service) Report(ctx context.Context, violation Violation) error {
	s.logger.Warn("Compliance violation",
		zap.String("account", violation.Account.String()),
		zap.Uint64("order_id", uint64(violation.OrderID)),
		zap.Uint64("rule_id", uint64(violation.RuleID)),
		zap.String("schema", violation.SchemaName),
		zap.String("reason", violation.Reason))
	return s.violations.Store(ctx, violation)
}

// LoadViolations returns the most recent violations of an account.
func (s *Service) LoadViolations(ctx context.Context, account model.DirectoryEntry, limit int) ([]Violation, error) {
	return s.violations.Load(ctx, account, limit)
}

// publish must be called with s.mu held.
func (s *Service) publish(entry Entry) {
	for _, handler := range s.monitors[keyOf(entry.DirectoryEntry)] {
		handler(entry)
	}
}

func isAdministrator(sess *session.Session) bool {
	return sess != nil && sess.IsAdministrator()
}
