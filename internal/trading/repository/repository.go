// Package repository persists order submissions and execution reports.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrClosed is returned by a closed data store.
	ErrClosed = errors.New("data store is closed")
)

// DataStore stores the history of every order.
type DataStore interface {
	// LoadOrderSubmissions returns the orders matching query, each with its execution reports,
	// ordered by sequence.
	LoadOrderSubmissions(ctx context.Context, query model.AccountQuery) ([]model.SequencedOrderRecord, error)

	// LoadExecutionReports returns the execution reports matching query ordered by sequence.
	LoadExecutionReports(ctx context.Context, query model.AccountQuery) ([]model.SequencedExecutionReport, error)

	// LoadOrder returns a single order with its execution reports.
	LoadOrder(ctx context.Context, id model.OrderID) (model.SequencedAccountOrderRecord, error)

	// StoreOrderInfo stores a submission and marks the order live.
	StoreOrderInfo(ctx context.Context, info model.SequencedAccountOrderInfo) error

	// StoreExecutionReport stores a report. A terminal report clears the order's live mark.
	StoreExecutionReport(ctx context.Context, report model.SequencedAccountExecutionReport) error

	Close() error
}

// LoadInitialSequence returns the first sequence that may be published for account.
func LoadInitialSequence(ctx context.Context, store DataStore, account model.DirectoryEntry) (model.Sequence, error) {
	query := model.AccountQuery{
		Index:         account,
		Range:         model.HistoricalRange(),
		SnapshotLimit: model.SnapshotLimit{Type: model.SnapshotLimitTail, Size: 1},
	}
	last := model.SequenceFirst
	submissions, err := store.LoadOrderSubmissions(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to load last submission: %w", err)
	}
	if len(submissions) > 0 {
		last = submissions[len(submissions)-1].Sequence
	}
	reports, err := store.LoadExecutionReports(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to load last execution report: %w", err)
	}
	if len(reports) > 0 && reports[len(reports)-1].Sequence > last {
		last = reports[len(reports)-1].Sequence
	}
	return last.Next(), nil
}
