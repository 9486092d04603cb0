// Package driver defines the boundary to the venue-facing execution driver.
package driver

import (
	"context"
	"errors"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
)

// ErrOrderNotFound is returned when a driver does not know an order.
var ErrOrderNotFound = errors.New("order not found by driver")

// Driver executes orders on a venue. Reports are delivered through the returned orders.
type Driver interface {
	// Recover rebuilds an order from its stored history.
	Recover(ctx context.Context, record model.SequencedAccountOrderRecord) (*order.PrimitiveOrder, error)

	// Add makes an order created outside the driver addressable by Cancel and Update.
	Add(ctx context.Context, o *order.PrimitiveOrder) error

	// Submit sends a new order to the venue.
	Submit(ctx context.Context, info model.OrderInfo) (*order.PrimitiveOrder, error)

	// Cancel requests the cancellation of an order.
	Cancel(ctx context.Context, s *session.Session, id model.OrderID) error

	// Update applies an administrative execution report to an order.
	Update(ctx context.Context, s *session.Session, id model.OrderID, report model.ExecutionReport) error

	Close() error
}

// nextReport fills in the id and sequence of an externally supplied report.
func nextReport(o *order.PrimitiveOrder, report model.ExecutionReport) func(model.OrderStatus, model.ExecutionReport) (model.ExecutionReport, bool) {
	return func(_ model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
		report.ID = o.ID()
		report.Sequence = last.Sequence + 1
		return report, true
	}
}
