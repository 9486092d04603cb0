// Package order implements the order state machine shared by drivers, the servlet and clients.
package order

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

var (
	// ErrOrderTerminated is returned when a report is applied to an order in a terminal state.
	ErrOrderTerminated = errors.New("order is in a terminal state")
	// ErrSequenceGap is returned when a report does not directly follow the last report.
	ErrSequenceGap = errors.New("execution report out of sequence")
	// ErrWrongOrder is returned when a report belongs to another order.
	ErrWrongOrder = errors.New("execution report belongs to another order")
)

// ReportHandler receives execution reports of a monitored order. It is called while the order is
// locked and must neither block nor call back into the order.
type ReportHandler func(model.ExecutionReport)

// PrimitiveOrder is an order and its ordered history of execution reports.
type PrimitiveOrder struct {
	info model.OrderInfo

	mu        sync.Mutex
	status    model.OrderStatus
	preCancel model.OrderStatus
	reports   []model.ExecutionReport
	handlers  []ReportHandler
	closed    bool
}

// NewPrimitiveOrder creates an order in the PENDING_NEW state.
func NewPrimitiveOrder(info model.OrderInfo) *PrimitiveOrder {
	return &PrimitiveOrder{
		info:    info,
		status:  model.OrderStatusPendingNew,
		reports: []model.ExecutionReport{model.MakeInitialReport(info.ID, info.Timestamp)},
	}
}

// NewPrimitiveOrderFromRecord rebuilds an order from its stored history.
func NewPrimitiveOrderFromRecord(record model.OrderRecord) *PrimitiveOrder {
	o := &PrimitiveOrder{
		info:   record.Info,
		status: model.OrderStatusPendingNew,
	}
	o.reports = make([]model.ExecutionReport, 0, len(record.ExecutionReports))
	for _, report := range record.ExecutionReports {
		o.reports = append(o.reports, report)
		o.applyStatus(report.Status)
	}
	o.closed = model.IsTerminal(o.status)
	return o
}

// Info returns the immutable description of the order.
func (o *PrimitiveOrder) Info() model.OrderInfo {
	return o.info
}

// ID returns the order id.
func (o *PrimitiveOrder) ID() model.OrderID {
	return o.info.ID
}

// Status returns the summarized status of the order.
func (o *PrimitiveOrder) Status() model.OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Reports returns a copy of every report received so far.
func (o *PrimitiveOrder) Reports() []model.ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.ExecutionReport(nil), o.reports...)
}

// Record returns the order as an OrderRecord.
func (o *PrimitiveOrder) Record() model.OrderRecord {
	return model.OrderRecord{Info: o.info, ExecutionReports: o.Reports()}
}

// With calls fn with the current status and reports while the order is locked. fn must not
// retain reports nor call back into the order.
func (o *PrimitiveOrder) With(fn func(status model.OrderStatus, reports []model.ExecutionReport)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.status, o.reports)
}

// Update appends report to the history and publishes it to every handler.
func (o *PrimitiveOrder) Update(report model.ExecutionReport) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.update(report)
}

// UpdateWith atomically builds the next report from the current state and applies it. build
// returns false to leave the order unchanged.
func (o *PrimitiveOrder) UpdateWith(build func(status model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reports) == 0 {
		return fmt.Errorf("order %d has no reports", o.info.ID)
	}
	report, ok := build(o.status, o.reports[len(o.reports)-1])
	if !ok {
		return nil
	}
	return o.update(report)
}

func (o *PrimitiveOrder) update(report model.ExecutionReport) error {
	if report.ID != o.info.ID {
		return fmt.Errorf("%w: report for %d applied to %d", ErrWrongOrder, report.ID, o.info.ID)
	}
	if model.IsTerminal(o.status) && len(o.reports) > 0 {
		return fmt.Errorf("%w: order %d is %s", ErrOrderTerminated, o.info.ID, o.status)
	}
	if report.Sequence != len(o.reports) {
		return fmt.Errorf("%w: order %d expected %d, got %d", ErrSequenceGap, o.info.ID,
			len(o.reports), report.Sequence)
	}
	o.reports = append(o.reports, report)
	o.applyStatus(report.Status)
	for _, handler := range o.handlers {
		handler(report)
	}
	if model.IsTerminal(o.status) {
		o.closed = true
		o.handlers = nil
	}
	return nil
}

func (o *PrimitiveOrder) applyStatus(status model.OrderStatus) {
	switch status {
	case model.OrderStatusPartiallyFilled:
	case model.OrderStatusPendingCancel:
		if o.status != model.OrderStatusPendingCancel {
			o.preCancel = o.status
		}
		o.status = status
	case model.OrderStatusCancelReject:
		if o.preCancel != "" {
			o.status = o.preCancel
			o.preCancel = ""
		}
	default:
		o.status = status
	}
}

// Subscribe registers handler for future reports and returns the reports received so far. A
// terminated order returns its history without registering handler.
func (o *PrimitiveOrder) Subscribe(handler ReportHandler) []model.ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := append([]model.ExecutionReport(nil), o.reports...)
	if !o.closed {
		o.handlers = append(o.handlers, handler)
	}
	return snapshot
}

// MonitorFrom delivers every report from position offset onwards to handler, followed by every
// future report.
func (o *PrimitiveOrder) MonitorFrom(offset int, handler ReportHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(o.reports); i++ {
		handler(o.reports[i])
	}
	if !o.closed {
		o.handlers = append(o.handlers, handler)
	}
}

// BuildRejectedOrder returns an order whose history is PENDING_NEW followed by REJECTED with
// reason as text.
func BuildRejectedOrder(info model.OrderInfo, reason string) *PrimitiveOrder {
	o := NewPrimitiveOrder(info)
	o.mu.Lock()
	defer o.mu.Unlock()
	rejected := model.MakeUpdatedReport(o.reports[0], model.OrderStatusRejected, info.Timestamp)
	rejected.Text = reason
	o.reports = append(o.reports, rejected)
	o.status = model.OrderStatusRejected
	o.closed = true
	return o
}

// Reject appends a REJECTED report with reason as text unless the order already terminated.
func Reject(o *PrimitiveOrder, timestamp time.Time, reason string) error {
	return o.UpdateWith(func(status model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
		if model.IsTerminal(status) {
			return model.ExecutionReport{}, false
		}
		report := model.MakeUpdatedReport(last, model.OrderStatusRejected, timestamp)
		report.Text = reason
		return report, true
	})
}

// RejectCancelRequest records a refused cancel as PENDING_CANCEL followed by CANCEL_REJECT. The
// order keeps the standing status it had before the request.
func RejectCancelRequest(o *PrimitiveOrder, timestamp time.Time, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if model.IsTerminal(o.status) || len(o.reports) == 0 {
		return nil
	}
	pending := model.MakeUpdatedReport(o.reports[len(o.reports)-1], model.OrderStatusPendingCancel, timestamp)
	if err := o.update(pending); err != nil {
		return err
	}
	rejected := model.MakeUpdatedReport(pending, model.OrderStatusCancelReject, timestamp)
	rejected.Text = reason
	return o.update(rejected)
}
