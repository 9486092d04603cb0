package compliance

import (
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/shopspring/decimal"
)

// unboundedPrice stands in for the price of a market bid.
var unboundedPrice = decimal.New(1, 18)

// OpposingOrderRule rejects an order submitted too soon after an order on the same side was
// canceled, unless its price moved away from the canceled price by more than an offset.
type OpposingOrderRule struct {
	timeout time.Duration
	offset  decimal.Decimal
	clock   clock.Clock
	queue   reportQueue

	mu          sync.Mutex
	orders      map[model.OrderID]model.OrderFields
	monitored   map[model.OrderID]struct{}
	lastCancel  map[model.Side]time.Time
	cancelPrice map[model.Side]decimal.Decimal
}

// NewOpposingOrderRule creates an OpposingOrderRule.
func NewOpposingOrderRule(timeout time.Duration, offset decimal.Decimal, c clock.Clock) *OpposingOrderRule {
	return &OpposingOrderRule{
		timeout:     timeout,
		offset:      offset,
		clock:       c,
		orders:      make(map[model.OrderID]model.OrderFields),
		monitored:   make(map[model.OrderID]struct{}),
		lastCancel:  make(map[model.Side]time.Time),
		cancelPrice: make(map[model.Side]decimal.Decimal),
	}
}

func submissionPrice(fields model.OrderFields) decimal.Decimal {
	if fields.Type == model.OrderTypeLimit {
		return fields.Price
	}
	if fields.Side == model.SideAsk {
		return decimal.Zero
	}
	return unboundedPrice
}

func (r *OpposingOrderRule) Submit(o *order.PrimitiveOrder) error {
	fields := o.Info().Fields
	if fields.Type != model.OrderTypeLimit && fields.Type != model.OrderTypeMarket {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process()
	if last, ok := r.lastCancel[fields.Side]; ok && !last.Before(r.clock.Now().Add(-r.timeout)) &&
		r.inRange(fields) {
		return NewCheckError("Opposing order can not be submitted yet.")
	}
	r.monitor(o)
	return nil
}

func (r *OpposingOrderRule) Cancel(*order.PrimitiveOrder) error {
	return nil
}

func (r *OpposingOrderRule) Add(o *order.PrimitiveOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitor(o)
}

func (r *OpposingOrderRule) inRange(fields model.OrderFields) bool {
	price := submissionPrice(fields)
	reference := r.cancelPrice[fields.Side]
	if fields.Side == model.SideAsk {
		return price.Add(r.offset).LessThanOrEqual(reference)
	}
	return price.Sub(r.offset).GreaterThanOrEqual(reference)
}

func (r *OpposingOrderRule) monitor(o *order.PrimitiveOrder) {
	if _, ok := r.monitored[o.ID()]; ok {
		return
	}
	r.monitored[o.ID()] = struct{}{}
	r.orders[o.ID()] = o.Info().Fields
	o.MonitorFrom(0, r.queue.push)
}

func (r *OpposingOrderRule) process() {
	for _, report := range r.queue.drain() {
		fields, ok := r.orders[report.ID]
		if !ok {
			continue
		}
		if model.IsTerminal(report.Status) {
			delete(r.orders, report.ID)
		}
		if report.Status != model.OrderStatusCanceled {
			continue
		}
		r.lastCancel[fields.Side] = report.Timestamp
		r.cancelPrice[fields.Side] = submissionPrice(fields)
	}
}
