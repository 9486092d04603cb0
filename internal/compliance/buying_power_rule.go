package compliance

import (
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/shopspring/decimal"
)

// BuyingPowerRule rejects orders that would raise an account's exposure above its buying power.
// The exposure of a security is the larger of its bid side and its ask side, each counting the
// notional of open orders plus the cost of the position held on that side.
type BuyingPowerRule struct {
	currency    string
	buyingPower decimal.Decimal
	queue       reportQueue

	mu         sync.Mutex
	orders     map[model.OrderID]*buyingPowerOrder
	securities map[model.Security]*exposure
}

type buyingPowerOrder struct {
	fields    model.OrderFields
	price     decimal.Decimal
	remaining decimal.Decimal
}

type exposure struct {
	bids decimal.Decimal
	asks decimal.Decimal
	cost decimal.Decimal
}

func (e *exposure) usage() decimal.Decimal {
	bid := e.bids.Add(decimal.Max(e.cost, decimal.Zero))
	ask := e.asks.Add(decimal.Max(e.cost.Neg(), decimal.Zero))
	return decimal.Max(bid, ask)
}

// NewBuyingPowerRule creates a BuyingPowerRule limiting exposure in currency.
func NewBuyingPowerRule(currency string, buyingPower decimal.Decimal) *BuyingPowerRule {
	return &BuyingPowerRule{
		currency:    currency,
		buyingPower: buyingPower,
		orders:      make(map[model.OrderID]*buyingPowerOrder),
		securities:  make(map[model.Security]*exposure),
	}
}

func (r *BuyingPowerRule) Submit(o *order.PrimitiveOrder) error {
	fields := o.Info().Fields
	if r.currency != "" && fields.Currency != "" && fields.Currency != r.currency {
		return NewCheckError("Currency not recognized.")
	}
	price := fields.Price
	if !price.IsPositive() {
		return NewCheckError("No price available for order.")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process()
	if _, ok := r.orders[o.ID()]; ok {
		return nil
	}
	current := r.total()
	e := r.exposureOf(fields.Security)
	before := e.usage()
	notional := price.Mul(fields.Quantity)
	after := *e
	if fields.Side == model.SideAsk {
		after.asks = after.asks.Add(notional)
	} else {
		after.bids = after.bids.Add(notional)
	}
	if current.Sub(before).Add(after.usage()).GreaterThan(r.buyingPower) {
		return NewCheckError("Order exceeds available buying power.")
	}
	r.track(o)
	return nil
}

func (r *BuyingPowerRule) Cancel(*order.PrimitiveOrder) error {
	return nil
}

func (r *BuyingPowerRule) Add(o *order.PrimitiveOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID()]; ok {
		return
	}
	r.track(o)
}

// Usage returns the exposure currently counted against the buying power.
func (r *BuyingPowerRule) Usage() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process()
	return r.total()
}

func (r *BuyingPowerRule) total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.securities {
		total = total.Add(e.usage())
	}
	return total
}

func (r *BuyingPowerRule) exposureOf(security model.Security) *exposure {
	e, ok := r.securities[security]
	if !ok {
		e = &exposure{}
		r.securities[security] = e
	}
	return e
}

func (r *BuyingPowerRule) track(o *order.PrimitiveOrder) {
	fields := o.Info().Fields
	tracked := &buyingPowerOrder{fields: fields, price: fields.Price, remaining: fields.Quantity}
	r.orders[o.ID()] = tracked
	r.adjustOpen(tracked, tracked.price.Mul(tracked.remaining))
	o.MonitorFrom(0, r.queue.push)
}

func (r *BuyingPowerRule) adjustOpen(o *buyingPowerOrder, delta decimal.Decimal) {
	e := r.exposureOf(o.fields.Security)
	if o.fields.Side == model.SideAsk {
		e.asks = e.asks.Add(delta)
	} else {
		e.bids = e.bids.Add(delta)
	}
}

func (r *BuyingPowerRule) process() {
	for _, report := range r.queue.drain() {
		o, ok := r.orders[report.ID]
		if !ok || o.remaining.IsZero() && !model.IsTerminal(report.Status) {
			continue
		}
		if report.LastQuantity.IsPositive() {
			quantity := decimal.Min(report.LastQuantity, o.remaining)
			r.adjustOpen(o, o.price.Mul(quantity).Neg())
			o.remaining = o.remaining.Sub(quantity)
			e := r.exposureOf(o.fields.Security)
			e.cost = e.cost.Add(report.LastQuantity.Mul(report.LastPrice).Mul(decimal.NewFromInt(o.fields.Side.Direction())))
		}
		if model.IsTerminal(report.Status) {
			r.adjustOpen(o, o.price.Mul(o.remaining).Neg())
			o.remaining = decimal.Zero
		}
	}
}
