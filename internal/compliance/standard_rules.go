package compliance

import (
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/shopspring/decimal"
)

// MaxOrderQuantityRule rejects orders above a quantity.
type MaxOrderQuantityRule struct {
	NopRule
	Quantity decimal.Decimal
}

func (r *MaxOrderQuantityRule) Submit(o *order.PrimitiveOrder) error {
	if o.Info().Fields.Quantity.GreaterThan(r.Quantity) {
		return NewCheckError("Order quantity exceeds maximum.")
	}
	return nil
}

// RejectSubmissionsRule rejects every submission.
type RejectSubmissionsRule struct {
	NopRule
	Reason string
}

func (r *RejectSubmissionsRule) Submit(*order.PrimitiveOrder) error {
	return NewCheckError(r.Reason)
}

// RejectCancelsRule rejects every cancel request.
type RejectCancelsRule struct {
	NopRule
	Reason string
}

func (r *RejectCancelsRule) Cancel(*order.PrimitiveOrder) error {
	return NewCheckError(r.Reason)
}
