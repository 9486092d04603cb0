package accounting

import (
	"testing"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var security = model.Security{Symbol: "TST", Market: "XNAS"}

func fields(side model.Side, quantity int64) model.OrderFields {
	return model.OrderFields{Security: security, Side: side, Quantity: decimal.NewFromInt(quantity)}
}

func fill(id model.OrderID, status model.OrderStatus, quantity int64) model.ExecutionReport {
	return model.ExecutionReport{ID: id, Status: status, LastQuantity: decimal.NewFromInt(quantity)}
}

func TestAskWithoutPositionIsShort(t *testing.T) {
	m := NewShortingModel()
	assert.False(t, m.Submit(1, fields(model.SideBid, 100)))
	assert.True(t, m.Submit(2, fields(model.SideAsk, 100)))
}

func TestAskCoveredByPositionIsNotShort(t *testing.T) {
	m := NewShortingModel()
	m.Submit(1, fields(model.SideBid, 100))
	m.Update(fill(1, model.OrderStatusFilled, 100))
	assert.True(t, decimal.NewFromInt(100).Equal(m.Position(security)))

	assert.False(t, m.Submit(2, fields(model.SideAsk, 60)))
	assert.True(t, m.Submit(3, fields(model.SideAsk, 60)), "pending asks consume the position")
	assert.True(t, decimal.NewFromInt(120).Equal(m.PendingAsks(security)))
}

func TestTerminalAskReleasesPendingQuantity(t *testing.T) {
	m := NewShortingModel()
	m.Submit(1, fields(model.SideBid, 100))
	m.Update(fill(1, model.OrderStatusFilled, 100))
	m.Submit(2, fields(model.SideAsk, 100))
	m.Update(fill(2, model.OrderStatusPartiallyFilled, 40))
	m.Update(model.ExecutionReport{ID: 2, Status: model.OrderStatusCanceled})

	assert.True(t, decimal.NewFromInt(60).Equal(m.Position(security)))
	assert.True(t, m.PendingAsks(security).IsZero())
	assert.False(t, m.Submit(3, fields(model.SideAsk, 60)))
}

func TestUnknownReportsAreIgnored(t *testing.T) {
	m := NewShortingModel()
	m.Update(fill(9, model.OrderStatusFilled, 10))
	assert.True(t, m.Position(security).IsZero())
}
