package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/trading/driver"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCheckDriver(t *testing.T, f *complianceFixture) (*CheckDriver, *driver.MockDriver) {
	t.Helper()
	inner := driver.NewMockDriver()
	d := NewCheckDriver(inner, f.ruleSet, clock.NewIncremental(testTime, 0), zap.NewNop())
	t.Cleanup(func() { d.Close() })
	return d, inner
}

func TestCheckDriverRejectsWithoutSubmitting(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	f.addRule(t, f.trader, StateActive, maxQuantitySchema(500))

	o, err := d.Submit(context.Background(), testOrder(1, f.trader, model.SideBid, 1000, 1).Info())
	require.NoError(t, err)
	reports := o.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, model.OrderStatusPendingNew, reports[0].Status)
	assert.Equal(t, model.OrderStatusRejected, reports[1].Status)
	assert.Equal(t, "Order quantity exceeds maximum.", reports[1].Text)
	assert.Equal(t, 0, inner.SubmitCount())
}

func TestCheckDriverPassiveRuleSubmits(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	f.addRule(t, f.trader, StatePassive, maxQuantitySchema(500))

	o, err := d.Submit(context.Background(), testOrder(1, f.trader, model.SideBid, 1000, 1).Info())
	require.NoError(t, err)
	assert.Equal(t, 1, inner.SubmitCount())
	assert.Equal(t, model.OrderStatusPendingNew, o.Status())

	violations, err := f.service.LoadViolations(context.Background(), f.trader, 0)
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestCheckDriverForwardsReports(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)

	o, err := d.Submit(context.Background(), testOrder(7, f.trader, model.SideBid, 100, 1).Info())
	require.NoError(t, err)
	require.NoError(t, inner.SetStatus(7, model.OrderStatusNew))
	require.NoError(t, inner.Fill(7, model.OrderStatusFilled, decimal.NewFromInt(100), decimal.NewFromInt(1)))
	d.Flush()

	reports := o.Reports()
	require.Len(t, reports, 3)
	for i, report := range reports {
		assert.Equal(t, i, report.Sequence)
		assert.Equal(t, model.OrderID(7), report.ID)
	}
	assert.Equal(t, model.OrderStatusFilled, o.Status())
	assert.True(t, reports[2].LastQuantity.Equal(decimal.NewFromInt(100)))
}

func TestCheckDriverRejectsCancel(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	ctx := context.Background()
	sess := session.New(f.trader)

	o, err := d.Submit(ctx, testOrder(1, f.trader, model.SideBid, 100, 1).Info())
	require.NoError(t, err)
	require.NoError(t, inner.SetStatus(1, model.OrderStatusNew))
	d.Flush()

	f.addRule(t, f.trader, StateActive, Schema{Name: RejectCancelsSchema})
	f.ruleSet.Flush()
	require.NoError(t, d.Cancel(ctx, sess, 1))
	assert.Empty(t, inner.Canceled())
	reports := o.Reports()
	require.Len(t, reports, 4)
	assert.Equal(t, model.OrderStatusPendingCancel, reports[2].Status)
	assert.Equal(t, model.OrderStatusCancelReject, reports[3].Status)
	assert.Equal(t, model.OrderStatusNew, o.Status())
}

func TestCheckDriverForwardsUnknownCancel(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	require.NoError(t, d.Cancel(context.Background(), session.New(f.trader), 42))
	assert.Equal(t, []model.OrderID{42}, inner.Canceled())
}

func TestCheckDriverRecoverAddsToRuleSet(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	ctx := context.Background()
	f.addRule(t, f.trader, StateActive, Schema{Name: BuyingPowerSchema, Parameters: []Parameter{
		{Name: "currency", Value: TextValue("USD")},
		{Name: "buying_power", Value: DecimalValue(decimal.NewFromInt(1000))},
	}})
	recovered := testOrder(1, f.trader, model.SideBid, 150, 5)
	record := model.SequencedAccountOrderRecord{
		Value:    model.AccountOrderRecord{Value: recovered.Record(), Index: f.trader},
		Sequence: 1,
	}
	_, err := d.Recover(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, []model.OrderID{1}, inner.Recovered())

	o, err := d.Submit(ctx, testOrder(2, f.trader, model.SideBid, 100, 5).Info())
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, o.Status())
}

func TestCheckDriverAppliesAccountsIndependently(t *testing.T) {
	f := newComplianceFixture(t)
	d, inner := newCheckDriver(t, f)
	other := f.directory.CreateAccount("trader2")

	blocked, err := d.Submit(context.Background(), testOrder(1, f.trader, model.SideBid, 100, 1).Info())
	require.NoError(t, err)
	free, err := d.Submit(context.Background(), testOrder(2, other, model.SideBid, 100, 1).Info())
	require.NoError(t, err)

	release := make(chan struct{})
	blocked.MonitorFrom(1, func(report model.ExecutionReport) {
		if report.Status == model.OrderStatusNew {
			<-release
		}
	})
	require.NoError(t, inner.SetStatus(1, model.OrderStatusNew))
	require.NoError(t, inner.SetStatus(2, model.OrderStatusNew))
	assert.Eventually(t, func() bool { return free.Status() == model.OrderStatusNew },
		time.Second, time.Millisecond, "a stalled account does not delay others")

	close(release)
	d.Flush()
	assert.Equal(t, model.OrderStatusNew, blocked.Status())
	assert.Len(t, d.allQueues(), 2)
}
