package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentRequest struct {
	Type    protocol.MessageType
	Payload any
}

// fakeConn answers requests through respond and records everything sent.
type fakeConn struct {
	mu      sync.Mutex
	respond func(t protocol.MessageType, payload any) (any, error)
	sent    []sentRequest
	closed  bool
}

func (f *fakeConn) Request(ctx context.Context, t protocol.MessageType, payload, result any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentRequest{Type: t, Payload: payload})
	respond := f.respond
	f.mu.Unlock()
	response, err := respond(t, payload)
	if err != nil {
		return err
	}
	if result == nil || response == nil {
		return nil
	}
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (f *fakeConn) Send(ctx context.Context, t protocol.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{Type: t, Payload: payload})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setRespond(respond func(t protocol.MessageType, payload any) (any, error)) {
	f.mu.Lock()
	f.respond = respond
	f.mu.Unlock()
}

func (f *fakeConn) count(t protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, request := range f.sent {
		if request.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeConn) requests(t protocol.MessageType) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payloads []any
	for _, request := range f.sent {
		if request.Type == t {
			payloads = append(payloads, request.Payload)
		}
	}
	return payloads
}

var (
	testTime    = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	testAccount = model.DirectoryEntry{Type: model.DirectoryEntryTypeAccount, ID: 7, Name: "trader1"}
)

func testInfo(id model.OrderID) model.OrderInfo {
	return model.OrderInfo{
		Fields: model.OrderFields{
			Account:     testAccount,
			Security:    model.Security{Symbol: "TST", Market: "XNAS"},
			Currency:    "USD",
			Type:        model.OrderTypeLimit,
			Side:        model.SideBid,
			Destination: "NASDAQ",
			Quantity:    decimal.NewFromInt(100),
			Price:       decimal.NewFromInt(1),
			TimeInForce: model.TimeInForce{Type: model.TimeInForceDay},
		},
		SubmissionAccount: testAccount,
		ID:                id,
		Timestamp:         testTime,
	}
}

func reportsOf(id model.OrderID, statuses ...model.OrderStatus) []model.ExecutionReport {
	reports := []model.ExecutionReport{model.MakeInitialReport(id, testTime)}
	for _, status := range statuses {
		last := reports[len(reports)-1]
		reports = append(reports, model.MakeUpdatedReport(last, status, last.Timestamp.Add(time.Second)))
	}
	return reports
}

// submittingConn accepts every order as id and answers queries with snapshot.
func submittingConn(id model.OrderID) *fakeConn {
	conn := &fakeConn{}
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		switch t {
		case protocol.MessageNewOrderSingle:
			return model.Sequenced(testInfo(id), model.Sequence(1)), nil
		case protocol.MessageQueryOrderSubmissions:
			return protocol.OrderSubmissionQueryResult{QueryID: payload.(protocol.QueryRequest).QueryID}, nil
		}
		return nil, nil
	})
	return conn
}

func pushUpdate(t *testing.T, c *Client, report model.ExecutionReport) {
	t.Helper()
	envelope, err := protocol.NewMessage(protocol.MessageOrderUpdate, protocol.OrderUpdateMessage{Report: report})
	require.NoError(t, err)
	c.OnMessage(envelope)
}

func statuses(o *order.PrimitiveOrder) []model.OrderStatus {
	var result []model.OrderStatus
	for _, report := range o.Reports() {
		result = append(result, report.Status)
	}
	return result
}

func TestSubmitSubscribesToAccountOnce(t *testing.T) {
	conn := submittingConn(1)
	c := New(conn, zap.NewNop())
	var monitored []*order.PrimitiveOrder
	c.MonitorSubmissions(func(o *order.PrimitiveOrder) { monitored = append(monitored, o) })

	o, err := c.Submit(context.Background(), testInfo(1).Fields)
	require.NoError(t, err)
	assert.Equal(t, model.OrderID(1), o.ID())
	assert.Equal(t, model.OrderStatusPendingNew, o.Status())
	_, err = c.Submit(context.Background(), testInfo(1).Fields)
	require.NoError(t, err)

	assert.Equal(t, 1, conn.count(protocol.MessageQueryOrderSubmissions))
	query := conn.requests(protocol.MessageQueryOrderSubmissions)[0].(protocol.QueryRequest).Query
	assert.Equal(t, testAccount, query.Index)
	assert.Equal(t, model.RealTimeRange(), query.Range)
	assert.Equal(t, 2, conn.count(protocol.MessageNewOrderSingle))
	require.Len(t, monitored, 2)
	assert.Same(t, o, monitored[0])
}

func TestSubmitFailsWithoutSubscription(t *testing.T) {
	conn := &fakeConn{}
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		return nil, errors.New("connection lost")
	})
	c := New(conn, zap.NewNop())
	_, err := c.Submit(context.Background(), testInfo(1).Fields)
	require.Error(t, err)
	assert.Zero(t, conn.count(protocol.MessageNewOrderSingle))

	conn.setRespond(submittingConn(1).respond)
	_, err = c.Submit(context.Background(), testInfo(1).Fields)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.count(protocol.MessageQueryOrderSubmissions))
}

func TestOrderUpdatesAreReconciled(t *testing.T) {
	c := New(submittingConn(1), zap.NewNop())
	o, err := c.Submit(context.Background(), testInfo(1).Fields)
	require.NoError(t, err)
	reports := reportsOf(1, model.OrderStatusNew, model.OrderStatusPartiallyFilled, model.OrderStatusFilled)

	pushUpdate(t, c, reports[0])
	assert.Len(t, o.Reports(), 1)

	pushUpdate(t, c, reports[2])
	assert.Len(t, o.Reports(), 1)

	pushUpdate(t, c, reports[3])
	pushUpdate(t, c, reports[1])
	assert.Equal(t, []model.OrderStatus{
		model.OrderStatusPendingNew,
		model.OrderStatusNew,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
	}, statuses(o))
	assert.Equal(t, model.OrderStatusFilled, o.Status())
}

func TestReportsBeforeSubmissionResponseAreHeldBack(t *testing.T) {
	conn := submittingConn(5)
	c := New(conn, zap.NewNop())
	reports := reportsOf(5, model.OrderStatusNew)
	early, err := protocol.NewMessage(protocol.MessageOrderUpdate, protocol.OrderUpdateMessage{Report: reports[1]})
	require.NoError(t, err)
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		if t == protocol.MessageNewOrderSingle {
			c.OnMessage(early)
		}
		return submittingConn(5).respond(t, payload)
	})

	o, err := c.Submit(context.Background(), testInfo(5).Fields)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, o.Status())
	assert.Len(t, o.Reports(), 2)
}

func TestReconnectResendsAreDeduplicated(t *testing.T) {
	conn := submittingConn(3)
	c := New(conn, zap.NewNop())
	o, err := c.Submit(context.Background(), testInfo(3).Fields)
	require.NoError(t, err)
	reports := reportsOf(3, model.OrderStatusNew, model.OrderStatusPartiallyFilled)
	pushUpdate(t, c, reports[0])
	pushUpdate(t, c, reports[1])
	require.Len(t, o.Reports(), 2)

	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		request := payload.(protocol.QueryRequest)
		if len(request.Query.Filter.OrderIDs) == 0 {
			return protocol.OrderSubmissionQueryResult{QueryID: request.QueryID}, nil
		}
		return protocol.OrderSubmissionQueryResult{
			QueryID: request.QueryID,
			Snapshot: []model.SequencedOrderRecord{
				model.Sequenced(model.OrderRecord{Info: testInfo(3), ExecutionReports: reports}, model.Sequence(1)),
			},
		}, nil
	})
	require.NoError(t, c.OnConnect(context.Background()))
	pushUpdate(t, c, reports[2])

	assert.Len(t, o.Reports(), 3)
	assert.Equal(t, model.OrderStatusNew, o.Status())

	recovery := conn.requests(protocol.MessageQueryOrderSubmissions)
	require.Len(t, recovery, 3)
	assert.Equal(t, model.RealTimeRange(), recovery[1].(protocol.QueryRequest).Query.Range)
	recoveryQuery := recovery[2].(protocol.QueryRequest).Query
	assert.Equal(t, []model.OrderID{3}, recoveryQuery.Filter.OrderIDs)
	assert.Equal(t, model.HistoricalRange(), recoveryQuery.Range)
	assert.True(t, recoveryQuery.SnapshotLimit.IsUnlimited())
}

func TestQueryExecutionReportsResumesAfterLastDelivered(t *testing.T) {
	conn := &fakeConn{}
	reports := reportsOf(9, model.OrderStatusNew, model.OrderStatusCanceled)
	snapshot := []model.SequencedExecutionReport{
		model.Sequenced(reports[0], model.Sequence(4)),
		model.Sequenced(reports[1], model.Sequence(6)),
	}
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		if t != protocol.MessageQueryExecutionReports {
			return nil, nil
		}
		request := payload.(protocol.QueryRequest)
		return protocol.ExecutionReportQueryResult{QueryID: request.QueryID, Snapshot: snapshot}, nil
	})
	c := New(conn, zap.NewNop())
	var delivered []model.Sequence
	id, err := c.QueryExecutionReports(context.Background(), model.AccountQuery{
		Index:         testAccount,
		Range:         model.TotalRange(),
		SnapshotLimit: model.UnlimitedSnapshot(),
	}, func(report model.SequencedExecutionReport) {
		delivered = append(delivered, report.Sequence)
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Sequence{4, 6}, delivered)

	envelope, err := protocol.NewMessage(protocol.MessageExecutionReport, protocol.ExecutionReportMessage{
		QueryID: id,
		Value:   model.Sequenced(reports[2], model.Sequence(8)),
	})
	require.NoError(t, err)
	c.OnMessage(envelope)
	c.OnMessage(envelope)
	assert.Equal(t, []model.Sequence{4, 6, 8}, delivered)

	snapshot = append(snapshot, model.Sequenced(reports[2], model.Sequence(8)))
	require.NoError(t, c.OnConnect(context.Background()))
	assert.Equal(t, []model.Sequence{4, 6, 8}, delivered)
	queries := conn.requests(protocol.MessageQueryExecutionReports)
	require.Len(t, queries, 2)
	resumed := queries[1].(protocol.QueryRequest)
	assert.Equal(t, id, resumed.QueryID)
	assert.Equal(t, model.Sequence(9), resumed.Query.Range.Start)

	require.NoError(t, c.EndQuery(context.Background(), id))
	require.NoError(t, c.OnConnect(context.Background()))
	assert.Len(t, conn.requests(protocol.MessageQueryExecutionReports), 2)
}

func TestSubmissionQueryReceivesOwnSubmissions(t *testing.T) {
	conn := submittingConn(11)
	c := New(conn, zap.NewNop())
	var orders []SequencedOrder
	_, err := c.QueryOrderSubmissions(context.Background(), model.NewRealTimeQuery(testAccount),
		func(o SequencedOrder) { orders = append(orders, o) })
	require.NoError(t, err)

	o, err := c.Submit(context.Background(), testInfo(11).Fields)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Same(t, o, orders[0].Value)
	assert.Equal(t, model.Sequence(1), orders[0].Sequence)
}

func TestOwnSubmissionOvertakenByBroadcastIsDeliveredInOrder(t *testing.T) {
	conn := submittingConn(1)
	c := New(conn, zap.NewNop())
	var delivered []model.OrderID
	var sequences []model.Sequence
	queryID, err := c.QueryOrderSubmissions(context.Background(), model.NewRealTimeQuery(testAccount),
		func(o SequencedOrder) {
			delivered = append(delivered, o.Value.ID())
			sequences = append(sequences, o.Sequence)
		})
	require.NoError(t, err)

	broadcast, err := protocol.NewMessage(protocol.MessageOrderSubmission, protocol.OrderSubmissionMessage{
		QueryID: queryID,
		Value:   model.Sequenced(model.OrderRecord{Info: testInfo(2)}, model.Sequence(6)),
	})
	require.NoError(t, err)
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		switch t {
		case protocol.MessageNewOrderSingle:
			c.OnMessage(broadcast)
			return model.Sequenced(testInfo(1), model.Sequence(5)), nil
		case protocol.MessageQueryOrderSubmissions:
			return protocol.OrderSubmissionQueryResult{QueryID: payload.(protocol.QueryRequest).QueryID}, nil
		}
		return nil, nil
	})

	_, err = c.Submit(context.Background(), testInfo(1).Fields)
	require.NoError(t, err)
	assert.Equal(t, []model.OrderID{1, 2}, delivered)
	assert.Equal(t, []model.Sequence{5, 6}, sequences)

	c.OnMessage(broadcast)
	assert.Len(t, delivered, 2)
}

func TestFailedSubmissionReleasesQueries(t *testing.T) {
	conn := submittingConn(1)
	c := New(conn, zap.NewNop())
	var delivered []model.Sequence
	queryID, err := c.QueryOrderSubmissions(context.Background(), model.NewRealTimeQuery(testAccount),
		func(o SequencedOrder) { delivered = append(delivered, o.Sequence) })
	require.NoError(t, err)

	broadcast, err := protocol.NewMessage(protocol.MessageOrderSubmission, protocol.OrderSubmissionMessage{
		QueryID: queryID,
		Value:   model.Sequenced(model.OrderRecord{Info: testInfo(2)}, model.Sequence(3)),
	})
	require.NoError(t, err)
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		switch t {
		case protocol.MessageNewOrderSingle:
			c.OnMessage(broadcast)
			return nil, errors.New("rejected by server")
		case protocol.MessageQueryOrderSubmissions:
			return protocol.OrderSubmissionQueryResult{QueryID: payload.(protocol.QueryRequest).QueryID}, nil
		}
		return nil, nil
	})

	_, err = c.Submit(context.Background(), testInfo(1).Fields)
	require.Error(t, err)
	assert.Equal(t, []model.Sequence{3}, delivered)
}

func TestLoadOrder(t *testing.T) {
	conn := &fakeConn{}
	record := model.Sequenced(model.Indexed(model.OrderRecord{
		Info:             testInfo(2),
		ExecutionReports: reportsOf(2, model.OrderStatusNew),
	}, testAccount), model.Sequence(3))
	conn.setRespond(func(t protocol.MessageType, payload any) (any, error) {
		if payload.(protocol.LoadOrderRequest).OrderID == 2 {
			return protocol.LoadOrderResponse{Record: &record}, nil
		}
		return protocol.LoadOrderResponse{}, nil
	})
	c := New(conn, zap.NewNop())

	o, err := c.LoadOrder(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, o.Status())
	again, err := c.LoadOrder(context.Background(), 2)
	require.NoError(t, err)
	assert.Same(t, o, again)

	_, err = c.LoadOrder(context.Background(), 4)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCloseRejectsRequests(t *testing.T) {
	conn := submittingConn(1)
	c := New(conn, zap.NewNop())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, conn.closed)

	_, err := c.Submit(context.Background(), testInfo(1).Fields)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Cancel(context.Background(), 1), ErrClosed)
	assert.Zero(t, conn.count(protocol.MessageNewOrderSingle))
}
