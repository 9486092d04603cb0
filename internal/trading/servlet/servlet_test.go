package servlet

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/administration"
	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/definitions"
	"github.com/Aidin1998/pincex_execution/internal/trading/driver"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/Aidin1998/pincex_execution/internal/trading/repository"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/Aidin1998/pincex_execution/internal/trading/uid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testTime = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

var testMarkets = []definitions.Market{{Code: "XNAS", Currency: "USD", Destination: "NASDAQ"}}

type testClient struct {
	session *session.Session

	mu       sync.Mutex
	messages []protocol.Envelope
}

func (c *testClient) Session() *session.Session { return c.session }

func (c *testClient) Send(envelope protocol.Envelope) error {
	c.mu.Lock()
	c.messages = append(c.messages, envelope)
	c.mu.Unlock()
	return nil
}

func (c *testClient) received(t protocol.MessageType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matching []protocol.Envelope
	for _, m := range c.messages {
		if m.Type == t {
			matching = append(matching, m)
		}
	}
	return matching
}

func (c *testClient) response(tb testing.TB, requestID uint64) protocol.Envelope {
	tb.Helper()
	for _, m := range c.received(protocol.MessageResponse) {
		if m.RequestID == requestID {
			return m
		}
	}
	require.FailNow(tb, "no response", "request %d", requestID)
	return protocol.Envelope{}
}

type servletFixture struct {
	directory *administration.Directory
	driver    *driver.MockDriver
	store     *repository.InMemoryRepository
	dataStore repository.DataStore
	servlet   *Servlet
	group     model.DirectoryEntry
	trader    model.DirectoryEntry
	manager   model.DirectoryEntry
	outsider  model.DirectoryEntry
	admin     model.DirectoryEntry
	requests  atomic.Uint64
}

func newServletFixture(t *testing.T) *servletFixture {
	t.Helper()
	f := &servletFixture{
		directory: administration.NewDirectory(),
		driver:    driver.NewMockDriver(),
		store:     repository.NewInMemoryRepository(),
	}
	f.group = f.directory.CreateTradingGroup("desk")
	f.trader = f.directory.CreateAccount("trader1")
	f.manager = f.directory.CreateAccount("manager1")
	f.outsider = f.directory.CreateAccount("outsider")
	f.admin = f.directory.CreateAccount("admin")
	require.NoError(t, f.directory.AddTrader(f.group, f.trader))
	require.NoError(t, f.directory.AddManager(f.group, f.manager))
	f.directory.SetAdministrator(f.admin, true)
	return f
}

func (f *servletFixture) open(t *testing.T, d driver.Driver) *Servlet {
	t.Helper()
	var store repository.DataStore = f.store
	if f.dataStore != nil {
		store = f.dataStore
	}
	f.servlet = New(Dependencies{
		Locator:        f.directory,
		Administration: f.directory,
		UIDs:           uid.NewLocalClient(1),
		Driver:         d,
		Store:          store,
		Clock:          clock.NewIncremental(testTime, time.Millisecond),
		Markets:        definitions.NewMarketDatabase(testMarkets),
		Destinations:   definitions.NewDestinationDatabase(testMarkets),
	}, zap.NewNop())
	require.NoError(t, f.servlet.Open(context.Background()))
	t.Cleanup(func() { f.servlet.Close() })
	return f.servlet
}

func (f *servletFixture) connect(t *testing.T, account model.DirectoryEntry) *testClient {
	t.Helper()
	client := &testClient{session: session.New(account)}
	require.NoError(t, f.servlet.HandleClientAccepted(context.Background(), client))
	return client
}

func (f *servletFixture) request(t *testing.T, client *testClient, mt protocol.MessageType, payload any) protocol.Envelope {
	t.Helper()
	id := f.requests.Add(1)
	envelope, err := protocol.NewRequest(mt, id, payload)
	require.NoError(t, err)
	f.servlet.HandleMessage(context.Background(), client, envelope)
	return client.response(t, id)
}

func (f *servletFixture) submit(t *testing.T, client *testClient, fields model.OrderFields) model.SequencedOrderInfo {
	t.Helper()
	response := f.request(t, client, protocol.MessageNewOrderSingle, protocol.NewOrderSingleRequest{Fields: fields})
	require.Empty(t, response.Error)
	var info model.SequencedOrderInfo
	require.NoError(t, response.Decode(&info))
	return info
}

func limitBid(account model.DirectoryEntry, quantity int64) model.OrderFields {
	return model.OrderFields{
		Account:  account,
		Security: model.Security{Symbol: "TST", Market: "XNAS"},
		Type:     model.OrderTypeLimit,
		Side:     model.SideBid,
		Quantity: decimal.NewFromInt(quantity),
		Price:    decimal.NewFromInt(1),
	}
}

func (f *servletFixture) storedReports(t *testing.T, id model.OrderID) []model.ExecutionReport {
	t.Helper()
	f.servlet.Flush()
	record, err := f.store.LoadOrder(context.Background(), id)
	require.NoError(t, err)
	return record.Value.Value.ExecutionReports
}

func TestSubmitOrder(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)

	info := f.submit(t, client, limitBid(f.trader, 1000))
	assert.Equal(t, model.Sequence(1), info.Sequence)
	assert.Equal(t, "USD", info.Value.Fields.Currency)
	assert.Equal(t, "NASDAQ", info.Value.Fields.Destination)
	assert.Equal(t, f.trader, info.Value.SubmissionAccount)
	assert.False(t, info.Value.ShortingFlag)
	assert.Equal(t, 1, f.driver.SubmitCount())

	reports := f.storedReports(t, info.Value.ID)
	require.Len(t, reports, 1)
	assert.Equal(t, model.OrderStatusPendingNew, reports[0].Status)
}

func TestSubmitDefaultsAccountToSession(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)
	fields := limitBid(model.DirectoryEntry{}, 10)
	info := f.submit(t, client, fields)
	assert.Equal(t, f.trader, info.Value.Fields.Account)
}

func TestPreDriverRejections(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)

	unknownMarket := limitBid(f.trader, 10)
	unknownMarket.Security.Market = "XXXX"
	noSymbol := limitBid(f.trader, 10)
	noSymbol.Security.Symbol = ""

	cases := []struct {
		fields model.OrderFields
		reason string
	}{
		{limitBid(f.outsider, 10), ReasonInsufficientPermissions},
		{unknownMarket, ReasonUnspecifiedMarket},
		{noSymbol, ReasonUnspecifiedSymbol},
	}
	for _, c := range cases {
		info := f.submit(t, client, c.fields)
		reports := f.storedReports(t, info.Value.ID)
		require.Len(t, reports, 2)
		assert.Equal(t, model.OrderStatusPendingNew, reports[0].Status)
		assert.Equal(t, model.OrderStatusRejected, reports[1].Status)
		assert.Equal(t, c.reason, reports[1].Text)
	}
	assert.Zero(t, f.driver.SubmitCount())
}

func TestExecutionReportsShareAccountSequence(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	trader := f.connect(t, f.trader)
	observer := f.connect(t, f.trader)
	f.request(t, observer, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: 1, Query: model.NewRealTimeQuery(f.trader)})
	f.request(t, observer, protocol.MessageQueryExecutionReports, protocol.QueryRequest{
		QueryID: 2, Query: model.NewRealTimeQuery(f.trader)})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				info := f.submit(t, trader, limitBid(f.trader, 100))
				id := info.Value.ID
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusPendingCancel))
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusCanceled))
			}
		}()
	}
	wg.Wait()
	f.servlet.Flush()

	var sequences []model.Sequence
	observer.mu.Lock()
	messages := append([]protocol.Envelope(nil), observer.messages...)
	observer.mu.Unlock()
	for _, m := range messages {
		switch m.Type {
		case protocol.MessageOrderSubmission:
			var message protocol.OrderSubmissionMessage
			require.NoError(t, json.Unmarshal(m.Payload, &message))
			sequences = append(sequences, message.Value.Sequence)
		case protocol.MessageExecutionReport:
			var message protocol.ExecutionReportMessage
			require.NoError(t, json.Unmarshal(m.Payload, &message))
			assert.Equal(t, uint64(2), message.QueryID)
			sequences = append(sequences, message.Value.Sequence)
		}
	}
	require.Len(t, sequences, 10*5)
	for i := 1; i < len(sequences); i++ {
		assert.Greater(t, sequences[i], sequences[i-1])
	}
	assert.Empty(t, trader.received(protocol.MessageOrderSubmission),
		"the submitter learns about its orders from the response")
}

func TestTerminalOrderKeepsItsReports(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)
	id := f.submit(t, client, limitBid(f.trader, 100)).Value.ID
	require.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
	require.NoError(t, f.driver.Fill(id, model.OrderStatusFilled, decimal.NewFromInt(100), decimal.NewFromInt(1)))
	assert.Error(t, f.driver.SetStatus(id, model.OrderStatusCanceled))

	reports := f.storedReports(t, id)
	require.Len(t, reports, 3)
	assert.Equal(t, model.OrderStatusFilled, reports[2].Status)
	assert.False(t, f.servlet.isLive(id))
}

func storeOrder(t *testing.T, store repository.DataStore, account model.DirectoryEntry, id model.OrderID,
	sequence model.Sequence, statuses ...model.OrderStatus) model.Sequence {
	t.Helper()
	ctx := context.Background()
	info := model.OrderInfo{Fields: limitBid(account, 100), SubmissionAccount: account, ID: id, Timestamp: testTime}
	require.NoError(t, store.StoreOrderInfo(ctx, model.Sequenced(model.Indexed(info, account), sequence)))
	report := model.MakeInitialReport(id, testTime)
	for i, status := range statuses {
		if i > 0 {
			report = model.MakeUpdatedReport(report, status, testTime)
		}
		sequence++
		require.NoError(t, store.StoreExecutionReport(ctx, model.Sequenced(model.Indexed(report, account), sequence)))
	}
	return sequence
}

func TestRecovery(t *testing.T) {
	f := newServletFixture(t)
	last := storeOrder(t, f.store, f.trader, 1, 1, model.OrderStatusPendingNew, model.OrderStatusNew)
	last = storeOrder(t, f.store, f.trader, 2, last+1, model.OrderStatusPendingNew, model.OrderStatusFilled)
	last = storeOrder(t, f.store, f.trader, 3, last+1, model.OrderStatusPendingNew, model.OrderStatusNew)
	f.driver.RecoverErr = func(record model.SequencedAccountOrderRecord) error {
		if record.Value.Value.Info.ID == 3 {
			return driver.ErrOrderNotFound
		}
		return nil
	}
	f.open(t, f.driver)
	assert.Equal(t, []model.OrderID{1}, f.driver.Recovered())

	require.NoError(t, f.driver.Fill(1, model.OrderStatusFilled, decimal.NewFromInt(100), decimal.NewFromInt(1)))
	reports := f.storedReports(t, 1)
	require.Len(t, reports, 3)
	assert.Equal(t, model.OrderStatusFilled, reports[2].Status)

	stored, err := f.store.LoadExecutionReports(context.Background(), model.AccountQuery{
		Index: f.trader, Range: model.TotalRange(), SnapshotLimit: model.UnlimitedSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, last+1, stored[len(stored)-1].Sequence)

	client := f.connect(t, f.trader)
	info := f.submit(t, client, limitBid(f.trader, 1))
	assert.Greater(t, info.Value.ID, model.OrderID(3), "recovered ids are not issued again")
}

func TestQueryOrderSubmissionsIncludesReports(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	trader := f.connect(t, f.trader)
	id := f.submit(t, trader, limitBid(f.trader, 100)).Value.ID
	require.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
	f.servlet.Flush()

	manager := f.connect(t, f.manager)
	response := f.request(t, manager, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: 7,
		Query:   model.AccountQuery{Index: f.trader, Range: model.TotalRange(), SnapshotLimit: model.UnlimitedSnapshot()},
	})
	var result protocol.OrderSubmissionQueryResult
	require.NoError(t, response.Decode(&result))
	assert.Equal(t, uint64(7), result.QueryID)
	require.Len(t, result.Snapshot, 1)
	require.Len(t, result.Snapshot[0].Value.ExecutionReports, 2)

	require.NoError(t, f.driver.SetStatus(id, model.OrderStatusPendingCancel))
	f.servlet.Flush()
	updates := manager.received(protocol.MessageOrderUpdate)
	require.Len(t, updates, 1)
	var update protocol.OrderUpdateMessage
	require.NoError(t, updates[0].Decode(&update))
	assert.Equal(t, model.OrderStatusPendingCancel, update.Report.Status)
	assert.Equal(t, 2, update.Report.Sequence)

	f.request(t, manager, protocol.MessageEndQuery, protocol.EndQueryRequest{QueryID: 7})
	assert.Zero(t, f.servlet.submissions.Count())
	assert.Zero(t, f.servlet.orderUpdates.Count())
}

// racingStore runs onLoad during the next LoadOrderSubmissions, before or after the snapshot is read.
type racingStore struct {
	*repository.InMemoryRepository
	afterLoad bool
	onLoad    func()
}

func (s *racingStore) LoadOrderSubmissions(ctx context.Context, query model.AccountQuery) ([]model.SequencedOrderRecord, error) {
	if s.onLoad == nil {
		return s.InMemoryRepository.LoadOrderSubmissions(ctx, query)
	}
	onLoad := s.onLoad
	s.onLoad = nil
	if !s.afterLoad {
		onLoad()
		return s.InMemoryRepository.LoadOrderSubmissions(ctx, query)
	}
	records, err := s.InMemoryRepository.LoadOrderSubmissions(ctx, query)
	onLoad()
	return records, err
}

func TestReportPublishedDuringSnapshotIsDeliveredOnce(t *testing.T) {
	for _, afterLoad := range []bool{false, true} {
		name := "before read"
		if afterLoad {
			name = "after read"
		}
		t.Run(name, func(t *testing.T) {
			f := newServletFixture(t)
			store := &racingStore{InMemoryRepository: f.store, afterLoad: afterLoad}
			f.dataStore = store
			f.open(t, f.driver)
			trader := f.connect(t, f.trader)
			id := f.submit(t, trader, limitBid(f.trader, 100)).Value.ID
			f.servlet.Flush()

			store.onLoad = func() {
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
				f.servlet.Flush()
			}
			observer := f.connect(t, f.trader)
			response := f.request(t, observer, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
				QueryID: 3,
				Query:   model.AccountQuery{Index: f.trader, Range: model.TotalRange(), SnapshotLimit: model.UnlimitedSnapshot()},
			})
			var result protocol.OrderSubmissionQueryResult
			require.NoError(t, response.Decode(&result))
			require.Len(t, result.Snapshot, 1)
			reports := result.Snapshot[0].Value.ExecutionReports
			require.Len(t, reports, 2)
			assert.Equal(t, model.OrderStatusPendingNew, reports[0].Status)
			assert.Equal(t, model.OrderStatusNew, reports[1].Status)
			f.servlet.Flush()
			assert.Empty(t, observer.received(protocol.MessageOrderUpdate))

			require.NoError(t, f.driver.SetStatus(id, model.OrderStatusPendingCancel))
			f.servlet.Flush()
			updates := observer.received(protocol.MessageOrderUpdate)
			require.Len(t, updates, 1)
			var update protocol.OrderUpdateMessage
			require.NoError(t, updates[0].Decode(&update))
			assert.Equal(t, model.OrderStatusPendingCancel, update.Report.Status)
		})
	}
}

func TestConcurrentCancelAndResubmit(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	observer := f.connect(t, f.trader)
	f.request(t, observer, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: 1, Query: model.NewRealTimeQuery(f.trader)})
	f.request(t, observer, protocol.MessageQueryExecutionReports, protocol.QueryRequest{
		QueryID: 2, Query: model.NewRealTimeQuery(f.trader)})

	const workers, rounds = 3, 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trader := f.connect(t, f.trader)
			info := f.submit(t, trader, limitBid(f.trader, 100))
			for j := 0; j < rounds; j++ {
				id := info.Value.ID
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
				cancel, err := protocol.NewMessage(protocol.MessageCancelOrder, protocol.CancelOrderRequest{OrderID: id})
				assert.NoError(t, err)
				f.servlet.HandleMessage(context.Background(), trader, cancel)
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusPendingCancel))
				assert.NoError(t, f.driver.SetStatus(id, model.OrderStatusCanceled))
				next := f.submit(t, trader, limitBid(f.trader, 100))
				assert.Greater(t, next.Sequence, info.Sequence)
				info = next
			}
		}()
	}
	wg.Wait()
	f.servlet.Flush()
	assert.Len(t, f.driver.Canceled(), workers*rounds)

	observer.mu.Lock()
	messages := append([]protocol.Envelope(nil), observer.messages...)
	observer.mu.Unlock()
	var sequences []model.Sequence
	for _, m := range messages {
		switch m.Type {
		case protocol.MessageOrderSubmission:
			var message protocol.OrderSubmissionMessage
			require.NoError(t, json.Unmarshal(m.Payload, &message))
			sequences = append(sequences, message.Value.Sequence)
		case protocol.MessageExecutionReport:
			var message protocol.ExecutionReportMessage
			require.NoError(t, json.Unmarshal(m.Payload, &message))
			sequences = append(sequences, message.Value.Sequence)
		}
	}
	// Each order has four reports; the last resubmission of a worker stays pending.
	require.Len(t, sequences, workers*(rounds+1)+workers*(rounds*4+1))
	for i := 1; i < len(sequences); i++ {
		assert.Greater(t, sequences[i], sequences[i-1])
	}
}

func TestSpliceReports(t *testing.T) {
	records := []model.SequencedOrderRecord{
		model.Sequenced(model.OrderRecord{
			Info:             model.OrderInfo{ID: 1},
			ExecutionReports: []model.ExecutionReport{{ID: 1, Sequence: 0}, {ID: 1, Sequence: 2}},
		}, 1),
		model.Sequenced(model.OrderRecord{Info: model.OrderInfo{ID: 2}}, 3),
	}
	reports := []model.SequencedExecutionReport{
		model.Sequenced(model.ExecutionReport{ID: 1, Sequence: 1}, 4),
		model.Sequenced(model.ExecutionReport{ID: 1, Sequence: 2}, 5),
		model.Sequenced(model.ExecutionReport{ID: 2, Sequence: 0}, 6),
		model.Sequenced(model.ExecutionReport{ID: 9, Sequence: 0}, 7),
	}
	spliced := spliceReports(records, reports)
	require.Len(t, spliced[0].Value.ExecutionReports, 3)
	for i, report := range spliced[0].Value.ExecutionReports {
		assert.Equal(t, i, report.Sequence)
	}
	assert.Len(t, spliced[1].Value.ExecutionReports, 1)
}

func TestQueryExecutionReportsHistorical(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	trader := f.connect(t, f.trader)
	id := f.submit(t, trader, limitBid(f.trader, 100)).Value.ID
	require.NoError(t, f.driver.SetStatus(id, model.OrderStatusNew))
	f.servlet.Flush()

	response := f.request(t, trader, protocol.MessageQueryExecutionReports, protocol.QueryRequest{
		QueryID: 3,
		Query:   model.AccountQuery{Range: model.HistoricalRange(), SnapshotLimit: model.UnlimitedSnapshot()},
	})
	var result protocol.ExecutionReportQueryResult
	require.NoError(t, response.Decode(&result))
	require.Len(t, result.Snapshot, 2)
	assert.Equal(t, model.Sequence(2), result.Snapshot[0].Sequence)
	assert.Equal(t, model.Sequence(3), result.Snapshot[1].Sequence)
	assert.Zero(t, f.servlet.reports.Count(), "historical queries end with their snapshot")
}

func TestPermissions(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	manager := f.connect(t, f.manager)
	assert.True(t, manager.session.HasOrderExecutionPermission(f.trader))
	assert.False(t, manager.session.IsAdministrator())

	id := f.submit(t, manager, limitBid(f.trader, 100)).Value.ID
	assert.Equal(t, 1, f.driver.SubmitCount())

	outsider := f.connect(t, f.outsider)
	response := f.request(t, outsider, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: 1,
		Query:   model.AccountQuery{Index: f.trader, Range: model.TotalRange(), SnapshotLimit: model.UnlimitedSnapshot()},
	})
	var result protocol.OrderSubmissionQueryResult
	require.NoError(t, response.Decode(&result))
	assert.Empty(t, result.Snapshot)

	response = f.request(t, outsider, protocol.MessageLoadOrder, protocol.LoadOrderRequest{OrderID: id})
	var loaded protocol.LoadOrderResponse
	require.NoError(t, response.Decode(&loaded))
	assert.Nil(t, loaded.Record)

	response = f.request(t, manager, protocol.MessageLoadOrder, protocol.LoadOrderRequest{OrderID: id})
	require.NoError(t, response.Decode(&loaded))
	require.NotNil(t, loaded.Record)
	assert.Equal(t, f.trader, loaded.Record.Value.Index)

	cancel, err := protocol.NewMessage(protocol.MessageCancelOrder, protocol.CancelOrderRequest{OrderID: id})
	require.NoError(t, err)
	f.servlet.HandleMessage(context.Background(), outsider, cancel)
	assert.Empty(t, f.driver.Canceled())
	f.servlet.HandleMessage(context.Background(), manager, cancel)
	assert.Equal(t, []model.OrderID{id}, f.driver.Canceled())
}

func TestUpdateOrderRequiresAdministrator(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	trader := f.connect(t, f.trader)
	id := f.submit(t, trader, limitBid(f.trader, 100)).Value.ID
	update := protocol.UpdateOrderRequest{OrderID: id, Report: model.ExecutionReport{
		Status: model.OrderStatusNew, Text: "<b>accepted</b>"}}

	response := f.request(t, trader, protocol.MessageUpdateOrder, update)
	assert.Equal(t, "Insufficient permissions.", response.Error)

	admin := f.connect(t, f.admin)
	assert.True(t, admin.session.IsAdministrator())
	response = f.request(t, admin, protocol.MessageUpdateOrder, update)
	assert.Empty(t, response.Error)

	reports := f.storedReports(t, id)
	require.Len(t, reports, 2)
	assert.Equal(t, "accepted", reports[1].Text)
	assert.False(t, reports[1].Timestamp.IsZero())
}

func TestClientClosedRemovesQueries(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)
	f.request(t, client, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: 1, Query: model.NewRealTimeQuery(f.trader)})
	f.request(t, client, protocol.MessageQueryExecutionReports, protocol.QueryRequest{
		QueryID: 2, Query: model.NewRealTimeQuery(f.trader)})
	assert.Equal(t, 1, f.servlet.submissions.Count())
	assert.Equal(t, 1, f.servlet.reports.Count())

	f.servlet.HandleClientClosed(client)
	assert.Zero(t, f.servlet.submissions.Count())
	assert.Zero(t, f.servlet.orderUpdates.Count())
	assert.Zero(t, f.servlet.reports.Count())
}

func TestUnknownMessageAndClose(t *testing.T) {
	f := newServletFixture(t)
	f.open(t, f.driver)
	client := f.connect(t, f.trader)
	response := f.request(t, client, protocol.MessageType("bogus"), struct{}{})
	assert.Contains(t, response.Error, ErrUnknownMessage.Error())

	require.NoError(t, f.servlet.Close())
	assert.True(t, f.driver.IsClosed())
	response = f.request(t, client, protocol.MessageNewOrderSingle, protocol.NewOrderSingleRequest{Fields: limitBid(f.trader, 1)})
	assert.Equal(t, ErrClosed.Error(), response.Error)
}
