// Package client implements the execution client: it submits orders to an execution servlet over a
// Conn and keeps a local replica of every order it loads, reconciling execution reports that
// arrive late, early, twice or across reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"go.uber.org/zap"
)

var (
	// ErrOrderNotFound is returned by LoadOrder for unknown or inaccessible orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("execution client is closed")
)

// Conn carries the requests of a Client to the servlet.
type Conn interface {
	// Request sends a request and decodes its response into result.
	Request(ctx context.Context, t protocol.MessageType, payload, result any) error
	// Send sends a message that has no response.
	Send(ctx context.Context, t protocol.MessageType, payload any) error
	Close() error
}

// SequencedOrder is an order delivered by a submission query.
type SequencedOrder = model.SequencedValue[*order.PrimitiveOrder]

// Client is an execution client. Messages pushed by the servlet must be handed to OnMessage and
// every (re)connection to OnConnect.
type Client struct {
	conn        Conn
	logger      *zap.Logger
	nextQueryID atomic.Uint64

	mu                 sync.Mutex
	closed             bool
	orders             map[model.OrderID]*trackedOrder
	realTime           map[model.DirectoryEntry]*realTimeSubscription
	submissionQueries  map[uint64]*publisher[model.OrderRecord]
	reportQueries      map[uint64]*publisher[model.ExecutionReport]
	submissionMonitors []func(*order.PrimitiveOrder)
}

// trackedOrder is a local order, or the reports received for an order not loaded yet. heldBack
// holds reports ahead of the order's history ordered by sequence.
type trackedOrder struct {
	order    *order.PrimitiveOrder
	heldBack []model.ExecutionReport
}

// realTimeSubscription routes the reports of an account's orders to this client.
type realTimeSubscription struct {
	queryID uint64
	ready   chan struct{}
	err     error
}

// New creates a Client over conn.
func New(conn Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:              conn,
		logger:            logger.Named("execution_client"),
		orders:            make(map[model.OrderID]*trackedOrder),
		realTime:          make(map[model.DirectoryEntry]*realTimeSubscription),
		submissionQueries: make(map[uint64]*publisher[model.OrderRecord]),
		reportQueries:     make(map[uint64]*publisher[model.ExecutionReport]),
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Submit submits an order and returns its local replica. The first submission for an account
// subscribes to the account's order updates.
func (c *Client) Submit(ctx context.Context, fields model.OrderFields) (*order.PrimitiveOrder, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := c.ensureRealTime(ctx, fields.Account); err != nil {
		return nil, err
	}
	held := c.holdSubmissionQueries(fields.Account)
	var info model.SequencedOrderInfo
	if err := c.conn.Request(ctx, protocol.MessageNewOrderSingle,
		protocol.NewOrderSingleRequest{Fields: fields}, &info); err != nil {
		for _, p := range held {
			p.release(nil)
		}
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}
	o := c.load(model.OrderRecord{Info: info.Value})
	c.publishSubmission(model.Sequenced(model.OrderRecord{Info: info.Value}, info.Sequence), o, held)
	return o, nil
}

// holdSubmissionQueries holds the submission queries an order of account may belong to so
// pushes overtaking the submission response are delivered after it.
func (c *Client) holdSubmissionQueries(account model.DirectoryEntry) []*publisher[model.OrderRecord] {
	c.mu.Lock()
	var held []*publisher[model.OrderRecord]
	for _, p := range c.submissionQueries {
		if p.query.Index == account || p.query.Index.IsZero() {
			held = append(held, p)
		}
	}
	c.mu.Unlock()
	for _, p := range held {
		p.hold()
	}
	return held
}

func (c *Client) ensureRealTime(ctx context.Context, account model.DirectoryEntry) error {
	c.mu.Lock()
	subscription, ok := c.realTime[account]
	if !ok {
		subscription = &realTimeSubscription{queryID: c.newQueryID(), ready: make(chan struct{})}
		c.realTime[account] = subscription
	}
	c.mu.Unlock()
	if ok {
		select {
		case <-subscription.ready:
			return subscription.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	subscription.err = c.subscribeRealTime(ctx, account, subscription.queryID)
	if subscription.err != nil {
		c.mu.Lock()
		delete(c.realTime, account)
		c.mu.Unlock()
	}
	close(subscription.ready)
	return subscription.err
}

func (c *Client) subscribeRealTime(ctx context.Context, account model.DirectoryEntry, queryID uint64) error {
	var result protocol.OrderSubmissionQueryResult
	if err := c.conn.Request(ctx, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
		QueryID: queryID,
		Query:   model.NewRealTimeQuery(account),
	}, &result); err != nil {
		return fmt.Errorf("failed to subscribe to orders of %s: %w", account, err)
	}
	return nil
}

// Cancel requests the cancellation of an order. The outcome arrives as execution reports.
func (c *Client) Cancel(ctx context.Context, id model.OrderID) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Send(ctx, protocol.MessageCancelOrder, protocol.CancelOrderRequest{OrderID: id}); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", id, err)
	}
	return nil
}

// Update applies an administrative execution report to an order.
func (c *Client) Update(ctx context.Context, id model.OrderID, report model.ExecutionReport) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Request(ctx, protocol.MessageUpdateOrder,
		protocol.UpdateOrderRequest{OrderID: id, Report: report}, nil); err != nil {
		return fmt.Errorf("failed to update order %d: %w", id, err)
	}
	return nil
}

// LoadOrder loads an order by id.
func (c *Client) LoadOrder(ctx context.Context, id model.OrderID) (*order.PrimitiveOrder, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	var response protocol.LoadOrderResponse
	if err := c.conn.Request(ctx, protocol.MessageLoadOrder, protocol.LoadOrderRequest{OrderID: id}, &response); err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", id, err)
	}
	if response.Record == nil {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return c.load(response.Record.Value.Value), nil
}

// QueryOrderSubmissions delivers the orders matching query to handler, snapshot first. Continuous
// queries resume after a reconnect from the last order delivered. The returned id ends the query.
func (c *Client) QueryOrderSubmissions(ctx context.Context, query model.AccountQuery,
	handler func(SequencedOrder)) (uint64, error) {
	p := newPublisher(query, func(record model.SequencedOrderRecord) {
		handler(model.Sequenced(c.load(record.Value), record.Sequence))
	})
	id := c.newQueryID()
	if err := c.register(id, query, func() { c.submissionQueries[id] = p }); err != nil {
		return 0, err
	}
	if err := c.querySubmissions(ctx, id, p, query); err != nil {
		c.unregister(id)
		return 0, err
	}
	return id, nil
}

func (c *Client) querySubmissions(ctx context.Context, id uint64, p *publisher[model.OrderRecord], query model.AccountQuery) error {
	var result protocol.OrderSubmissionQueryResult
	if err := c.conn.Request(ctx, protocol.MessageQueryOrderSubmissions,
		protocol.QueryRequest{QueryID: id, Query: query}, &result); err != nil {
		return fmt.Errorf("failed to query order submissions: %w", err)
	}
	p.commit(result.Snapshot)
	return nil
}

// QueryExecutionReports delivers the execution reports matching query to handler, snapshot first.
// Reports of orders loaded by this client are applied to them as well.
func (c *Client) QueryExecutionReports(ctx context.Context, query model.AccountQuery,
	handler func(model.SequencedExecutionReport)) (uint64, error) {
	p := newPublisher(query, func(report model.SequencedExecutionReport) {
		c.offer(report.Value, false)
		handler(report)
	})
	id := c.newQueryID()
	if err := c.register(id, query, func() { c.reportQueries[id] = p }); err != nil {
		return 0, err
	}
	if err := c.queryReports(ctx, id, p, query); err != nil {
		c.unregister(id)
		return 0, err
	}
	return id, nil
}

func (c *Client) queryReports(ctx context.Context, id uint64, p *publisher[model.ExecutionReport], query model.AccountQuery) error {
	var result protocol.ExecutionReportQueryResult
	if err := c.conn.Request(ctx, protocol.MessageQueryExecutionReports,
		protocol.QueryRequest{QueryID: id, Query: query}, &result); err != nil {
		return fmt.Errorf("failed to query execution reports: %w", err)
	}
	p.commit(result.Snapshot)
	return nil
}

// register keeps continuous queries so their pushes are routed and they resume on reconnect.
func (c *Client) register(id uint64, query model.AccountQuery, add func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if query.Range.IsContinuous() {
		add()
	}
	return nil
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.submissionQueries, id)
	delete(c.reportQueries, id)
	c.mu.Unlock()
}

// EndQuery ends a query returned by QueryOrderSubmissions or QueryExecutionReports.
func (c *Client) EndQuery(ctx context.Context, id uint64) error {
	c.unregister(id)
	if err := c.conn.Request(ctx, protocol.MessageEndQuery, protocol.EndQueryRequest{QueryID: id}, nil); err != nil {
		return fmt.Errorf("failed to end query %d: %w", id, err)
	}
	return nil
}

// MonitorSubmissions calls handler with every order submitted through this client.
func (c *Client) MonitorSubmissions(handler func(*order.PrimitiveOrder)) {
	c.mu.Lock()
	c.submissionMonitors = append(c.submissionMonitors, handler)
	c.mu.Unlock()
}

// publishSubmission hands an order submitted through this client to the held queries it matches
// and releases them. The servlet does not echo a submission back to the client that sent it.
func (c *Client) publishSubmission(record model.SequencedOrderRecord, o *order.PrimitiveOrder,
	held []*publisher[model.OrderRecord]) {
	info := record.Value.Info
	for _, p := range held {
		index := p.query.Index
		if (index == info.Fields.Account || (index.IsZero() && info.Fields.Account == info.SubmissionAccount)) &&
			p.query.Filter.Matches(info.ID, func(model.OrderID) bool { return true }) {
			p.release(&record)
		} else {
			p.release(nil)
		}
	}
	c.mu.Lock()
	monitors := slices.Clone(c.submissionMonitors)
	c.mu.Unlock()
	for _, monitor := range monitors {
		monitor(o)
	}
}

// OnMessage handles a message pushed by the servlet.
func (c *Client) OnMessage(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.MessageOrderSubmission:
		var message protocol.OrderSubmissionMessage
		if err := envelope.Decode(&message); err != nil {
			c.logger.Warn("Failed to decode order submission", zap.Error(err))
			return
		}
		c.mu.Lock()
		p := c.submissionQueries[message.QueryID]
		c.mu.Unlock()
		if p == nil {
			c.load(message.Value.Value)
			return
		}
		p.push(message.Value)
	case protocol.MessageExecutionReport:
		var message protocol.ExecutionReportMessage
		if err := envelope.Decode(&message); err != nil {
			c.logger.Warn("Failed to decode execution report", zap.Error(err))
			return
		}
		c.mu.Lock()
		p := c.reportQueries[message.QueryID]
		c.mu.Unlock()
		if p == nil {
			c.offer(message.Value.Value, false)
			return
		}
		p.push(message.Value)
	case protocol.MessageOrderUpdate:
		var message protocol.OrderUpdateMessage
		if err := envelope.Decode(&message); err != nil {
			c.logger.Warn("Failed to decode order update", zap.Error(err))
			return
		}
		c.offer(message.Report, true)
	default:
		c.logger.Debug("Unexpected message", zap.String("type", string(envelope.Type)))
	}
}

// OnConnect restores the server side state of the client after a (re)connection: the real-time
// subscriptions, the reports missed by every live order and the continuous queries.
func (c *Client) OnConnect(ctx context.Context) error {
	c.mu.Lock()
	realTime := make(map[model.DirectoryEntry]uint64, len(c.realTime))
	for account, subscription := range c.realTime {
		select {
		case <-subscription.ready:
			if subscription.err == nil {
				realTime[account] = subscription.queryID
			}
		default:
		}
	}
	submissionQueries := make(map[uint64]*publisher[model.OrderRecord], len(c.submissionQueries))
	for id, p := range c.submissionQueries {
		submissionQueries[id] = p
	}
	reportQueries := make(map[uint64]*publisher[model.ExecutionReport], len(c.reportQueries))
	for id, p := range c.reportQueries {
		reportQueries[id] = p
	}
	c.mu.Unlock()

	for account, id := range realTime {
		if err := c.subscribeRealTime(ctx, account, id); err != nil {
			return err
		}
	}
	if err := c.recoverOrders(ctx); err != nil {
		return err
	}
	for id, p := range submissionQueries {
		if err := c.querySubmissions(ctx, id, p, p.resume()); err != nil {
			return err
		}
	}
	for id, p := range reportQueries {
		if err := c.queryReports(ctx, id, p, p.resume()); err != nil {
			return err
		}
	}
	return nil
}

// recoverOrders reloads every live order from the servlet and applies the reports it missed.
func (c *Client) recoverOrders(ctx context.Context) error {
	c.mu.Lock()
	live := make(map[model.DirectoryEntry][]model.OrderID)
	for id, t := range c.orders {
		if t.order == nil || model.IsTerminal(t.order.Status()) {
			continue
		}
		account := t.order.Info().Fields.Account
		live[account] = append(live[account], id)
	}
	c.mu.Unlock()
	for account, ids := range live {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var result protocol.OrderSubmissionQueryResult
		if err := c.conn.Request(ctx, protocol.MessageQueryOrderSubmissions, protocol.QueryRequest{
			QueryID: c.newQueryID(),
			Query: model.AccountQuery{
				Index:         account,
				Range:         model.HistoricalRange(),
				SnapshotLimit: model.UnlimitedSnapshot(),
				Filter:        model.Filter{OrderIDs: ids},
			},
		}, &result); err != nil {
			return fmt.Errorf("failed to recover orders of %s: %w", account, err)
		}
		for _, record := range result.Snapshot {
			c.load(record.Value)
		}
		c.logger.Debug("Orders recovered", zap.String("account", account.String()), zap.Int("count", len(ids)))
	}
	return nil
}

// Close closes the connection. Local orders remain readable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) newQueryID() uint64 {
	return c.nextQueryID.Add(1)
}

// load returns the local replica of record's order, creating it if needed, and applies every
// report of record and every held back report that follows its history.
func (c *Client) load(record model.OrderRecord) *order.PrimitiveOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := record.Info.ID
	t, ok := c.orders[id]
	if !ok {
		t = &trackedOrder{}
		c.orders[id] = t
	}
	if t.order == nil {
		if len(record.ExecutionReports) == 0 {
			t.order = order.NewPrimitiveOrder(record.Info)
		} else {
			t.order = order.NewPrimitiveOrderFromRecord(record)
		}
		c.drain(t)
		return t.order
	}
	for _, report := range record.ExecutionReports {
		c.apply(t, report)
	}
	return t.order
}

// offer applies a report pushed by the servlet. When hold is set, reports of orders that are not
// loaded yet are kept until the order is.
func (c *Client) offer(report model.ExecutionReport, hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[report.ID]
	if !ok {
		if !hold {
			return
		}
		t = &trackedOrder{}
		c.orders[report.ID] = t
	}
	c.apply(t, report)
}

// apply must be called with c.mu held.
func (c *Client) apply(t *trackedOrder, report model.ExecutionReport) {
	if t.order == nil {
		t.holdBack(report)
		return
	}
	next := len(t.order.Reports())
	switch {
	case report.Sequence < next:
		return
	case report.Sequence > next:
		t.holdBack(report)
		return
	}
	if err := t.order.Update(report); err != nil {
		c.logger.Warn("Failed to apply execution report",
			zap.Uint64("order_id", uint64(report.ID)),
			zap.Int("sequence", report.Sequence),
			zap.Error(err))
		return
	}
	c.drain(t)
}

// drain applies the held back reports that became contiguous with the order's history.
func (c *Client) drain(t *trackedOrder) {
	for len(t.heldBack) > 0 {
		next := len(t.order.Reports())
		report := t.heldBack[0]
		if report.Sequence > next {
			return
		}
		t.heldBack = t.heldBack[1:]
		if report.Sequence < next {
			continue
		}
		if err := t.order.Update(report); err != nil {
			c.logger.Warn("Failed to apply held back execution report",
				zap.Uint64("order_id", uint64(report.ID)),
				zap.Int("sequence", report.Sequence),
				zap.Error(err))
			return
		}
	}
}

func (t *trackedOrder) holdBack(report model.ExecutionReport) {
	i := sort.Search(len(t.heldBack), func(i int) bool {
		return t.heldBack[i].Sequence >= report.Sequence
	})
	if i < len(t.heldBack) && t.heldBack[i].Sequence == report.Sequence {
		return
	}
	t.heldBack = append(t.heldBack, model.ExecutionReport{})
	copy(t.heldBack[i+1:], t.heldBack[i:])
	t.heldBack[i] = report
}
