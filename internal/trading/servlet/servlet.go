// Package servlet implements the order execution servlet: it accepts order submissions from
// connected clients, forwards them to an execution driver, sequences every submission and
// execution report per account, persists them and streams them to client queries.
package servlet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/accounting"
	"github.com/Aidin1998/pincex_execution/internal/administration"
	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/definitions"
	"github.com/Aidin1998/pincex_execution/internal/tasks"
	"github.com/Aidin1998/pincex_execution/internal/trading/driver"
	"github.com/Aidin1998/pincex_execution/internal/trading/messaging"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/Aidin1998/pincex_execution/internal/trading/registry"
	"github.com/Aidin1998/pincex_execution/internal/trading/repository"
	"github.com/Aidin1998/pincex_execution/internal/trading/subscriptions"
	"github.com/Aidin1998/pincex_execution/internal/trading/uid"
	"github.com/Aidin1998/pincex_execution/pkg/metrics"
	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientPermissions is returned to non-administrators sending administrative
	// requests. Its text is sent to clients as is.
	ErrInsufficientPermissions = errors.New("Insufficient permissions.")
	// ErrClosed is returned for requests received after Close.
	ErrClosed = errors.New("servlet is closed")
	// ErrUnknownMessage is returned for requests of an unsupported type.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Rejection reasons of orders refused before reaching the driver.
const (
	ReasonInsufficientPermissions = "Insufficient permissions to execute order."
	ReasonUnspecifiedMarket       = "Unspecified market."
	ReasonUnspecifiedSymbol       = "Unspecified symbol."
)

// Dependencies are the collaborators of a Servlet. Feed, Clock and the databases are optional.
type Dependencies struct {
	Locator        administration.ServiceLocator
	Administration administration.AdministrationClient
	UIDs           uid.Client
	Driver         driver.Driver
	Store          repository.DataStore
	Feed           messaging.Feed
	Clock          clock.Clock
	Markets        *definitions.MarketDatabase
	Destinations   *definitions.DestinationDatabase

	// SessionStart bounds the orders reloaded on Open. Live orders are reloaded regardless.
	SessionStart time.Time
}

// Servlet serves execution clients. It implements protocol.Handler.
type Servlet struct {
	locator      administration.ServiceLocator
	admin        administration.AdministrationClient
	uids         uid.Client
	driver       driver.Driver
	store        repository.DataStore
	feed         messaging.Feed
	clock        clock.Clock
	markets      *definitions.MarketDatabase
	destinations *definitions.DestinationDatabase
	sessionStart time.Time
	sanitizer    *bluemonday.Policy
	tracer       trace.Tracer
	logger       *zap.Logger

	registry     *registry.OrderSubmissionRegistry
	submissions  *subscriptions.Subscriptions[model.OrderRecord, protocol.Client]
	orderUpdates *subscriptions.Subscriptions[model.ExecutionReport, protocol.Client]
	reports      *subscriptions.Subscriptions[model.ExecutionReport, protocol.Client]

	mu       sync.Mutex
	accounts map[model.DirectoryEntry]*accountState
	closed   bool

	liveMu sync.RWMutex
	live   map[model.OrderID]model.DirectoryEntry
}

// accountState serializes the execution reports of one account.
type accountState struct {
	shorting *accounting.ShortingModel
	tasks    *tasks.Queue
}

// New creates a Servlet. Open must be called before clients are served.
func New(deps Dependencies, logger *zap.Logger) *Servlet {
	if deps.Feed == nil {
		deps.Feed = messaging.NopFeed{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Markets == nil {
		deps.Markets = definitions.NewMarketDatabase(nil)
	}
	if deps.Destinations == nil {
		deps.Destinations = definitions.NewDestinationDatabase(nil)
	}
	return &Servlet{
		locator:      deps.Locator,
		admin:        deps.Administration,
		uids:         deps.UIDs,
		driver:       deps.Driver,
		store:        deps.Store,
		feed:         deps.Feed,
		clock:        deps.Clock,
		markets:      deps.Markets,
		destinations: deps.Destinations,
		sessionStart: deps.SessionStart,
		sanitizer:    bluemonday.StrictPolicy(),
		tracer:       otel.Tracer("execution-servlet"),
		logger:       logger.Named("execution_servlet"),
		registry:     registry.NewOrderSubmissionRegistry(),
		submissions:  subscriptions.New[model.OrderRecord, protocol.Client](),
		orderUpdates: subscriptions.New[model.ExecutionReport, protocol.Client](),
		reports:      subscriptions.New[model.ExecutionReport, protocol.Client](),
		accounts:     make(map[model.DirectoryEntry]*accountState),
		live:         make(map[model.OrderID]model.DirectoryEntry),
	}
}

// Open registers every known account and recovers the orders of the trading session.
func (s *Servlet) Open(ctx context.Context) error {
	accounts, err := s.locator.LoadAllAccounts(ctx)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	for _, account := range accounts {
		s.registry.AddAccount(account)
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			return s.recoverAccount(gctx, account)
		})
	}
	if err := g.Wait(); err != nil {
		s.Close()
		return fmt.Errorf("failed to recover trading session: %w", err)
	}
	metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Trading session recovered",
		zap.Int("accounts", len(accounts)),
		zap.Int("live_orders", s.liveCount()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// recoverAccount reloads the orders submitted since the session start together with every order
// still live from earlier sessions, and hands the live ones back to the driver.
func (s *Servlet) recoverAccount(ctx context.Context, account model.DirectoryEntry) error {
	sessionQuery := model.AccountQuery{
		Index:         account,
		Range:         model.TimeRange(s.sessionStart, time.Time{}),
		SnapshotLimit: model.UnlimitedSnapshot(),
	}
	liveQuery := model.AccountQuery{
		Index:         account,
		Range:         model.TotalRange(),
		SnapshotLimit: model.UnlimitedSnapshot(),
		Filter:        model.Filter{LiveOnly: true},
	}
	sessionOrders, err := s.store.LoadOrderSubmissions(ctx, sessionQuery)
	if err != nil {
		return fmt.Errorf("failed to load session orders of %s: %w", account, err)
	}
	liveOrders, err := s.store.LoadOrderSubmissions(ctx, liveQuery)
	if err != nil {
		return fmt.Errorf("failed to load live orders of %s: %w", account, err)
	}
	state := s.account(account)
	for _, record := range unionBySequence(sessionOrders, liveOrders) {
		info := record.Value.Info
		s.reserve(info.ID)
		state.shorting.Submit(info.ID, info.Fields)
		for _, report := range record.Value.ExecutionReports {
			state.shorting.Update(report)
		}
		if model.IsTerminal(record.Value.LastStatus()) {
			continue
		}
		o, err := s.driver.Recover(ctx, model.Sequenced(model.Indexed(record.Value, account), record.Sequence))
		if err != nil {
			metrics.RecoveredOrders.WithLabelValues("failed").Inc()
			s.logger.Warn("Failed to recover order",
				zap.Uint64("order_id", uint64(info.ID)),
				zap.String("account", account.String()),
				zap.Error(err))
			continue
		}
		metrics.RecoveredOrders.WithLabelValues("recovered").Inc()
		s.setLive(info.ID, account)
		o.MonitorFrom(len(record.Value.ExecutionReports), s.reportHandler(account, state))
	}
	return nil
}

// reserver is implemented by uid clients that must skip ids already issued by an earlier session.
type reserver interface {
	Reserve(id model.OrderID)
}

func (s *Servlet) reserve(id model.OrderID) {
	if r, ok := s.uids.(reserver); ok {
		r.Reserve(id)
	}
}

// unionBySequence merges two sequence ordered snapshots, dropping duplicates.
func unionBySequence(a, b []model.SequencedOrderRecord) []model.SequencedOrderRecord {
	seen := make(map[model.Sequence]struct{}, len(a)+len(b))
	merged := make([]model.SequencedOrderRecord, 0, len(a)+len(b))
	for _, records := range [][]model.SequencedOrderRecord{a, b} {
		for _, record := range records {
			if _, ok := seen[record.Sequence]; ok {
				continue
			}
			seen[record.Sequence] = struct{}{}
			merged = append(merged, record)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Sequence < merged[j].Sequence })
	return merged
}

// Close drains pending execution reports, then closes the driver, the data store and the feed.
func (s *Servlet) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	states := make([]*accountState, 0, len(s.accounts))
	for _, state := range s.accounts {
		states = append(states, state)
	}
	s.mu.Unlock()

	for _, state := range states {
		state.tasks.Flush()
	}
	var errs []error
	if err := s.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close driver: %w", err))
	}
	for _, state := range states {
		state.tasks.Close()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close data store: %w", err))
	}
	if err := s.feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close feed: %w", err))
	}
	s.logger.Info("Execution servlet closed")
	return errors.Join(errs...)
}

// Flush blocks until every execution report received so far has been published.
func (s *Servlet) Flush() {
	s.mu.Lock()
	states := make([]*accountState, 0, len(s.accounts))
	for _, state := range s.accounts {
		states = append(states, state)
	}
	s.mu.Unlock()
	for _, state := range states {
		state.tasks.Flush()
	}
}

func (s *Servlet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Servlet) account(account model.DirectoryEntry) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.accounts[account]
	if !ok {
		state = &accountState{
			shorting: accounting.NewShortingModel(),
			tasks:    tasks.NewQueue(s.logger.With(zap.String("account", account.String()))),
		}
		s.accounts[account] = state
	}
	return state
}

func (s *Servlet) setLive(id model.OrderID, account model.DirectoryEntry) {
	s.liveMu.Lock()
	s.live[id] = account
	s.liveMu.Unlock()
}

func (s *Servlet) clearLive(id model.OrderID) {
	s.liveMu.Lock()
	delete(s.live, id)
	s.liveMu.Unlock()
}

func (s *Servlet) isLive(id model.OrderID) bool {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	_, ok := s.live[id]
	return ok
}

func (s *Servlet) liveAccount(id model.OrderID) (model.DirectoryEntry, bool) {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	account, ok := s.live[id]
	return account, ok
}

func (s *Servlet) liveCount() int {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return len(s.live)
}

func (s *Servlet) initialSequence(ctx context.Context) registry.InitialSequenceLoader {
	return func(account model.DirectoryEntry) (model.Sequence, error) {
		return repository.LoadInitialSequence(ctx, s.store, account)
	}
}

// HandleClientAccepted grants the session permission over its own account and over the traders
// of every trading group the account manages.
func (s *Servlet) HandleClientAccepted(ctx context.Context, client protocol.Client) error {
	sess := client.Session()
	account := sess.Account()
	s.registry.AddAccount(account)
	sess.GrantOrderExecutionPermission(account)
	isAdministrator, err := s.admin.CheckAdministrator(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to check administrator %s: %w", account, err)
	}
	if isAdministrator {
		sess.SetAdministrator(true)
	}
	groups, err := s.admin.LoadManagedTradingGroups(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load managed trading groups of %s: %w", account, err)
	}
	for _, group := range groups {
		tradingGroup, err := s.admin.LoadTradingGroup(ctx, group)
		if err != nil {
			return fmt.Errorf("failed to load trading group %s: %w", group, err)
		}
		for _, trader := range tradingGroup.Traders {
			s.registry.AddAccount(trader)
			sess.GrantOrderExecutionPermission(trader)
		}
	}
	metrics.ConnectedClients.Inc()
	s.logger.Debug("Client accepted",
		zap.String("account", account.String()),
		zap.Bool("administrator", isAdministrator),
		zap.Int("managed_groups", len(groups)))
	return nil
}

// HandleClientClosed ends every query of client.
func (s *Servlet) HandleClientClosed(client protocol.Client) {
	s.submissions.RemoveAll(client)
	s.orderUpdates.RemoveAll(client)
	s.reports.RemoveAll(client)
	s.updateSubscriptionGauges()
	metrics.ConnectedClients.Dec()
}

// HandleMessage serves one request of client. Failures are answered with an error response.
func (s *Servlet) HandleMessage(ctx context.Context, client protocol.Client, envelope protocol.Envelope) {
	ctx, span := s.tracer.Start(ctx, string(envelope.Type), trace.WithAttributes(
		attribute.String("account", client.Session().Account().String()),
		attribute.Int64("request_id", int64(envelope.RequestID))))
	defer span.End()
	if err := s.handle(ctx, client, envelope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if envelope.RequestID != 0 {
			s.send(client, protocol.NewErrorResponse(envelope.RequestID, err))
		}
		s.logger.Debug("Request failed",
			zap.String("type", string(envelope.Type)),
			zap.String("account", client.Session().Account().String()),
			zap.Error(err))
	}
}

func (s *Servlet) handle(ctx context.Context, client protocol.Client, envelope protocol.Envelope) error {
	if s.isClosed() {
		return ErrClosed
	}
	switch envelope.Type {
	case protocol.MessageNewOrderSingle:
		var request protocol.NewOrderSingleRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.newOrderSingle(ctx, client, envelope.RequestID, request.Fields)
	case protocol.MessageCancelOrder:
		var request protocol.CancelOrderRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.cancelOrder(ctx, client, request.OrderID)
	case protocol.MessageUpdateOrder:
		var request protocol.UpdateOrderRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.updateOrder(ctx, client, envelope.RequestID, request)
	case protocol.MessageQueryOrderSubmissions:
		var request protocol.QueryRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.queryOrderSubmissions(ctx, client, envelope.RequestID, request)
	case protocol.MessageQueryExecutionReports:
		var request protocol.QueryRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.queryExecutionReports(ctx, client, envelope.RequestID, request)
	case protocol.MessageLoadOrder:
		var request protocol.LoadOrderRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		return s.loadOrder(ctx, client, envelope.RequestID, request.OrderID)
	case protocol.MessageEndQuery:
		var request protocol.EndQueryRequest
		if err := envelope.Decode(&request); err != nil {
			return err
		}
		s.endQuery(client, request.QueryID)
		return s.reply(client, envelope.RequestID, struct{}{})
	}
	return fmt.Errorf("%w: %s", ErrUnknownMessage, envelope.Type)
}

// reply sends the response of a request. Requests without an id expect no response.
func (s *Servlet) reply(client protocol.Client, requestID uint64, payload any) error {
	if requestID == 0 {
		return nil
	}
	response, err := protocol.NewResponse(requestID, payload)
	if err != nil {
		return err
	}
	s.send(client, response)
	return nil
}

func (s *Servlet) push(client protocol.Client, t protocol.MessageType, payload any) {
	message, err := protocol.NewMessage(t, payload)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.send(client, message)
}

func (s *Servlet) send(client protocol.Client, envelope protocol.Envelope) {
	if err := client.Send(envelope); err != nil {
		s.logger.Debug("Failed to send message",
			zap.String("type", string(envelope.Type)),
			zap.String("account", client.Session().Account().String()),
			zap.Error(err))
	}
}

func (s *Servlet) updateSubscriptionGauges() {
	metrics.ActiveSubscriptions.WithLabelValues("order_submissions").Set(float64(s.submissions.Count()))
	metrics.ActiveSubscriptions.WithLabelValues("order_updates").Set(float64(s.orderUpdates.Count()))
	metrics.ActiveSubscriptions.WithLabelValues("execution_reports").Set(float64(s.reports.Count()))
}
