package servlet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/Aidin1998/pincex_execution/internal/trading/repository"
	"github.com/Aidin1998/pincex_execution/internal/trading/subscriptions"
)

type subscriptionTarget = subscriptions.Target[protocol.Client]

// resolveQuery defaults the index to the session's account and reports whether the session may
// read it.
func resolveQuery(client protocol.Client, query model.AccountQuery) (model.AccountQuery, bool) {
	sess := client.Session()
	if query.Index.IsZero() {
		query.Index = sess.Account()
	}
	return query, sess.HasOrderExecutionPermission(query.Index)
}

// queryOrderSubmissions answers a submission query. The execution reports of the account are
// subscribed to alongside the submissions, so reports published while the snapshot is loaded
// are spliced into it and later reports reach the client as order updates.
func (s *Servlet) queryOrderSubmissions(ctx context.Context, client protocol.Client, requestID uint64, request protocol.QueryRequest) error {
	query, permitted := resolveQuery(client, request.Query)
	if !permitted {
		return s.reply(client, requestID, protocol.OrderSubmissionQueryResult{QueryID: request.QueryID})
	}
	queryID := request.QueryID
	s.submissions.Initialize(query.Index, client, queryID, query.Range,
		func(value model.SequencedOrderRecord) bool {
			return query.Range.AcceptsLive(value.Sequence, value.Value.Info.Timestamp) &&
				query.Filter.Matches(value.Value.Info.ID, s.isLive)
		})
	updateRange := model.HistoricalRange()
	if query.Range.IsContinuous() {
		updateRange = model.TotalRange()
	}
	s.orderUpdates.Initialize(query.Index, client, queryID, updateRange, nil)
	snapshot, err := s.store.LoadOrderSubmissions(ctx, query)
	if err != nil {
		s.submissions.End(query.Index, client, queryID)
		s.orderUpdates.End(query.Index, client, queryID)
		return fmt.Errorf("failed to load order submissions: %w", err)
	}
	var replyErr error
	s.submissions.Commit(query.Index, client, queryID, snapshot, func(records []model.SequencedOrderRecord) {
		s.orderUpdates.Commit(query.Index, client, queryID, nil, func(reports []model.SequencedExecutionReport) {
			replyErr = s.reply(client, requestID, protocol.OrderSubmissionQueryResult{
				QueryID:  queryID,
				Snapshot: spliceReports(records, reports),
			})
		})
	})
	s.updateSubscriptionGauges()
	return replyErr
}

// spliceReports inserts every report into the record of its order, ordered by the report's
// sequence and skipping reports the record already holds. Reports of orders outside records are
// dropped.
func spliceReports(records []model.SequencedOrderRecord, reports []model.SequencedExecutionReport) []model.SequencedOrderRecord {
	if len(reports) == 0 {
		return records
	}
	positions := make(map[model.OrderID]int, len(records))
	for i, record := range records {
		positions[record.Value.Info.ID] = i
	}
	for _, report := range reports {
		i, ok := positions[report.Value.ID]
		if !ok {
			continue
		}
		existing := records[i].Value.ExecutionReports
		at := sort.Search(len(existing), func(j int) bool {
			return existing[j].Sequence >= report.Value.Sequence
		})
		if at < len(existing) && existing[at].Sequence == report.Value.Sequence {
			continue
		}
		spliced := make([]model.ExecutionReport, 0, len(existing)+1)
		spliced = append(spliced, existing[:at]...)
		spliced = append(spliced, report.Value)
		spliced = append(spliced, existing[at:]...)
		records[i].Value.ExecutionReports = spliced
	}
	return records
}

func (s *Servlet) queryExecutionReports(ctx context.Context, client protocol.Client, requestID uint64, request protocol.QueryRequest) error {
	query, permitted := resolveQuery(client, request.Query)
	if !permitted {
		return s.reply(client, requestID, protocol.ExecutionReportQueryResult{QueryID: request.QueryID})
	}
	queryID := request.QueryID
	s.reports.Initialize(query.Index, client, queryID, query.Range,
		func(value model.SequencedExecutionReport) bool {
			return query.Range.AcceptsLive(value.Sequence, value.Value.Timestamp) &&
				query.Filter.Matches(value.Value.ID, s.isLive)
		})
	snapshot, err := s.store.LoadExecutionReports(ctx, query)
	if err != nil {
		s.reports.End(query.Index, client, queryID)
		return fmt.Errorf("failed to load execution reports: %w", err)
	}
	var replyErr error
	s.reports.Commit(query.Index, client, queryID, snapshot, func(reports []model.SequencedExecutionReport) {
		replyErr = s.reply(client, requestID, protocol.ExecutionReportQueryResult{
			QueryID:  queryID,
			Snapshot: reports,
		})
	})
	s.updateSubscriptionGauges()
	return replyErr
}

// loadOrder answers with the order, or with no record if it is unknown or not permitted.
func (s *Servlet) loadOrder(ctx context.Context, client protocol.Client, requestID uint64, id model.OrderID) error {
	record, err := s.store.LoadOrder(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return s.reply(client, requestID, protocol.LoadOrderResponse{})
	}
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", id, err)
	}
	if !client.Session().HasOrderExecutionPermission(record.Value.Index) {
		return s.reply(client, requestID, protocol.LoadOrderResponse{})
	}
	return s.reply(client, requestID, protocol.LoadOrderResponse{Record: &record})
}

func (s *Servlet) endQuery(client protocol.Client, queryID uint64) {
	s.submissions.EndQuery(client, queryID)
	s.orderUpdates.EndQuery(client, queryID)
	s.reports.EndQuery(client, queryID)
	s.updateSubscriptionGauges()
}
