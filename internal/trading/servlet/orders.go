package servlet

import (
	"context"
	"fmt"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/Aidin1998/pincex_execution/internal/trading/registry"
	"github.com/Aidin1998/pincex_execution/pkg/metrics"
	"go.uber.org/zap"
)

// normalizeFields completes the account, destination and currency a client left out.
func (s *Servlet) normalizeFields(fields model.OrderFields, account model.DirectoryEntry) model.OrderFields {
	if fields.Account.IsZero() {
		fields.Account = account
	}
	if fields.Destination == "" {
		fields.Destination = s.destinations.PreferredDestination(fields.Security.Market)
	}
	if fields.Currency == "" {
		fields.Currency = s.markets.Currency(fields.Security.Market)
	}
	return fields
}

// validate returns the reason an order is rejected before reaching the driver, or an empty string.
func (s *Servlet) validate(client protocol.Client, fields model.OrderFields) string {
	if !client.Session().HasOrderExecutionPermission(fields.Account) {
		return ReasonInsufficientPermissions
	}
	if _, ok := s.markets.FromCode(fields.Security.Market); !ok {
		return ReasonUnspecifiedMarket
	}
	if fields.Security.Symbol == "" {
		return ReasonUnspecifiedSymbol
	}
	return ""
}

func (s *Servlet) newOrderSingle(ctx context.Context, client protocol.Client, requestID uint64, requested model.OrderFields) error {
	sess := client.Session()
	fields := s.normalizeFields(requested, sess.Account())
	id, err := s.uids.LoadNextOrderID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load order id: %w", err)
	}
	state := s.account(fields.Account)
	info := model.OrderInfo{
		Fields:            fields,
		SubmissionAccount: sess.Account(),
		ID:                id,
		ShortingFlag:      state.shorting.Submit(id, fields),
		Timestamp:         s.clock.Now(),
	}

	var o *order.PrimitiveOrder
	if reason := s.validate(client, fields); reason != "" {
		o = s.reject(ctx, info, reason)
	} else if o, err = s.driver.Submit(ctx, info); err != nil {
		s.logger.Error("Failed to submit order",
			zap.Uint64("order_id", uint64(id)),
			zap.String("account", fields.Account.String()),
			zap.Error(err))
		o = s.reject(ctx, info, err.Error())
	}

	err = registry.Publish(s.registry, model.Indexed(info, fields.Account), s.initialSequence(ctx),
		func(sequenced model.SequencedAccountOrderInfo) error {
			if err := s.store.StoreOrderInfo(ctx, sequenced); err != nil {
				return fmt.Errorf("failed to store order %d: %w", id, err)
			}
			s.setLive(id, fields.Account)
			if err := s.reply(client, requestID, model.Sequenced(info, sequenced.Sequence)); err != nil {
				return err
			}
			record := model.Sequenced(model.OrderRecord{Info: info}, sequenced.Sequence)
			s.submissions.Publish(fields.Account, record, func(target subscriptionTarget) {
				if target.Client == client {
					return
				}
				s.push(target.Client, protocol.MessageOrderSubmission,
					protocol.OrderSubmissionMessage{QueryID: target.QueryID, Value: record})
			})
			if err := s.feed.PublishOrderSubmission(ctx, sequenced); err != nil {
				s.logger.Warn("Failed to publish order submission to feed",
					zap.Uint64("order_id", uint64(id)), zap.Error(err))
			}
			return nil
		})
	if err != nil {
		return err
	}

	outcome := "accepted"
	if o.Status() == model.OrderStatusRejected {
		outcome = "rejected"
	}
	metrics.OrdersSubmitted.WithLabelValues(string(fields.Side), outcome).Inc()
	o.MonitorFrom(0, s.reportHandler(fields.Account, state))
	return nil
}

// reject builds a locally rejected order and makes it known to the driver.
func (s *Servlet) reject(ctx context.Context, info model.OrderInfo, reason string) *order.PrimitiveOrder {
	o := order.BuildRejectedOrder(info, reason)
	if err := s.driver.Add(ctx, o); err != nil {
		s.logger.Warn("Failed to add rejected order to driver",
			zap.Uint64("order_id", uint64(info.ID)), zap.Error(err))
	}
	return o
}

func (s *Servlet) cancelOrder(ctx context.Context, client protocol.Client, id model.OrderID) error {
	sess := client.Session()
	if account, ok := s.liveAccount(id); ok && !sess.HasOrderExecutionPermission(account) {
		s.logger.Warn("Cancel without permission ignored",
			zap.Uint64("order_id", uint64(id)),
			zap.String("account", sess.Account().String()))
		return nil
	}
	if err := s.driver.Cancel(ctx, sess, id); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", id, err)
	}
	return nil
}

func (s *Servlet) updateOrder(ctx context.Context, client protocol.Client, requestID uint64, request protocol.UpdateOrderRequest) error {
	sess := client.Session()
	if !sess.IsAdministrator() {
		return ErrInsufficientPermissions
	}
	report := request.Report
	report.ID = request.OrderID
	if report.Timestamp.IsZero() {
		report.Timestamp = s.clock.Now()
	}
	report.Text = s.sanitizer.Sanitize(report.Text)
	if err := s.driver.Update(ctx, sess, request.OrderID, report); err != nil {
		return fmt.Errorf("failed to update order %d: %w", request.OrderID, err)
	}
	return s.reply(client, requestID, struct{}{})
}

// reportHandler returns the order monitor that schedules reports on the account's task queue.
func (s *Servlet) reportHandler(account model.DirectoryEntry, state *accountState) order.ReportHandler {
	return func(report model.ExecutionReport) {
		if !state.tasks.Push(func() { s.onExecutionReport(account, state, report) }) {
			s.logger.Warn("Execution report dropped after close",
				zap.Uint64("order_id", uint64(report.ID)),
				zap.Int("sequence", report.Sequence))
		}
	}
}

// onExecutionReport sequences, stores and fans out one report. It runs on the account's queue.
func (s *Servlet) onExecutionReport(account model.DirectoryEntry, state *accountState, report model.ExecutionReport) {
	ctx := context.Background()
	state.shorting.Update(report)
	err := registry.Publish(s.registry, model.Indexed(report, account), s.initialSequence(ctx),
		func(sequenced model.SequencedAccountExecutionReport) error {
			if err := s.store.StoreExecutionReport(ctx, sequenced); err != nil {
				return fmt.Errorf("failed to store execution report: %w", err)
			}
			if model.IsTerminal(report.Status) {
				s.clearLive(report.ID)
			}
			value := model.Sequenced(report, sequenced.Sequence)
			s.orderUpdates.Publish(account, value, func(target subscriptionTarget) {
				s.push(target.Client, protocol.MessageOrderUpdate, protocol.OrderUpdateMessage{Report: report})
			})
			s.reports.Publish(account, value, func(target subscriptionTarget) {
				s.push(target.Client, protocol.MessageExecutionReport,
					protocol.ExecutionReportMessage{QueryID: target.QueryID, Value: value})
			})
			if err := s.feed.PublishExecutionReport(ctx, sequenced); err != nil {
				s.logger.Warn("Failed to publish execution report to feed",
					zap.Uint64("order_id", uint64(report.ID)), zap.Error(err))
			}
			return nil
		})
	if err != nil {
		s.logger.Error("Failed to publish execution report",
			zap.String("account", account.String()),
			zap.Uint64("order_id", uint64(report.ID)),
			zap.Int("sequence", report.Sequence),
			zap.String("status", string(report.Status)),
			zap.Error(err))
		return
	}
	metrics.ExecutionReportsPublished.WithLabelValues(string(report.Status)).Inc()
}
