// Package protocol defines the messages exchanged between execution clients and the servlet.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
)

// MessageType names the payload carried by an Envelope.
type MessageType string

const (
	// Requests
	MessageQueryOrderSubmissions MessageType = "query_order_submissions"
	MessageQueryExecutionReports MessageType = "query_execution_reports"
	MessageNewOrderSingle        MessageType = "new_order_single"
	MessageUpdateOrder           MessageType = "update_order"
	MessageLoadOrder             MessageType = "load_order"
	MessageEndQuery              MessageType = "end_query"
	MessageCancelOrder           MessageType = "cancel_order"

	// Responses
	MessageResponse MessageType = "response"

	// Server pushes
	MessageOrderSubmission MessageType = "order_submission"
	MessageExecutionReport MessageType = "execution_report"
	MessageOrderUpdate     MessageType = "order_update"
)

// Envelope frames every message on the wire. Requests and their responses share RequestID.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID uint64          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewMessage builds a one-way message.
func NewMessage(t MessageType, payload any) (Envelope, error) {
	return NewRequest(t, 0, payload)
}

// NewRequest builds a request expecting a response with the same id.
func NewRequest(t MessageType, requestID uint64, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return Envelope{Type: t, RequestID: requestID, Payload: data}, nil
}

// NewResponse builds the successful response of a request.
func NewResponse(requestID uint64, payload any) (Envelope, error) {
	return NewRequest(MessageResponse, requestID, payload)
}

// NewErrorResponse builds the failed response of a request.
func NewErrorResponse(requestID uint64, err error) Envelope {
	return Envelope{Type: MessageResponse, RequestID: requestID, Error: err.Error()}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", e.Type, err)
	}
	return nil
}

// ServiceError is a request failure reported by the servlet.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// QueryRequest submits a query. QueryID is chosen by the client and tags every value pushed for
// the query.
type QueryRequest struct {
	QueryID uint64             `json:"query_id"`
	Query   model.AccountQuery `json:"query"`
}

// OrderSubmissionQueryResult is the snapshot of an order submission query.
type OrderSubmissionQueryResult struct {
	QueryID  uint64                       `json:"query_id"`
	Snapshot []model.SequencedOrderRecord `json:"snapshot"`
}

// ExecutionReportQueryResult is the snapshot of an execution report query.
type ExecutionReportQueryResult struct {
	QueryID  uint64                           `json:"query_id"`
	Snapshot []model.SequencedExecutionReport `json:"snapshot"`
}

// NewOrderSingleRequest submits an order.
type NewOrderSingleRequest struct {
	Fields model.OrderFields `json:"fields"`
}

// CancelOrderRequest asks for an order to be canceled. It has no response.
type CancelOrderRequest struct {
	OrderID model.OrderID `json:"order_id"`
}

// UpdateOrderRequest applies an administrative execution report.
type UpdateOrderRequest struct {
	OrderID model.OrderID         `json:"order_id"`
	Report  model.ExecutionReport `json:"report"`
}

// LoadOrderRequest loads a single order by id.
type LoadOrderRequest struct {
	OrderID model.OrderID `json:"order_id"`
}

// LoadOrderResponse carries the loaded order, nil if it does not exist or is not permitted.
type LoadOrderResponse struct {
	Record *model.SequencedAccountOrderRecord `json:"record,omitempty"`
}

// EndQueryRequest ends a query.
type EndQueryRequest struct {
	QueryID uint64 `json:"query_id"`
}

// OrderSubmissionMessage pushes a new submission to a query.
type OrderSubmissionMessage struct {
	QueryID uint64                     `json:"query_id"`
	Value   model.SequencedOrderRecord `json:"value"`
}

// ExecutionReportMessage pushes a new execution report to a query.
type ExecutionReportMessage struct {
	QueryID uint64                         `json:"query_id"`
	Value   model.SequencedExecutionReport `json:"value"`
}

// OrderUpdateMessage pushes an execution report of an order the client tracks.
type OrderUpdateMessage struct {
	Report model.ExecutionReport `json:"report"`
}

// Client is a connected client as seen by a service. Send must not block.
type Client interface {
	Session() *session.Session
	Send(Envelope) error
}

// Handler serves connected clients.
type Handler interface {
	HandleClientAccepted(ctx context.Context, client Client) error
	HandleClientClosed(client Client)
	HandleMessage(ctx context.Context, client Client, envelope Envelope)
}
