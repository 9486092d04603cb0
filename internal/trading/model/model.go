package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderID uniquely identifies an order across the whole service.
type OrderID uint64

// OrderStatus is the lifecycle state carried by an execution report.
type OrderStatus string

// Side of an order.
type Side string

// OrderType of an order.
type OrderType string

// TimeInForceType controls how long an order remains working.
type TimeInForceType string

// LiquidityFlag reports whether a fill added or removed liquidity.
type LiquidityFlag string

// Constants for order statuses, sides, types and time in force options
const (
	// Order statuses
	OrderStatusNone            OrderStatus = "NONE"
	OrderStatusPendingNew      OrderStatus = "PENDING_NEW"
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusCancelReject    OrderStatus = "CANCEL_REJECT"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"

	// Order sides
	SideNone Side = "NONE"
	SideBid  Side = "BID"
	SideAsk  Side = "ASK"

	// Order types
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypePegged OrderType = "PEGGED"
	OrderTypeStop   OrderType = "STOP"

	// Time in force
	TimeInForceDay TimeInForceType = "DAY" // Expires at the end of the trading day
	TimeInForceGTC TimeInForceType = "GTC" // Good Till Cancelled
	TimeInForceIOC TimeInForceType = "IOC" // Immediate Or Cancel
	TimeInForceFOK TimeInForceType = "FOK" // Fill Or Kill
	TimeInForceGTD TimeInForceType = "GTD" // Good Till Date
	TimeInForceOPG TimeInForceType = "OPG" // At the opening
	TimeInForceMOC TimeInForceType = "MOC" // At the close

	LiquidityAdded   LiquidityFlag = "A"
	LiquidityRemoved LiquidityFlag = "R"
)

// IsTerminal returns true if no further reports can follow status.
func IsTerminal(status OrderStatus) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingNew:      {OrderStatusNew, OrderStatusRejected},
	OrderStatusNew:             {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusPendingCancel, OrderStatusCanceled, OrderStatusExpired},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusPendingCancel, OrderStatusCanceled, OrderStatusExpired},
	OrderStatusPendingCancel:   {OrderStatusCanceled, OrderStatusCancelReject, OrderStatusPartiallyFilled, OrderStatusFilled},
	OrderStatusCancelReject:    {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusPendingCancel, OrderStatusExpired},
}

// CanTransition returns true if a report with status to may follow a report with status from.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	switch s {
	case SideBid:
		return SideAsk
	case SideAsk:
		return SideBid
	}
	return SideNone
}

// Direction returns 1 for bids and -1 for asks.
func (s Side) Direction() int64 {
	if s == SideAsk {
		return -1
	}
	return 1
}

// Security identifies a tradable instrument on a market.
type Security struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

func (s Security) String() string {
	if s.Market == "" {
		return s.Symbol
	}
	return fmt.Sprintf("%s.%s", s.Symbol, s.Market)
}

// TimeInForce of an order, with an expiry for GTD orders.
type TimeInForce struct {
	Type   TimeInForceType `json:"type"`
	Expiry time.Time       `json:"expiry,omitempty"`
}

// Tag is an additional FIX-style key/value field.
type Tag struct {
	Key   int    `json:"key"`
	Value string `json:"value"`
}

// OrderFields holds the parameters of a submission as requested by a client.
type OrderFields struct {
	Account          DirectoryEntry  `json:"account"`
	Security         Security        `json:"security"`
	Currency         string          `json:"currency"`
	Type             OrderType       `json:"type"`
	Side             Side            `json:"side"`
	Destination      string          `json:"destination"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	TimeInForce      TimeInForce     `json:"time_in_force"`
	AdditionalFields []Tag           `json:"additional_fields,omitempty"`
}

// OrderInfo is the immutable description of a submitted order.
type OrderInfo struct {
	Fields            OrderFields    `json:"fields"`
	SubmissionAccount DirectoryEntry `json:"submission_account"`
	ID                OrderID        `json:"id"`
	ShortingFlag      bool           `json:"shorting_flag"`
	Timestamp         time.Time      `json:"timestamp"`
}

// ExecutionReport is one state transition of an order. Sequence is local to the order and
// starts at 0.
type ExecutionReport struct {
	ID             OrderID         `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Sequence       int             `json:"sequence"`
	Status         OrderStatus     `json:"status"`
	LastQuantity   decimal.Decimal `json:"last_quantity"`
	LastPrice      decimal.Decimal `json:"last_price"`
	LiquidityFlag  LiquidityFlag   `json:"liquidity_flag,omitempty"`
	LastMarket     string          `json:"last_market,omitempty"`
	ExecutionFee   decimal.Decimal `json:"execution_fee"`
	ProcessingFee  decimal.Decimal `json:"processing_fee"`
	Commission     decimal.Decimal `json:"commission"`
	Text           string          `json:"text,omitempty"`
	AdditionalTags []Tag           `json:"additional_tags,omitempty"`
}

// MakeInitialReport returns the PENDING_NEW report every order starts with.
func MakeInitialReport(id OrderID, timestamp time.Time) ExecutionReport {
	return ExecutionReport{
		ID:        id,
		Timestamp: timestamp,
		Sequence:  0,
		Status:    OrderStatusPendingNew,
	}
}

// MakeUpdatedReport returns the report that follows previous with a new status.
func MakeUpdatedReport(previous ExecutionReport, status OrderStatus, timestamp time.Time) ExecutionReport {
	return ExecutionReport{
		ID:        previous.ID,
		Timestamp: timestamp,
		Sequence:  previous.Sequence + 1,
		Status:    status,
	}
}

// OrderRecord is an order together with every report it has received so far.
type OrderRecord struct {
	Info             OrderInfo         `json:"info"`
	ExecutionReports []ExecutionReport `json:"execution_reports"`
}

// LastStatus returns the status of the most recent report or NONE.
func (r OrderRecord) LastStatus() OrderStatus {
	if len(r.ExecutionReports) == 0 {
		return OrderStatusNone
	}
	return r.ExecutionReports[len(r.ExecutionReports)-1].Status
}
