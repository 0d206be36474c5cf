package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/GoPolymarket/trade-supervisor/internal/heartbeat"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// Decision codes.
const (
	CodeOK            = "OK"
	CodeAutoHalt      = "AUTO_HALT"
	CodeReduceOnly    = "REDUCE_ONLY"
	CodePolicyRiskOff = "POLICY_RISK_OFF"
	CodePolicyPaused  = "POLICY_PAUSED"
	CodeNotionalLimit = "ORDER_NOTIONAL_LIMIT"
	CodeLeverageLimit = "LEVERAGE_LIMIT"
	CodeExposureLimit = "SYMBOL_EXPOSURE_LIMIT"
	CodeInvalidOrder  = "INVALID_ORDER"
)

// OrderRequest is a normalized order submitted by the worker or an operator.
type OrderRequest struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	OrderType    OrderType `json:"order_type"`
	Quantity     float64   `json:"quantity"`
	Price        *float64  `json:"price,omitempty"`
	Notional     *float64  `json:"notional,omitempty"`
	Leverage     *float64  `json:"leverage,omitempty"`
	IsReduceOnly bool      `json:"is_reduce_only"`
}

// ValidationError is returned for malformed requests. Nothing is defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return CodeInvalidOrder }

// Normalize upper-cases enum fields and trims the symbol.
func (r *OrderRequest) Normalize() {
	r.Symbol = heartbeat.NormalizeSymbol(r.Symbol)
	r.Side = Side(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	r.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(r.OrderType))))
}

func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	switch r.Side {
	case SideBuy, SideSell:
	case "":
		return &ValidationError{Field: "side", Reason: "is required"}
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be BUY or SELL, got %q", r.Side)}
	}
	switch r.OrderType {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
	case "":
		return &ValidationError{Field: "order_type", Reason: "is required"}
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unsupported %q", r.OrderType)}
	}
	if !finite(r.Quantity) || r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be > 0"}
	}
	if r.Price != nil && (!finite(*r.Price) || *r.Price <= 0) {
		return &ValidationError{Field: "price", Reason: "must be > 0"}
	}
	if r.Notional != nil && (!finite(*r.Notional) || *r.Notional < 0) {
		return &ValidationError{Field: "notional", Reason: "must be >= 0"}
	}
	if r.Notional == nil && r.Price == nil {
		return &ValidationError{Field: "notional", Reason: "or price must be provided"}
	}
	if r.Leverage != nil && (!finite(*r.Leverage) || *r.Leverage <= 0) {
		return &ValidationError{Field: "leverage", Reason: "must be > 0"}
	}
	return nil
}

// OrderNotional is the explicit notional or price * quantity.
func (r OrderRequest) OrderNotional() float64 {
	if r.Notional != nil {
		return *r.Notional
	}
	if r.Price != nil {
		return *r.Price * r.Quantity
	}
	return 0
}

// OrderLeverage defaults to 1 when not provided.
func (r OrderRequest) OrderLeverage() float64 {
	if r.Leverage != nil {
		return *r.Leverage
	}
	return 1
}

// Flags is the compact risk view attached to decisions and heartbeat acks.
type Flags struct {
	Halted         bool    `json:"halted"`
	HaltReason     string  `json:"halt_reason,omitempty"`
	RiskMultiplier float64 `json:"risk_multiplier"`
	PolicyMode     string  `json:"policy_mode"`
}

// Decision is the synchronous answer to an order request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Flags   Flags  `json:"risk_flags"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
