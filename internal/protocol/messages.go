// Package protocol defines the Brain/Gateway wire format and the Brain-side client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execution-core/internal/order"
	"execution-core/pkg/broker"
)

// MessageType names a request on the link.
type MessageType string

const (
	TypeOrderOpen  MessageType = "ORDER_OPEN"
	TypeOrderClose MessageType = "ORDER_CLOSE"
	TypeGetAccount MessageType = "GET_ACCOUNT"
	TypePing       MessageType = "PING"
	TypePong       MessageType = "PONG"
)

// StatusOK is the reply status for PING and GET_ACCOUNT.
const StatusOK = "ok"

var ErrMalformedMessage = errors.New("protocol: malformed message")

// Request is one JSON text frame sent Brain -> Gateway. Fields not used by
// a message type are omitted.
type Request struct {
	Type       MessageType `json:"type"`
	UUID       string      `json:"uuid"`
	Timestamp  time.Time   `json:"timestamp"`
	Symbol     string      `json:"symbol,omitempty"`
	Side       order.Side  `json:"side,omitempty"`
	Volume     float64     `json:"volume,omitempty"`
	SL         float64     `json:"sl,omitempty"`
	TP         float64     `json:"tp,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Price      float64     `json:"price,omitempty"`
	Signature  string      `json:"signature,omitempty"`
	TTLSeconds int         `json:"ttl_seconds,omitempty"`
	Ticket     string      `json:"ticket,omitempty"`
}

// Reply is one JSON text frame sent Gateway -> Brain, correlated by UUID.
type Reply struct {
	Type         MessageType `json:"type"`
	UUID         string      `json:"uuid"`
	Status       string      `json:"status"`
	Ticket       string      `json:"ticket,omitempty"`
	FillPrice    float64     `json:"fill_price,omitempty"`
	ClosePrice   float64     `json:"close_price,omitempty"`
	Profit       float64     `json:"profit,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Error        string      `json:"error,omitempty"`
	NonFinancial bool        `json:"non_financial,omitempty"`
	LatencyMs    float64     `json:"latency_ms"`
	ServerTime   int64       `json:"server_time,omitempty"`
	NodeID       string      `json:"node_id,omitempty"`

	// GET_ACCOUNT replies carry the snapshot fields at the top level.
	*broker.AccountSnapshot
}

// NewOrderOpen builds the ORDER_OPEN frame. Timestamp carries CreatedAt so
// the gateway can rebuild the exact order the checksum covers.
func NewOrderOpen(s order.SignedOrder) Request {
	return Request{
		Type:       TypeOrderOpen,
		UUID:       s.ID,
		Timestamp:  s.CreatedAt,
		Symbol:     s.Symbol,
		Side:       s.Side,
		Volume:     s.Volume,
		SL:         s.StopLoss,
		TP:         s.TakeProfit,
		Comment:    s.Comment,
		Price:      s.Price,
		Signature:  s.Signature,
		TTLSeconds: s.TTLSeconds,
	}
}

func NewOrderClose(req order.CloseRequest, now time.Time) Request {
	return Request{
		Type:      TypeOrderClose,
		UUID:      req.ID,
		Timestamp: now,
		Symbol:    req.Symbol,
		Volume:    req.Volume,
		Ticket:    req.Ticket,
	}
}

// SignedOrder rebuilds the signed order carried by an ORDER_OPEN frame.
func (r Request) SignedOrder() order.SignedOrder {
	return order.SignedOrder{
		Order: order.Order{
			ID:         r.UUID,
			Symbol:     r.Symbol,
			Side:       r.Side,
			Volume:     r.Volume,
			StopLoss:   r.SL,
			TakeProfit: r.TP,
			Comment:    r.Comment,
			Price:      r.Price,
			CreatedAt:  r.Timestamp,
		},
		Signature:  r.Signature,
		TTLSeconds: r.TTLSeconds,
	}
}

func (r Request) CloseRequest() order.CloseRequest {
	return order.CloseRequest{ID: r.UUID, Ticket: r.Ticket, Symbol: r.Symbol, Volume: r.Volume}
}

// DecodeRequest parses a frame and checks the envelope.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if r.UUID == "" || r.Type == "" {
		return r, fmt.Errorf("%w: missing type or uuid", ErrMalformedMessage)
	}
	return r, nil
}

// ReplyFromResult renders an execution result for the wire.
func ReplyFromResult(typ MessageType, res order.ExecutionResult) Reply {
	return Reply{
		Type:         typ,
		UUID:         res.RequestID,
		Status:       string(res.Status),
		Ticket:       res.Ticket,
		FillPrice:    res.FillPrice,
		ClosePrice:   res.ClosePrice,
		Profit:       res.Profit,
		ErrorCode:    res.ErrorCode,
		Error:        res.Error,
		NonFinancial: res.NonFinancial,
		LatencyMs:    res.LatencyMs,
	}
}

// Result converts an order reply back into an execution result.
func (r Reply) Result() order.ExecutionResult {
	return order.ExecutionResult{
		RequestID:    r.UUID,
		Status:       order.Status(r.Status),
		Ticket:       r.Ticket,
		FillPrice:    r.FillPrice,
		ClosePrice:   r.ClosePrice,
		Profit:       r.Profit,
		ErrorCode:    r.ErrorCode,
		Error:        r.Error,
		NonFinancial: r.NonFinancial,
		LatencyMs:    r.LatencyMs,
	}
}

// Pong is the decoded answer to a PING.
type Pong struct {
	ServerTime time.Time
	NodeID     string
	RTT        time.Duration
}
