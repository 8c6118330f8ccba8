// Package gateway is the execution side of the zero-trust link: it verifies
// risk pass tokens and routes authorised orders to the broker exactly once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/protocol"
	"execution-core/internal/signature"
	"execution-core/pkg/broker"
)

// Error codes specific to the gateway.
const (
	CodeStoreUnavailable = "IDEMPOTENCY_UNAVAILABLE"
	CodeMissingTicket    = "MISSING_TICKET"
)

type HandlerConfig struct {
	NodeID        string
	BrokerTimeout time.Duration
	// DuplicateWait bounds how long a duplicate of an executing request
	// waits for the original's result.
	DuplicateWait time.Duration
}

// Handler turns one decoded request into one reply. It is transport
// agnostic; Server feeds it from websocket frames.
type Handler struct {
	cfg    HandlerConfig
	auth   *signature.Authority
	broker broker.Adapter
	store  IdempotencyStore
	rec    *monitor.Recorder
	log    zerolog.Logger
	now    func() time.Time
}

func NewHandler(cfg HandlerConfig, auth *signature.Authority, b broker.Adapter, store IdempotencyStore, rec *monitor.Recorder, log zerolog.Logger) *Handler {
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 3 * time.Second
	}
	if cfg.DuplicateWait <= 0 {
		cfg.DuplicateWait = cfg.BrokerTimeout
	}
	return &Handler{
		cfg:    cfg,
		auth:   auth,
		broker: b,
		store:  store,
		rec:    rec,
		log:    log,
		now:    time.Now,
	}
}

// Handle dispatches req by type.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Reply {
	start := h.now()
	var reply protocol.Reply
	switch req.Type {
	case protocol.TypePing:
		reply = protocol.Reply{
			Type:       protocol.TypePong,
			UUID:       req.UUID,
			Status:     protocol.StatusOK,
			ServerTime: h.now().UnixMilli(),
			NodeID:     h.cfg.NodeID,
		}
	case protocol.TypeGetAccount:
		reply = h.account(ctx, req)
		reply.LatencyMs = millis(h.now().Sub(start))
	case protocol.TypeOrderOpen:
		// order replies carry the latency of their first execution
		reply = h.once(ctx, req, h.verifyOpen, h.open)
	case protocol.TypeOrderClose:
		reply = h.once(ctx, req, h.verifyClose, h.closePosition)
	default:
		reply = rejected(req, order.CodeUnknownType, "unknown message type "+string(req.Type))
	}
	if h.rec != nil {
		h.rec.RecordRequest(string(req.Type), reply.Status, reply.ErrorCode)
	}
	return reply
}

// once runs exec at most once per uuid. Failed verification is answered
// without touching the store, so only authorised requests are remembered.
func (h *Handler) once(
	ctx context.Context,
	req protocol.Request,
	verify func(protocol.Request) *protocol.Reply,
	exec func(context.Context, protocol.Request) order.ExecutionResult,
) protocol.Reply {
	if entry, ok, err := h.store.Lookup(ctx, req.UUID); err != nil {
		return h.storeDown(req, err)
	} else if ok {
		return h.replay(ctx, req, entry)
	}

	if refusal := verify(req); refusal != nil {
		return *refusal
	}

	entry, reserved, err := h.store.Reserve(ctx, req.UUID)
	if err != nil {
		return h.storeDown(req, err)
	}
	if !reserved {
		return h.replay(ctx, req, entry)
	}

	start := h.now()
	// a dropped connection must not abandon a broker call half way
	res, err := h.execute(context.WithoutCancel(ctx), req, exec)
	if err != nil {
		h.log.Error().Err(err).Str("uuid", req.UUID).Msg("execution aborted, reservation released")
		if rerr := h.store.Release(context.WithoutCancel(ctx), req.UUID); rerr != nil {
			h.log.Error().Err(rerr).Str("uuid", req.UUID).Msg("failed to release reservation")
		}
		res = order.ExecutionResult{Status: order.StatusError, ErrorCode: order.CodeBrokerError, Error: err.Error()}
	}
	res.RequestID = req.UUID
	res.LatencyMs = millis(h.now().Sub(start))

	reply := protocol.ReplyFromResult(req.Type, res)
	if err != nil {
		return reply
	}
	if err := h.store.Complete(context.WithoutCancel(ctx), req.UUID, reply); err != nil {
		h.log.Error().Err(err).Str("uuid", req.UUID).Msg("failed to record idempotent result")
	}
	return reply
}

// execute runs exec and turns a panic in the broker path into an error.
func (h *Handler) execute(ctx context.Context, req protocol.Request, exec func(context.Context, protocol.Request) order.ExecutionResult) (res order.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker call panicked: %v", r)
		}
	}()
	return exec(ctx, req), nil
}

// replay answers a repeated uuid with the first result. A duplicate that
// arrives while the original is executing waits for it; if it is still
// running after DuplicateWait the outcome is unknown and reported as TIMEOUT.
func (h *Handler) replay(ctx context.Context, req protocol.Request, entry Entry) protocol.Reply {
	if h.rec != nil {
		h.rec.RecordIdempotentHit()
	}
	if entry.Done {
		h.log.Info().Str("uuid", req.UUID).Str("status", entry.Reply.Status).Msg("idempotent replay")
		return entry.Reply
	}

	deadline := time.NewTimer(h.cfg.DuplicateWait)
	defer deadline.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return inFlight(req)
		case <-deadline.C:
			return inFlight(req)
		case <-poll.C:
			e, ok, err := h.store.Lookup(ctx, req.UUID)
			if err != nil {
				return h.storeDown(req, err)
			}
			if ok && e.Done {
				return e.Reply
			}
			if !ok {
				// the original released its reservation without a result
				return inFlight(req)
			}
		}
	}
}

func (h *Handler) verifyOpen(req protocol.Request) *protocol.Reply {
	signed := req.SignedOrder()
	if err := signed.Validate(); err != nil {
		r := rejected(req, order.CodeMalformedMessage, err.Error())
		return &r
	}
	if _, err := h.auth.Verify(signed); err != nil {
		code := order.CodeMalformed
		switch {
		case errors.Is(err, signature.ErrExpired):
			code = order.CodeExpired
		case errors.Is(err, signature.ErrChecksumMismatch):
			code = order.CodeChecksumMismatch
		}
		h.log.Warn().Err(err).Str("uuid", req.UUID).Str("symbol", req.Symbol).Str("code", code).Msg("order refused")
		r := rejected(req, code, err.Error())
		return &r
	}
	return nil
}

func (h *Handler) verifyClose(req protocol.Request) *protocol.Reply {
	if req.Ticket == "" {
		r := rejected(req, CodeMissingTicket, "ticket is required")
		return &r
	}
	return nil
}

func (h *Handler) open(ctx context.Context, req protocol.Request) order.ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BrokerTimeout)
	defer cancel()

	o := req.SignedOrder().Order
	start := time.Now()
	fill, err := h.broker.PlaceOrder(ctx, o)
	h.observeBroker("place", start)
	if err != nil {
		return h.brokerFailure(req, err)
	}
	h.log.Info().Str("uuid", req.UUID).Str("symbol", o.Symbol).Str("side", string(o.Side)).
		Float64("volume", o.Volume).Str("ticket", fill.Ticket).Float64("price", fill.Price).Msg("order filled")
	return order.ExecutionResult{Status: order.StatusFilled, Ticket: fill.Ticket, FillPrice: fill.Price}
}

func (h *Handler) closePosition(ctx context.Context, req protocol.Request) order.ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BrokerTimeout)
	defer cancel()

	start := time.Now()
	fill, err := h.broker.ClosePosition(ctx, req.CloseRequest())
	h.observeBroker("close", start)
	if err != nil {
		return h.brokerFailure(req, err)
	}
	h.log.Info().Str("uuid", req.UUID).Str("ticket", req.Ticket).Float64("price", fill.Price).
		Float64("profit", fill.Profit).Msg("position closed")
	return order.ExecutionResult{Status: order.StatusFilled, Ticket: req.Ticket, ClosePrice: fill.Price, Profit: fill.Profit}
}

func (h *Handler) account(ctx context.Context, req protocol.Request) protocol.Reply {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BrokerTimeout)
	defer cancel()

	start := time.Now()
	acct, err := h.broker.GetAccountInfo(ctx)
	h.observeBroker("account", start)
	if err != nil {
		return protocol.Reply{Type: req.Type, UUID: req.UUID, Status: string(order.StatusError),
			ErrorCode: order.CodeBrokerError, Error: err.Error(), NonFinancial: true}
	}
	return protocol.Reply{Type: req.Type, UUID: req.UUID, Status: protocol.StatusOK, AccountSnapshot: &acct}
}

func (h *Handler) brokerFailure(req protocol.Request, err error) order.ExecutionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		h.log.Error().Str("uuid", req.UUID).Dur("timeout", h.cfg.BrokerTimeout).Msg("broker call timed out")
		return order.ExecutionResult{Status: order.StatusTimeout, ErrorCode: order.CodeBrokerTimeout, Error: err.Error()}
	}
	be := broker.AsError(err)
	h.log.Warn().Str("uuid", req.UUID).Str("code", be.Code).Bool("non_financial", be.NonFinancial).
		Msg(be.Error())
	return order.ExecutionResult{
		Status:       order.StatusError,
		ErrorCode:    be.Code,
		Error:        be.Error(),
		NonFinancial: be.NonFinancial,
	}
}

func (h *Handler) observeBroker(op string, start time.Time) {
	if h.rec != nil {
		h.rec.RecordBrokerCall(op, time.Since(start))
	}
}

func (h *Handler) storeDown(req protocol.Request, err error) protocol.Reply {
	h.log.Error().Err(err).Str("uuid", req.UUID).Msg("idempotency store unavailable, refusing")
	return rejected(req, CodeStoreUnavailable, err.Error())
}

func rejected(req protocol.Request, code, msg string) protocol.Reply {
	return protocol.Reply{
		Type:         req.Type,
		UUID:         req.UUID,
		Status:       string(order.StatusRejected),
		ErrorCode:    code,
		Error:        msg,
		NonFinancial: true,
	}
}

func inFlight(req protocol.Request) protocol.Reply {
	return protocol.Reply{
		Type:      req.Type,
		UUID:      req.UUID,
		Status:    string(order.StatusTimeout),
		ErrorCode: order.CodeDuplicateInFlight,
		Error:     "original request still executing",
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
