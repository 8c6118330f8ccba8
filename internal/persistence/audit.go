package persistence

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Audit persists every bus event, and every trade outcome as an
// execution row, through a BatchWriter.
type Audit struct {
	bus    *events.Bus
	writer *BatchWriter
	log    zerolog.Logger
	unsub  func()
}

func NewAudit(bus *events.Bus, writer *BatchWriter, log zerolog.Logger) *Audit {
	return &Audit{bus: bus, writer: writer, log: log.With().Str("component", "audit").Logger()}
}

func (a *Audit) Start() {
	a.unsub = a.bus.Subscribe("audit", 4096, a.handle)
}

// Stop unsubscribes and flushes what was queued.
func (a *Audit) Stop() error {
	if a.unsub != nil {
		a.unsub()
	}
	return a.writer.Flush()
}

func (a *Audit) handle(e events.Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		a.log.Warn().Err(err).Str("type", string(e.Type)).Msg("event payload not serialisable")
		payload = []byte("null")
	}
	a.writer.Write(db.InsertRiskEventOp(db.RiskEvent{
		Seq:     e.Seq,
		Type:    string(e.Type),
		Symbol:  e.Symbol,
		Time:    e.Time,
		Payload: string(payload),
	}))

	if out, ok := e.Payload.(risk.TradeOutcome); ok {
		a.writer.Write(db.UpsertExecutionOp(executionRow(out, e)))
	}
}

func executionRow(out risk.TradeOutcome, e events.Event) db.Execution {
	r := out.Result
	id := r.RequestID
	if id == "" {
		id = out.OrderID
	}
	return db.Execution{
		RequestID:    id,
		Kind:         string(out.Kind),
		Symbol:       out.Symbol,
		Side:         string(out.Side),
		Volume:       out.Volume,
		Status:       string(r.Status),
		Ticket:       r.Ticket,
		FillPrice:    r.FillPrice,
		ClosePrice:   r.ClosePrice,
		Profit:       r.Profit,
		ErrorCode:    r.ErrorCode,
		Error:        r.Error,
		NonFinancial: r.NonFinancial,
		LatencyMs:    r.LatencyMs,
		CreatedAt:    e.Time,
	}
}
