package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

func openDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBatchWriterFlushesOnClose(t *testing.T) {
	d := openDB(t)
	bw := NewBatchWriter(d.DB, 10, time.Hour, zerolog.Nop())
	for i := 0; i < 3; i++ {
		bw.Write(db.InsertRiskEventOp(db.RiskEvent{Seq: uint64(i + 1), Type: "risk.decision", Time: time.Now()}))
	}
	assert.Equal(t, 3, bw.Pending())
	require.NoError(t, bw.Close())

	rows, err := d.ListRiskEvents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	m := bw.Metrics()
	assert.Equal(t, uint64(3), m.TotalWrites)
	assert.Equal(t, uint64(0), m.TotalErrors)
}

func TestBatchWriterRollsBackBadBatch(t *testing.T) {
	d := openDB(t)
	bw := NewBatchWriter(d.DB, 10, time.Hour, zerolog.Nop())
	defer bw.Close()
	bw.Write(db.InsertRiskEventOp(db.RiskEvent{Seq: 1, Type: "a", Time: time.Now()}))
	bw.Write(db.Op{Query: "INSERT INTO nowhere VALUES (1)"})

	assert.Error(t, bw.Flush())
	rows, err := d.ListRiskEvents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, uint64(1), bw.Metrics().TotalErrors)
}

func TestAuditPersistsEventsAndExecutions(t *testing.T) {
	d := openDB(t)
	bus := events.NewBus(64, zerolog.Nop())
	bw := NewBatchWriter(d.DB, 100, time.Hour, zerolog.Nop())
	a := NewAudit(bus, bw, zerolog.Nop())
	a.Start()

	bus.Publish(events.TypeRiskDecision, "EURUSD", risk.DecisionEvent{OrderID: "o1", Decision: risk.Pass})
	bus.Publish(events.TypeTradeOutcome, "EURUSD", risk.TradeOutcome{
		OrderID: "o1", Symbol: "EURUSD", Side: order.SideBuy, Kind: risk.KindOpen, Volume: 0.01,
		Result: order.ExecutionResult{RequestID: "o1", Status: order.StatusFilled, Ticket: "100001", FillPrice: 1.0851},
	})
	bus.Close()
	require.NoError(t, a.Stop())
	require.NoError(t, bw.Close())

	evs, err := d.ListRiskEvents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	xs, err := d.ListExecutions(context.Background(), "EURUSD", 10)
	require.NoError(t, err)
	require.Len(t, xs, 1)
	assert.Equal(t, "FILLED", xs[0].Status)
	assert.Equal(t, "100001", xs[0].Ticket)
	assert.Equal(t, 0.01, xs[0].Volume)
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestExporterKeysBySymbol(t *testing.T) {
	bus := events.NewBus(64, zerolog.Nop())
	w := &memWriter{}
	x := NewExporter(bus, w, zerolog.Nop())
	x.Start()

	bus.Publish(events.TypeBreakerState, "GBPUSD", risk.BreakerEvent{Symbol: "GBPUSD", From: risk.StateClosed, To: risk.StateOpen})
	bus.Publish(events.TypeGuardianHalt, "", "latency")
	bus.Close()
	require.NoError(t, x.Stop())

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "GBPUSD", string(w.msgs[0].Key))
	assert.Equal(t, string(events.TypeGuardianHalt), string(w.msgs[1].Key))
	assert.Equal(t, "type", w.msgs[0].Headers[0].Key)
}
