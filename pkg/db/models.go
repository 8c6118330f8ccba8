package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrAlreadyConsumed = errors.New("db: decision record already consumed")

// RiskEvent is one persisted bus event. Payload is JSON.
type RiskEvent struct {
	Seq     uint64
	Type    string
	Symbol  string
	Time    time.Time
	Payload string
}

// Execution is the final result of one order request.
type Execution struct {
	RequestID    string
	Kind         string
	Symbol       string
	Side         string
	Volume       float64
	Status       string
	Ticket       string
	FillPrice    float64
	ClosePrice   float64
	Profit       float64
	ErrorCode    string
	Error        string
	NonFinancial bool
	LatencyMs    float64
	Mode         string
	CreatedAt    time.Time
}

// ConsumedDecision marks a DecisionRecord as used for a launch.
type ConsumedDecision struct {
	Hash       string
	Model      string
	Verdict    string
	Confidence float64
	NodeID     string
	ConsumedAt time.Time
}

// Op is a single parameterised statement, used by batched writers.
type Op struct {
	Query string
	Args  []any
}

// InsertRiskEventOp builds the insert for e.
func InsertRiskEventOp(e RiskEvent) Op {
	return Op{
		Query: `INSERT INTO risk_events (seq, type, symbol, time, payload) VALUES (?, ?, ?, ?, ?)`,
		Args:  []any{int64(e.Seq), e.Type, e.Symbol, e.Time.UTC().Format(timeLayout), e.Payload},
	}
}

// UpsertExecutionOp builds the insert-or-replace for x. A request id is
// stored once; a later result for the same id replaces the row.
func UpsertExecutionOp(x Execution) Op {
	if x.Mode == "" {
		x.Mode = "LIVE"
	}
	return Op{
		Query: `INSERT INTO executions (request_id, kind, symbol, side, volume, status, ticket, fill_price, close_price,
                profit, error_code, error, non_financial, latency_ms, mode, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(request_id) DO UPDATE SET status=excluded.status, ticket=excluded.ticket,
                fill_price=excluded.fill_price, close_price=excluded.close_price, profit=excluded.profit,
                error_code=excluded.error_code, error=excluded.error, non_financial=excluded.non_financial,
                latency_ms=excluded.latency_ms`,
		Args: []any{x.RequestID, x.Kind, x.Symbol, x.Side, x.Volume, x.Status, x.Ticket, x.FillPrice, x.ClosePrice,
			x.Profit, x.ErrorCode, x.Error, boolInt(x.NonFinancial), x.LatencyMs, x.Mode, x.CreatedAt.UTC().Format(timeLayout)},
	}
}

func (d *Database) exec(ctx context.Context, op Op) error {
	_, err := d.DB.ExecContext(ctx, op.Query, op.Args...)
	return err
}

func (d *Database) InsertRiskEvent(ctx context.Context, e RiskEvent) error {
	return d.exec(ctx, InsertRiskEventOp(e))
}

func (d *Database) RecordExecution(ctx context.Context, x Execution) error {
	return d.exec(ctx, UpsertExecutionOp(x))
}

// ListRiskEvents returns the newest events first. An empty typ matches all.
func (d *Database) ListRiskEvents(ctx context.Context, typ string, limit int) ([]RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, type, COALESCE(symbol, ''), time, COALESCE(payload, '') FROM risk_events`
	args := []any{}
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY time DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RiskEvent
	for rows.Next() {
		var (
			e   RiskEvent
			seq int64
			ts  string
		)
		if err := rows.Scan(&seq, &e.Type, &e.Symbol, &ts, &e.Payload); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Time, _ = time.Parse(timeLayout, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExecutions returns the newest executions first, optionally for one symbol.
func (d *Database) ListExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT request_id, kind, symbol, COALESCE(side, ''), volume, status, COALESCE(ticket, ''), fill_price,
        close_price, profit, COALESCE(error_code, ''), COALESCE(error, ''), non_financial, latency_ms,
        COALESCE(mode, 'LIVE'), created_at FROM executions`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			x      Execution
			nonFin int
			ts     string
		)
		if err := rows.Scan(&x.RequestID, &x.Kind, &x.Symbol, &x.Side, &x.Volume, &x.Status, &x.Ticket, &x.FillPrice,
			&x.ClosePrice, &x.Profit, &x.ErrorCode, &x.Error, &nonFin, &x.LatencyMs, &x.Mode, &ts); err != nil {
			return nil, err
		}
		x.NonFinancial = nonFin != 0
		x.CreatedAt, _ = time.Parse(timeLayout, ts)
		out = append(out, x)
	}
	return out, rows.Err()
}

// ConsumeDecision records c. It fails with ErrAlreadyConsumed when the
// hash was used before.
func (d *Database) ConsumeDecision(ctx context.Context, c ConsumedDecision) error {
	res, err := d.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO consumed_decisions (decision_hash, model, verdict, confidence, node_id, consumed_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		c.Hash, c.Model, c.Verdict, c.Confidence, c.NodeID, c.ConsumedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("consume decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

// GetConsumedDecision returns nil when hash was never consumed.
func (d *Database) GetConsumedDecision(ctx context.Context, hash string) (*ConsumedDecision, error) {
	var (
		c      ConsumedDecision
		nodeID sql.NullString
		ts     string
	)
	err := d.DB.QueryRowContext(ctx,
		`SELECT decision_hash, model, verdict, confidence, node_id, consumed_at FROM consumed_decisions WHERE decision_hash = ?`,
		hash).Scan(&c.Hash, &c.Model, &c.Verdict, &c.Confidence, &nodeID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.NodeID = nodeID.String
	c.ConsumedAt, _ = time.Parse(timeLayout, ts)
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
