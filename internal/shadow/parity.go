package shadow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execution-core/internal/order"
	"execution-core/internal/strategy"
)

// Line markers in the parity log.
const (
	MarkerShadow = "[SHADOW]"
	MarkerLive   = "[LIVE]"
)

// ParityRecord is one line of the parity log.
type ParityRecord struct {
	Marker     string                `json:"marker"`
	Time       time.Time             `json:"time"`
	Mode       Mode                  `json:"mode"`
	OrderID    string                `json:"order_id"`
	Symbol     string                `json:"symbol"`
	Side       order.Side            `json:"side"`
	Volume     float64               `json:"volume"`
	Baseline   strategy.Signal       `json:"baseline"`
	Challenger *strategy.Signal      `json:"challenger,omitempty"`
	Result     order.ExecutionResult `json:"result"`
}

func record(marker string, mode Mode, in Intent, res order.ExecutionResult, now time.Time) ParityRecord {
	return ParityRecord{
		Marker:     marker,
		Time:       now.UTC(),
		Mode:       mode,
		OrderID:    in.Order.ID,
		Symbol:     in.Order.Symbol,
		Side:       in.Order.Side,
		Volume:     in.Order.Volume,
		Baseline:   in.Signal,
		Challenger: in.Challenger,
		Result:     res,
	}
}

// ParityLog appends JSON lines. A nil *ParityLog discards everything.
type ParityLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	n    int64
}

// OpenParityLog appends to path, creating parent directories.
func OpenParityLog(path string) (*ParityLog, error) {
	p := &ParityLog{path: path}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewParityWriter logs to w without file management.
func NewParityWriter(w io.Writer) *ParityLog {
	return &ParityLog{w: bufio.NewWriter(w)}
}

func (p *ParityLog) open() error {
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("shadow: parity dir: %w", err)
		}
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("shadow: open parity log: %w", err)
	}
	p.file = f
	p.w = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (p *ParityLog) Append(r ParityRecord) error {
	if p == nil {
		return nil
	}
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return os.ErrClosed
	}
	if _, err := p.w.Write(append(line, '\n')); err != nil {
		return err
	}
	p.n++
	return nil
}

// Lines returns how many records were appended since open.
func (p *ParityLog) Lines() int64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Flush writes buffered lines through to the underlying writer.
func (p *ParityLog) Flush() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(false)
}

func (p *ParityLog) flushLocked(sync bool) error {
	if p.w == nil {
		return nil
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	if sync && p.file != nil {
		return p.file.Sync()
	}
	return nil
}

// Rotate syncs the current file, renames it with a timestamp suffix and
// starts a new one. It returns the rotated file name.
func (p *ParityLog) Rotate(now time.Time) (string, error) {
	if p == nil || p.file == nil {
		return "", nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushLocked(true); err != nil {
		return "", err
	}
	if err := p.file.Close(); err != nil {
		return "", err
	}
	rotated := fmt.Sprintf("%s.%s", p.path, now.UTC().Format("20060102T150405"))
	if err := os.Rename(p.path, rotated); err != nil {
		return "", err
	}
	return rotated, p.open()
}

func (p *ParityLog) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.flushLocked(true)
	if p.file != nil {
		if cerr := p.file.Close(); err == nil {
			err = cerr
		}
		p.file = nil
	}
	p.w = nil
	return err
}
