package order

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Journal is an append-only log of orders handed to the transport. An
// order is written (and fsynced) before it is sent and resolved once a
// result comes back, so after a crash the unresolved entries are exactly
// the orders whose fate at the broker is unknown.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	pending map[string]SignedOrder
	log     zerolog.Logger
}

type journalEntry struct {
	Action string           `json:"action"` // SUBMIT or RESOLVE
	Order  *SignedOrder     `json:"order,omitempty"`
	ID     string           `json:"id"`
	Result *ExecutionResult `json:"result,omitempty"`
	At     time.Time        `json:"at"`
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{
		path:    path,
		file:    f,
		pending: make(map[string]SignedOrder),
		log:     log.With().Str("component", "order_journal").Logger(),
	}, nil
}

// Recover replays the file and returns orders submitted but never
// resolved. The file is compacted to those entries.
func (j *Journal) Recover() ([]SignedOrder, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("journal: open for recovery: %w", err)
	}
	defer f.Close()

	submitted := make(map[string]SignedOrder)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			j.log.Warn().Err(err).Msg("skipping unreadable journal line")
			continue
		}
		switch e.Action {
		case "SUBMIT":
			if e.Order != nil {
				submitted[e.ID] = *e.Order
				order = append(order, e.ID)
			}
		case "RESOLVE":
			delete(submitted, e.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}

	var unresolved []SignedOrder
	for _, id := range order {
		if o, ok := submitted[id]; ok {
			unresolved = append(unresolved, o)
			j.pending[id] = o
			delete(submitted, id)
		}
	}
	if err := j.compactLocked(unresolved); err != nil {
		return unresolved, err
	}
	if len(unresolved) > 0 {
		j.log.Warn().Int("count", len(unresolved)).Msg("orders with unknown broker state found in journal")
	}
	return unresolved, nil
}

func (j *Journal) compactLocked(keep []SignedOrder) error {
	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range keep {
		o := keep[i]
		if err := enc.Encode(journalEntry{Action: "SUBMIT", ID: o.ID, Order: &o, At: o.CreatedAt}); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("journal: compact: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: compact sync: %w", err)
	}
	f.Close()

	j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("journal: compact rename: %w", err)
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

// Submit durably records o before it goes on the wire.
func (j *Journal) Submit(o SignedOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendLocked(journalEntry{Action: "SUBMIT", ID: o.ID, Order: &o, At: time.Now()}, true); err != nil {
		return err
	}
	j.pending[o.ID] = o
	return nil
}

// Resolve marks id as answered. Resolution is not fsynced: losing it in a
// crash only makes the order look ambiguous on the next start.
func (j *Journal) Resolve(id string, res ExecutionResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.pending[id]; !ok {
		return
	}
	if err := j.appendLocked(journalEntry{Action: "RESOLVE", ID: id, Result: &res, At: time.Now()}, false); err != nil {
		j.log.Error().Err(err).Str("id", id).Msg("journal resolve write failed")
	}
	delete(j.pending, id)
}

func (j *Journal) appendLocked(e journalEntry, sync bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// Pending returns the number of unresolved orders.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	j.file.Sync()
	err := j.file.Close()
	j.file = nil
	return err
}
