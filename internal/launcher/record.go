// Package launcher gates live trading on an admitted DecisionRecord and
// keeps a Guardian watching the running system.
package launcher

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Verdicts written by the admission process.
const (
	VerdictGo   = "GO"
	VerdictNoGo = "NO_GO"
)

var (
	ErrNoRecord      = errors.New("launcher: no decision record configured")
	ErrHashMismatch  = errors.New("launcher: decision hash mismatch")
	ErrNotGo         = errors.New("launcher: verdict is not GO")
	ErrLowConfidence = errors.New("launcher: confidence below minimum")
	ErrConsumed      = errors.New("launcher: decision record already used")
)

// DecisionRecord is the admission outcome for one model version.
// DecisionHash covers every other field.
type DecisionRecord struct {
	Model        string             `json:"model" yaml:"model"`
	Version      string             `json:"version" yaml:"version"`
	Verdict      string             `json:"verdict" yaml:"verdict"`
	Confidence   float64            `json:"confidence" yaml:"confidence"`
	Symbols      []string           `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Notes        string             `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt    time.Time          `json:"created_at" yaml:"created_at"`
	DecisionHash string             `json:"decision_hash" yaml:"decision_hash"`
}

// LoadRecord reads a JSON or YAML record, choosing by file extension.
func LoadRecord(path string) (DecisionRecord, error) {
	var r DecisionRecord
	raw, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("launcher: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &r)
	default:
		err = json.Unmarshal(raw, &r)
	}
	if err != nil {
		return r, fmt.Errorf("launcher: parse %s: %w", path, err)
	}
	return r, nil
}

// ComputeHash returns the hex SHA-256 of the canonical JSON encoding of
// the record without its hash.
func (r DecisionRecord) ComputeHash() (string, error) {
	c := r
	c.DecisionHash = ""
	c.CreatedAt = c.CreatedAt.UTC()
	c.Verdict = strings.ToUpper(strings.TrimSpace(c.Verdict))
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Seal sets DecisionHash from the current contents.
func (r *DecisionRecord) Seal() error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.DecisionHash = h
	return nil
}

// Verify checks the hash, the verdict and the confidence floor, in that order.
func (r DecisionRecord) Verify(minConfidence float64) error {
	want, err := r.ComputeHash()
	if err != nil {
		return err
	}
	got := strings.ToLower(strings.TrimSpace(r.DecisionHash))
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrHashMismatch
	}
	if !strings.EqualFold(strings.TrimSpace(r.Verdict), VerdictGo) {
		return fmt.Errorf("%w: %q", ErrNotGo, r.Verdict)
	}
	if r.Confidence < minConfidence {
		return fmt.Errorf("%w: %.3f < %.3f", ErrLowConfidence, r.Confidence, minConfidence)
	}
	return nil
}
