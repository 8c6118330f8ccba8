package shadow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
)

// psiEpsilon floors empty bin proportions so the log term stays finite.
const psiEpsilon = 1e-4

// DriftState is the health of the live feature distribution.
type DriftState int

const (
	DriftHealthy DriftState = iota
	DriftWarning
	DriftDetected
)

func (s DriftState) String() string {
	switch s {
	case DriftWarning:
		return "WARNING"
	case DriftDetected:
		return "DRIFT"
	}
	return "HEALTHY"
}

func (s DriftState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type DriftConfig struct {
	Bins           int
	Window         int
	ReferenceSize  int
	AlertThreshold float64
	DriftThreshold float64
	Interval       time.Duration
}

func (c *DriftConfig) setDefaults() {
	if c.Bins < 2 {
		c.Bins = 10
	}
	if c.Window <= 0 {
		c.Window = 500
	}
	if c.ReferenceSize <= 0 {
		c.ReferenceSize = 1000
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 0.1
	}
	if c.DriftThreshold <= c.AlertThreshold {
		c.DriftThreshold = 0.25
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}

// DriftReport is the outcome of one PSI check.
type DriftReport struct {
	State     DriftState         `json:"state"`
	PSI       map[string]float64 `json:"psi"`
	Max       float64            `json:"max_psi"`
	Feature   string             `json:"feature,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

func (r DriftReport) String() string {
	return fmt.Sprintf("%s: max psi %.4f on %s", r.State, r.Max, r.Feature)
}

// reference is a frozen binning of one feature.
type reference struct {
	edges []float64
	props []float64
}

type feature struct {
	collecting []float64
	ref        *reference
	live       []float64
	next       int
	full       bool
}

// DriftDetector compares live feature windows with a reference
// distribution using the Population Stability Index.
type DriftDetector struct {
	cfg DriftConfig
	bus *events.Bus
	rec *monitor.Recorder
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	features map[string]*feature
	last     DriftReport
	onDrift  []func(DriftReport)
}

func NewDriftDetector(cfg DriftConfig, bus *events.Bus, rec *monitor.Recorder, log zerolog.Logger) *DriftDetector {
	cfg.setDefaults()
	return &DriftDetector{
		cfg:      cfg,
		bus:      bus,
		rec:      rec,
		log:      log.With().Str("component", "drift").Logger(),
		now:      time.Now,
		features: make(map[string]*feature),
	}
}

// OnDrift registers fn to run each time a check enters the DRIFT state.
func (d *DriftDetector) OnDrift(fn func(DriftReport)) {
	d.mu.Lock()
	d.onDrift = append(d.onDrift, fn)
	d.mu.Unlock()
}

func (d *DriftDetector) feature(name string) *feature {
	f, ok := d.features[name]
	if !ok {
		f = &feature{live: make([]float64, d.cfg.Window)}
		d.features[name] = f
	}
	return f
}

// Promote discards all references and the last report; the next
// ReferenceSize observations of each feature become its new reference.
// Operators use it to accept a regime change after reviewing a drift halt.
func (d *DriftDetector) Promote() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.features {
		f.ref = nil
		f.collecting = nil
		f.next, f.full = 0, false
	}
	d.last = DriftReport{}
}

// Observe adds one live value. Until a reference exists values are
// collected into it instead.
func (d *DriftDetector) Observe(name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.feature(name)
	if f.ref == nil {
		f.collecting = append(f.collecting, v)
		if len(f.collecting) >= d.cfg.ReferenceSize {
			f.ref = buildReference(f.collecting, d.cfg.Bins)
			f.collecting = nil
			d.log.Info().Str("feature", name).Int("size", d.cfg.ReferenceSize).Msg("reference distribution captured")
		}
		return
	}
	f.live[f.next] = v
	f.next = (f.next + 1) % len(f.live)
	if f.next == 0 {
		f.full = true
	}
}

// Check computes PSI for every feature with a reference and enough live
// data. The report state follows the largest PSI.
func (d *DriftDetector) Check() DriftReport {
	d.mu.Lock()
	rep := DriftReport{PSI: make(map[string]float64), CheckedAt: d.now()}
	for name, f := range d.features {
		if f.ref == nil {
			continue
		}
		window := f.window()
		if len(window) < d.cfg.Bins {
			continue
		}
		psi := f.ref.psi(window)
		rep.PSI[name] = psi
		if rep.Feature == "" || psi > rep.Max {
			rep.Max, rep.Feature = psi, name
		}
	}
	switch {
	case rep.Max >= d.cfg.DriftThreshold:
		rep.State = DriftDetected
	case rep.Max >= d.cfg.AlertThreshold:
		rep.State = DriftWarning
	}
	prev := d.last.State
	d.last = rep
	var hooks []func(DriftReport)
	if rep.State == DriftDetected && prev != DriftDetected {
		hooks = append(hooks, d.onDrift...)
	}
	d.mu.Unlock()

	if d.rec != nil {
		for name, psi := range rep.PSI {
			d.rec.SetPSI(name, psi)
		}
	}
	d.report(rep, prev)
	for _, fn := range hooks {
		fn(rep)
	}
	return rep
}

func (d *DriftDetector) report(rep DriftReport, prev DriftState) {
	switch rep.State {
	case DriftWarning:
		d.log.Warn().Str("feature", rep.Feature).Float64("psi", rep.Max).Msg("feature drift warning")
		if prev != DriftWarning && d.bus != nil {
			d.bus.Publish(events.TypeDriftWarning, "", rep)
		}
	case DriftDetected:
		d.log.Error().Str("feature", rep.Feature).Float64("psi", rep.Max).Msg("feature drift detected")
		if prev != DriftDetected && d.bus != nil {
			d.bus.Publish(events.TypeDriftAlert, "", rep)
		}
	default:
		if prev != DriftHealthy {
			d.log.Info().Float64("psi", rep.Max).Msg("feature distribution healthy again")
		}
	}
}

// State returns the state of the most recent check.
func (d *DriftDetector) State() DriftState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.State
}

func (d *DriftDetector) Last() DriftReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Run checks every Interval until ctx is done.
func (d *DriftDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Check()
		}
	}
}

func (f *feature) window() []float64 {
	if f.full {
		return f.live
	}
	return f.live[:f.next]
}

// buildReference cuts values into equal-population bins.
func buildReference(values []float64, bins int) *reference {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		edges = append(edges, sorted[i*len(sorted)/bins])
	}
	r := &reference{edges: edges}
	r.props = r.proportions(values)
	return r
}

func (r *reference) bin(v float64) int {
	return sort.Search(len(r.edges), func(i int) bool { return r.edges[i] > v })
}

func (r *reference) proportions(values []float64) []float64 {
	counts := make([]float64, len(r.edges)+1)
	for _, v := range values {
		counts[r.bin(v)]++
	}
	n := float64(len(values))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

// psi is sum((actual-expected) * ln(actual/expected)) over the reference
// bins, with empty bins floored at psiEpsilon.
func (r *reference) psi(live []float64) float64 {
	actual := r.proportions(live)
	var total float64
	for i, e := range r.props {
		a := math.Max(actual[i], psiEpsilon)
		e = math.Max(e, psiEpsilon)
		total += (a - e) * math.Log(a/e)
	}
	return total
}

// PSI bins expected into equal-population buckets and scores actual
// against them.
func PSI(expected, actual []float64, bins int) float64 {
	ref := buildReference(expected, bins)
	if ref == nil || len(actual) == 0 {
		return 0
	}
	return ref.psi(actual)
}

// FeatureExtractor turns ticks into the features the detector watches.
type FeatureExtractor struct {
	mu   sync.Mutex
	prev map[string]float64
}

// Feature names produced by FeatureExtractor.
const (
	FeatureLogReturn = "log_return"
	FeatureSpreadBps = "spread_bps"
)

func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{prev: make(map[string]float64)}
}

// Feed extracts features from t into d.
func (x *FeatureExtractor) Feed(d *DriftDetector, t market.Tick) {
	mid := t.Mid()
	if mid <= 0 {
		return
	}
	x.mu.Lock()
	prev, ok := x.prev[t.Symbol]
	x.prev[t.Symbol] = mid
	x.mu.Unlock()

	d.Observe(FeatureSpreadBps, t.Spread()/mid*10000)
	if ok && prev > 0 {
		d.Observe(FeatureLogReturn, math.Log(mid/prev))
	}
}
