// Package trust maintains a Beta(alpha, beta) trust estimate per rule key
// and a buffer that coalesces updates before they reach the tracker.
package trust

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog/log"
)

const (
	defaultPriorAlpha = 1.0
	defaultPriorBeta  = 1.0
	defaultMaxHistory = 100
)

// Update is a single trust-update event for one rule key.
type Update struct {
	Key       string
	Succeeded bool
	Weight    float64
}

// HistoryPoint is one (timestamp, mean) sample in a rule's trust history.
type HistoryPoint struct {
	Time time.Time
	Mean float64
}

// ruleState holds the Beta parameters and cached derivations for one key.
type ruleState struct {
	alpha      float64
	beta       float64
	history    []HistoryPoint
	lastUpdate time.Time
	cachedMean float64
	cacheValid bool
}

// Config controls the tracker's prior and history cap.
type Config struct {
	MaxHistory int
	PriorAlpha float64
	PriorBeta  float64
}

// Tracker is the thread-safe Beta(alpha, beta) trust estimator, C1.
//
// A single sync.RWMutex guards the whole map, mirroring the registry
// pattern the teacher uses for its processor/worker registries: batch
// operations acquire it once so contention per batch is O(1) rather than
// O(len(updates)).
type Tracker struct {
	mu         sync.RWMutex
	rules      map[string]*ruleState
	maxHistory int
	priorA     float64
	priorB     float64
}

// NewTracker builds an empty tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	priorA := cfg.PriorAlpha
	if priorA <= 0 {
		priorA = defaultPriorAlpha
	}
	priorB := cfg.PriorBeta
	if priorB <= 0 {
		priorB = defaultPriorBeta
	}

	return &Tracker{
		rules:      make(map[string]*ruleState),
		maxHistory: maxHistory,
		priorA:     priorA,
		priorB:     priorB,
	}
}

func (t *Tracker) getOrCreateLocked(key string) *ruleState {
	rs, ok := t.rules[key]
	if !ok {
		rs = &ruleState{alpha: t.priorA, beta: t.priorB}
		t.rules[key] = rs
	}
	return rs
}

func meanOf(rs *ruleState) float64 {
	return rs.alpha / (rs.alpha + rs.beta)
}

func (t *Tracker) applyLocked(rs *ruleState, succeeded bool, weight float64, now time.Time) {
	if weight <= 0 {
		weight = 1.0
	}
	if succeeded {
		rs.alpha += weight
	} else {
		rs.beta += weight
	}
	rs.lastUpdate = now
	rs.cacheValid = false

	rs.history = append(rs.history, HistoryPoint{Time: now, Mean: meanOf(rs)})
	if len(rs.history) > t.maxHistory {
		rs.history = rs.history[len(rs.history)-t.maxHistory:]
	}
}

// Update atomically applies a single success/failure event for key.
func (t *Tracker) Update(key string, succeeded bool, weight float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := t.getOrCreateLocked(key)
	t.applyLocked(rs, succeeded, weight, time.Now())
}

// BatchUpdate applies every update under a single critical section. The
// final (alpha, beta) per key does not depend on input order (addition is
// commutative); history entries are appended in input order and share a
// single "now" timestamp within the batch.
func (t *Tracker) BatchUpdate(updates []Update) {
	if len(updates) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, u := range updates {
		rs := t.getOrCreateLocked(u.Key)
		t.applyLocked(rs, u.Succeeded, u.Weight, now)
	}
}

// GetTrust returns the posterior mean for key without creating any state:
// a key that has never been updated reports the prior mean but is not
// inserted into t.rules. State is created on first update, not first read.
// The per-key cache is a pure optimization: it never changes what this
// method returns.
func (t *Tracker) GetTrust(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.rules[key]
	if !ok {
		return t.priorA / (t.priorA + t.priorB)
	}
	if rs.cacheValid {
		return rs.cachedMean
	}
	rs.cachedMean = meanOf(rs)
	rs.cacheValid = true
	return rs.cachedMean
}

// GetTrustBatch vectorizes GetTrust under one critical section, likewise
// never inserting state for a key that has never been updated.
func (t *Tracker) GetTrustBatch(keys []string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	priorMean := t.priorA / (t.priorA + t.priorB)

	out := make(map[string]float64, len(keys))
	for _, key := range keys {
		rs, ok := t.rules[key]
		if !ok {
			out[key] = priorMean
			continue
		}
		if !rs.cacheValid {
			rs.cachedMean = meanOf(rs)
			rs.cacheValid = true
		}
		out[key] = rs.cachedMean
	}
	return out
}

// ConfidenceInterval is a clipped [0,1] interval around the trust mean.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
}

// GetConfidenceInterval returns the z-scored, [0,1]-clipped interval for key.
func (t *Tracker) GetConfidenceInterval(key string, z float64) ConfidenceInterval {
	if z <= 0 {
		z = 1.96
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rs, ok := t.rules[key]
	if !ok {
		return ConfidenceInterval{Lower: 0, Upper: 1}
	}

	n := rs.alpha + rs.beta
	mu := meanOf(rs)
	se := math.Sqrt(mu * (1 - mu) / n)

	lower := clip01(mu - z*se)
	upper := clip01(mu + z*se)
	return ConfidenceInterval{Lower: lower, Upper: upper}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetConfidenceStrength returns the logistic of the effective sample size
// shifted by 10, i.e. sigma(0.1*(n-10)) where n = alpha+beta-2.
func (t *Tracker) GetConfidenceStrength(key string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rs, ok := t.rules[key]
	if !ok {
		return logistic(0.1 * (0 - 10))
	}

	n := rs.alpha + rs.beta - 2
	return logistic(0.1 * (n - 10))
}

func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// ApplyDecay shrinks key's (alpha, beta) toward the prior, provided the
// current sample size exceeds minCount. factor must be in (0, 1].
func (t *Tracker) ApplyDecay(key string, factor float64, minCount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.rules[key]
	if !ok {
		return
	}
	t.decayLocked(rs, factor, minCount)
}

func (t *Tracker) decayLocked(rs *ruleState, factor float64, minCount float64) {
	if rs.alpha+rs.beta <= minCount {
		return
	}
	rs.alpha = math.Max(1, rs.alpha*factor)
	rs.beta = math.Max(1, rs.beta*factor)
	rs.cacheValid = false
}

// ApplyGlobalDecay applies ApplyDecay to every known key under one lock.
func (t *Tracker) ApplyGlobalDecay(factor float64, minCount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rs := range t.rules {
		t.decayLocked(rs, factor, minCount)
	}
}

// PurgeOldTimestamps truncates every key's history to its most recent
// maxHistory entries. It does not touch (alpha, beta); callers must
// tolerate histories shorter than the total number of updates applied.
func (t *Tracker) PurgeOldTimestamps(maxHistory int) {
	if maxHistory <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rs := range t.rules {
		if len(rs.history) > maxHistory {
			rs.history = rs.history[len(rs.history)-maxHistory:]
		}
	}
}

// Keys returns every rule key currently tracked.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BatchMeanStdDev reports the mean and standard deviation of the current
// trust means across keys. The coordinator's run summary does not include
// these figures.
func (t *Tracker) BatchMeanStdDev(keys []string) (mean float64, stddev float64) {
	values := t.GetTrustBatch(keys)
	if len(values) == 0 {
		return 0, 0
	}

	data := make(stats.Float64Data, 0, len(values))
	for _, v := range values {
		data = append(data, v)
	}

	m, err := stats.Mean(data)
	if err != nil {
		return 0, 0
	}
	sd, err := stats.StandardDeviation(data)
	if err != nil {
		sd = 0
	}
	return m, sd
}

// exportDocument is the on-disk JSON shape described in spec §6.
type exportDocument struct {
	Stats      map[string][2]float64  `json:"stats"`
	LastUpdate map[string]int64       `json:"last_update"`
	Timestamps map[string]rawHistory  `json:"timestamps"`
	ExportTime int64                  `json:"export_time"`
}

// rawHistory supports both the current {times,values} shape and the
// legacy [[t,mu],...] shape on import.
type rawHistory struct {
	Times  []int64   `json:"times,omitempty"`
	Values []float64 `json:"values,omitempty"`
	Legacy [][2]float64 `json:"-"`
}

func (r *rawHistory) UnmarshalJSON(data []byte) error {
	// Try the current object shape first.
	type alias struct {
		Times  []int64   `json:"times"`
		Values []float64 `json:"values"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err == nil && (a.Times != nil || a.Values != nil) {
		r.Times = a.Times
		r.Values = a.Values
		return nil
	}

	// Fall back to the legacy [[t,mu], ...] shape.
	var legacy [][2]float64
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	r.Legacy = legacy
	return nil
}

func (r rawHistory) MarshalJSON() ([]byte, error) {
	type alias struct {
		Times  []int64   `json:"times"`
		Values []float64 `json:"values"`
	}
	return json.Marshal(alias{Times: r.Times, Values: r.Values})
}

// ExportToFile writes the tracker's full state as JSON, using a
// write-to-temp-then-atomic-rename discipline so a crash mid-write never
// corrupts the previous export.
func (t *Tracker) ExportToFile(path string) error {
	t.mu.RLock()
	doc := exportDocument{
		Stats:      make(map[string][2]float64, len(t.rules)),
		LastUpdate: make(map[string]int64, len(t.rules)),
		Timestamps: make(map[string]rawHistory, len(t.rules)),
		ExportTime: time.Now().Unix(),
	}
	for key, rs := range t.rules {
		doc.Stats[key] = [2]float64{rs.alpha, rs.beta}
		doc.LastUpdate[key] = rs.lastUpdate.Unix()

		times := make([]int64, len(rs.history))
		values := make([]float64, len(rs.history))
		for i, hp := range rs.history {
			times[i] = hp.Time.Unix()
			values[i] = hp.Mean
		}
		doc.Timestamps[key] = rawHistory{Times: times, Values: values}
	}
	t.mu.RUnlock()

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".trust-export-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ImportFromFile replaces all in-memory state from path. On any I/O or
// parse failure it leaves the tracker untouched and returns false -
// import never raises to the caller.
func (t *Tracker) ImportFromFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("trust tracker import failed to read file")
		return false
	}

	var doc exportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("trust tracker import failed to parse file")
		return false
	}

	rules := make(map[string]*ruleState, len(doc.Stats))
	for key, ab := range doc.Stats {
		rs := &ruleState{alpha: ab[0], beta: ab[1]}

		if lu, ok := doc.LastUpdate[key]; ok {
			rs.lastUpdate = time.Unix(lu, 0)
		}

		if hist, ok := doc.Timestamps[key]; ok {
			if len(hist.Legacy) > 0 {
				rs.history = make([]HistoryPoint, len(hist.Legacy))
				for i, pair := range hist.Legacy {
					rs.history[i] = HistoryPoint{Time: time.Unix(int64(pair[0]), 0), Mean: pair[1]}
				}
			} else {
				n := len(hist.Times)
				if len(hist.Values) < n {
					n = len(hist.Values)
				}
				rs.history = make([]HistoryPoint, n)
				for i := 0; i < n; i++ {
					rs.history[i] = HistoryPoint{Time: time.Unix(hist.Times[i], 0), Mean: hist.Values[i]}
				}
			}
		}

		rules[key] = rs
	}

	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()
	return true
}
