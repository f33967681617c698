package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"retrotrain/internal/cache"
	"retrotrain/internal/config"
)

// CostStatus is the track_cost status band.
type CostStatus string

const (
	CostOK       CostStatus = "ok"
	CostWarning  CostStatus = "warning"
	CostCritical CostStatus = "critical"
	CostShutdown CostStatus = "shutdown"
)

// CostSnapshot is the result of TrackCost.
type CostSnapshot struct {
	TotalCost  float64
	APICalls   int
	TokenUsage int
	Status     CostStatus
}

// summary mirrors the on-disk "counts, time range, and cost totals"
// document described in spec.md §4.3.
type summary struct {
	Count      int       `json:"count"`
	EarliestAt time.Time `json:"earliest_at,omitempty"`
	LatestAt   time.Time `json:"latest_at,omitempty"`
	TotalCost  float64   `json:"total_cost"`
	APICalls   int       `json:"api_calls"`
	TokenUsage int       `json:"token_usage"`
}

// indexSet is one of the four inverted mappings (by_type, by_model,
// by_date, by_tag): key -> list of record ids.
type indexSet map[string][]string

// Store is C3, the append-mostly metric record store.
type Store struct {
	mu sync.RWMutex

	root             string
	compressionLevel int
	maxCacheSize     int

	byType  indexSet
	byModel indexSet
	byDate  indexSet
	byTag   indexSet

	sum summary

	warnThreshold     float64
	criticalThreshold float64
	shutdownThreshold float64

	localCache *cache.LRUCache
	shared     cache.Cache // optional, e.g. Redis; nil if not configured
}

// NewStore builds a metrics store rooted at cfg.StorageRoot, loading any
// existing indices and summary from disk. shared may be nil.
func NewStore(cfg config.MetricsConfig, shared cache.Cache) *Store {
	s := &Store{
		root:              cfg.StorageRoot,
		compressionLevel:  cfg.CompressionLevel,
		maxCacheSize:      cfg.MaxCacheSize,
		byType:            make(indexSet),
		byModel:           make(indexSet),
		byDate:            make(indexSet),
		byTag:             make(indexSet),
		warnThreshold:     cfg.CostWarnThreshold,
		criticalThreshold: cfg.CostCriticalThreshold,
		shutdownThreshold: cfg.CostShutdownThreshold,
		localCache:        cache.NewLRUCache(cfg.MaxCacheSize),
		shared:            shared,
	}

	if s.compressionLevel == 0 {
		s.compressionLevel = gzip.DefaultCompression
	}

	s.loadIndices()
	s.loadSummary()
	return s
}

func (s *Store) indicesPath() string  { return filepath.Join(s.root, "indices", "indices.json") }
func (s *Store) summaryPath() string  { return filepath.Join(s.root, "metadata", "summary.json") }
func (s *Store) recordDir(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, "data", prefix)
}
func (s *Store) recordPath(id string) string {
	return filepath.Join(s.recordDir(id), id+".json.gz")
}

type onDiskIndices struct {
	ByType  indexSet `json:"by_type"`
	ByModel indexSet `json:"by_model"`
	ByDate  indexSet `json:"by_date"`
	ByTag   indexSet `json:"by_tag"`
}

// loadIndices restores the four inverted mappings from disk. Corruption
// yields empty indices with a logged warning, matching §4.3's failure
// semantics; it never raises.
func (s *Store) loadIndices() {
	data, err := os.ReadFile(s.indicesPath())
	if err != nil {
		return // no prior indices; empty is the correct starting state
	}

	var doc onDiskIndices
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", s.indicesPath()).Msg("metrics store index corrupt, starting empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ByType != nil {
		s.byType = doc.ByType
	}
	if doc.ByModel != nil {
		s.byModel = doc.ByModel
	}
	if doc.ByDate != nil {
		s.byDate = doc.ByDate
	}
	if doc.ByTag != nil {
		s.byTag = doc.ByTag
	}
}

func (s *Store) loadSummary() {
	data, err := os.ReadFile(s.summaryPath())
	if err != nil {
		return
	}
	var sum summary
	if err := json.Unmarshal(data, &sum); err != nil {
		log.Warn().Err(err).Str("path", s.summaryPath()).Msg("metrics store summary corrupt, resetting")
		return
	}
	s.mu.Lock()
	s.sum = sum
	s.mu.Unlock()
}

// persistIndicesLocked must be called with s.mu held for reading. Index
// save failures are logged, not raised (§4.5/§7 PermanentIO policy,
// applied symmetrically here).
func (s *Store) persistIndicesLocked() {
	doc := onDiskIndices{ByType: s.byType, ByModel: s.byModel, ByDate: s.byDate, ByTag: s.byTag}
	encoded, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal metrics indices")
		return
	}
	if err := atomicWrite(s.indicesPath(), encoded); err != nil {
		log.Error().Err(err).Msg("failed to persist metrics indices")
	}
}

func (s *Store) persistSummaryLocked() {
	encoded, err := json.Marshal(s.sum)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal metrics summary")
		return
	}
	if err := atomicWrite(s.summaryPath(), encoded); err != nil {
		log.Error().Err(err).Msg("failed to persist metrics summary")
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress transparently falls through when data is not gzip-compressed,
// per §4.3's "read path must transparently fall through" requirement.
func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	defer r.Close()
	out, err := readAllGzip(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readAllGzip(r *gzip.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

// StoreMetric persists record, updates all four indices and the summary,
// and warms the cache. Write failures raise to the caller.
func (s *Store) StoreMetric(r Record) (string, error) {
	r.applyDefaults()

	encoded, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal metric record: %w", err)
	}
	payload, err := compress(encoded, s.compressionLevel)
	if err != nil {
		return "", fmt.Errorf("compress metric record: %w", err)
	}

	dir := s.recordDir(r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create record directory: %w", err)
	}
	if err := atomicWrite(s.recordPath(r.ID), payload); err != nil {
		return "", fmt.Errorf("write metric record: %w", err)
	}

	s.mu.Lock()
	s.byType[r.MetricType] = appendUnique(s.byType[r.MetricType], r.ID)
	if r.Model != "" {
		s.byModel[r.Model] = appendUnique(s.byModel[r.Model], r.ID)
	}
	s.byDate[r.dateKey()] = appendUnique(s.byDate[r.dateKey()], r.ID)
	for _, tag := range r.Tags {
		s.byTag[tag] = appendUnique(s.byTag[tag], r.ID)
	}

	s.sum.Count++
	if s.sum.EarliestAt.IsZero() || r.Timestamp.Before(s.sum.EarliestAt) {
		s.sum.EarliestAt = r.Timestamp
	}
	if r.Timestamp.After(s.sum.LatestAt) {
		s.sum.LatestAt = r.Timestamp
	}

	s.persistIndicesLocked()
	s.persistSummaryLocked()
	s.mu.Unlock()

	s.localCache.Set(context.Background(), r.ID, encoded, 0)
	if s.shared != nil {
		if err := s.shared.Set(context.Background(), "metric:"+r.ID, encoded, 0); err != nil {
			log.Debug().Err(err).Str("id", r.ID).Msg("shared cache set failed for metric record")
		}
	}

	return r.ID, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// GetMetric returns a record by id, consulting the cache before disk.
func (s *Store) GetMetric(id string) (*Record, bool) {
	ctx := context.Background()

	if data, err := s.localCache.Get(ctx, id); err == nil {
		var r Record
		if json.Unmarshal(data, &r) == nil {
			return &r, true
		}
	}
	if s.shared != nil {
		if data, err := s.shared.Get(ctx, "metric:"+id); err == nil {
			var r Record
			if json.Unmarshal(data, &r) == nil {
				s.localCache.Set(ctx, id, data, 0)
				return &r, true
			}
		}
	}

	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, false
	}
	raw, err := decompress(data)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to decompress metric record")
		return nil, false
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to parse metric record")
		return nil, false
	}

	s.localCache.Set(ctx, id, raw, 0)
	return &r, true
}

// QueryFilter is the set of optional filters accepted by QueryMetrics.
type QueryFilter struct {
	MetricTypes []string
	Models      []string
	Tags        []string
	StartDate   *time.Time
	EndDate     *time.Time
	Limit       int
}

// QueryMetrics returns the set-intersection of every supplied filter's
// matching ids, sorted by timestamp descending, then truncated to Limit.
func (s *Store) QueryMetrics(f QueryFilter) []Record {
	s.mu.RLock()
	var sets [][]string
	if len(f.MetricTypes) > 0 {
		sets = append(sets, unionOf(s.byType, f.MetricTypes))
	}
	if len(f.Models) > 0 {
		sets = append(sets, unionOf(s.byModel, f.Models))
	}
	if len(f.Tags) > 0 {
		sets = append(sets, unionOf(s.byTag, f.Tags))
	}
	if f.StartDate != nil || f.EndDate != nil {
		sets = append(sets, s.idsInDateRangeLocked(f.StartDate, f.EndDate))
	}

	var ids []string
	if len(sets) == 0 {
		// No filter supplied: union of every id in by_type.
		ids = unionOf(s.byType, keysOf(s.byType))
	} else {
		ids = intersectAll(sets)
	}
	s.mu.RUnlock()

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.GetMetric(id); ok {
			records = append(records, *r)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}

func keysOf(idx indexSet) []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	return keys
}

func unionOf(idx indexSet, keys []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		for _, id := range idx[k] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// idsInDateRangeLocked must be called with s.mu held. Both bounds are
// inclusive. Comparisons use parsed date keys, not raw string comparison
// of the full ISO-8601 timestamp (see DESIGN.md's open-question
// decision on date-range filtering).
func (s *Store) idsInDateRangeLocked(start, end *time.Time) []string {
	var out []string
	for dateStr, ids := range s.byDate {
		d, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if start != nil && d.Before(truncateToDate(*start)) {
			continue
		}
		if end != nil && d.After(truncateToDate(*end)) {
			continue
		}
		out = append(out, ids...)
	}
	return out
}

func truncateToDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func intersectAll(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}
	var out []string
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	return out
}

// TrackCost increments the summary's cost fields and reports the
// configured threshold band.
func (s *Store) TrackCost(cost float64, apiCalls, tokenUsage int) CostSnapshot {
	s.mu.Lock()
	s.sum.TotalCost += cost
	s.sum.APICalls += apiCalls
	s.sum.TokenUsage += tokenUsage
	total := s.sum.TotalCost
	calls := s.sum.APICalls
	tokens := s.sum.TokenUsage
	s.persistSummaryLocked()
	s.mu.Unlock()

	status := CostOK
	switch {
	case s.shutdownThreshold > 0 && total >= s.shutdownThreshold:
		status = CostShutdown
	case s.criticalThreshold > 0 && total >= s.criticalThreshold:
		status = CostCritical
	case s.warnThreshold > 0 && total >= s.warnThreshold:
		status = CostWarning
	}

	return CostSnapshot{TotalCost: total, APICalls: calls, TokenUsage: tokens, Status: status}
}

// GetMetricsByFilter performs a linear scan over every stored record,
// matching each key/value pair in filter against the record's metrics map
// or header fields. Intended for small deployments only, per §4.3.
func (s *Store) GetMetricsByFilter(filter map[string]any, limit int) []Record {
	s.mu.RLock()
	ids := unionOf(s.byType, keysOf(s.byType))
	s.mu.RUnlock()

	var out []Record
	for _, id := range ids {
		r, ok := s.GetMetric(id)
		if !ok || !matchesFilter(r, filter) {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchesFilter(r *Record, filter map[string]any) bool {
	for k, v := range filter {
		switch k {
		case "metric_type":
			if r.MetricType != v {
				return false
			}
		case "model":
			if r.Model != v {
				return false
			}
		case "rule_type":
			if r.RuleType != v {
				return false
			}
		default:
			if mv, ok := r.Metrics[k]; !ok || mv != v {
				return false
			}
		}
	}
	return true
}

// GetRecentMetrics is a convenience wrapper over QueryMetrics in descending
// time order.
func (s *Store) GetRecentMetrics(metricTypes []string, limit int) []Record {
	return s.QueryMetrics(QueryFilter{MetricTypes: metricTypes, Limit: limit})
}
