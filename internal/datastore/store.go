// Package datastore implements C5: versioned, indexed, compressed storage
// for arbitrary data items, plus dataset-level grouping. Grounded on the
// on-disk layout in spec.md §6 and on the teacher's
// internal/cache/redis.go structured-logging style, applied to file I/O
// instead of network I/O.
package datastore

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
	"retrotrain/internal/idhash"
)

// ItemMetadata is M: every data item's required header plus any
// caller-supplied extra fields.
type ItemMetadata struct {
	ID                 string         `json:"id"`
	IngestionTimestamp time.Time      `json:"ingestion_timestamp"`
	Type               string         `json:"type"`
	SourceID           string         `json:"source_id"`
	Tags               []string       `json:"tags,omitempty"`
	DatasetName        string         `json:"dataset_name,omitempty"`
	DatasetID          string         `json:"dataset_id,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Item bundles an opaque payload with its metadata.
type Item struct {
	Payload  []byte
	Metadata ItemMetadata
}

type indexSet map[string][]string

type onDiskIndices struct {
	ByID        indexSet `json:"by_id"`
	ByType      indexSet `json:"by_type"`
	BySource    indexSet `json:"by_source"`
	ByTimestamp indexSet `json:"by_timestamp"`
	ByTag       indexSet `json:"by_tag"`
}

// Store is C5.
type Store struct {
	mu sync.RWMutex

	root              string
	versioningEnabled bool
	maxVersions       int
	compressionLevel  int
	defaultRetention  int

	byID        indexSet
	byType      indexSet
	bySource    indexSet
	byTimestamp indexSet
	byTag       indexSet

	cache *layeredCache
}

// NewStore builds a data store rooted at cfg.StorageRoot, loading any
// existing indices from disk.
func NewStore(cfg config.DataStoreConfig, shared cache.Cache) *Store {
	s := &Store{
		root:              cfg.StorageRoot,
		versioningEnabled: cfg.VersioningEnabled,
		maxVersions:       cfg.MaxVersions,
		compressionLevel:  cfg.CompressionLevel,
		defaultRetention:  cfg.RetentionDays,
		byID:              make(indexSet),
		byType:            make(indexSet),
		bySource:          make(indexSet),
		byTimestamp:       make(indexSet),
		byTag:             make(indexSet),
		cache:             newLayeredCache(1000, shared),
	}
	if s.maxVersions <= 0 {
		s.maxVersions = 5
	}
	if s.compressionLevel == 0 {
		s.compressionLevel = gzip.DefaultCompression
	}
	s.loadIndices()
	return s
}

func (s *Store) indicesPath() string { return filepath.Join(s.root, "indices", "indices.json") }

func (s *Store) itemDir(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, "data", prefix, id)
}

func (s *Store) metadataPath(id string) string { return filepath.Join(s.itemDir(id), "metadata.json") }
func (s *Store) latestPath(id string) string   { return filepath.Join(s.itemDir(id), "latest.data") }
func (s *Store) versionPath(id string, v int) string {
	return filepath.Join(s.itemDir(id), fmt.Sprintf("v%d.data", v))
}

// loadIndices restores indices from disk; corruption yields empty indices
// with a logged warning and never raises, per §4.5's failure semantics.
func (s *Store) loadIndices() {
	data, err := os.ReadFile(s.indicesPath())
	if err != nil {
		return
	}
	var doc onDiskIndices
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", s.indicesPath()).Msg("data store index corrupt, starting empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ByID != nil {
		s.byID = doc.ByID
	}
	if doc.ByType != nil {
		s.byType = doc.ByType
	}
	if doc.BySource != nil {
		s.bySource = doc.BySource
	}
	if doc.ByTimestamp != nil {
		s.byTimestamp = doc.ByTimestamp
	}
	if doc.ByTag != nil {
		s.byTag = doc.ByTag
	}
}

// persistIndicesLocked must be called with s.mu held. Save failures are
// logged, not raised.
func (s *Store) persistIndicesLocked() {
	doc := onDiskIndices{ByID: s.byID, ByType: s.byType, BySource: s.bySource, ByTimestamp: s.byTimestamp, ByTag: s.byTag}
	encoded, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal data store indices")
		return
	}
	if err := atomicWrite(s.indicesPath(), encoded); err != nil {
		log.Error().Err(err).Msg("failed to persist data store indices")
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

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil // transparent fall-through for uncompressed data
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeFrom(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// currentVersion returns the highest version number found on disk for id,
// or 0 if none exists yet.
func (s *Store) currentVersion(id string) int {
	entries, err := os.ReadDir(s.itemDir(id))
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		var v int
		if _, err := fmt.Sscanf(e.Name(), "v%d.data", &v); err == nil && v > highest {
			highest = v
		}
	}
	return highest
}

// Store persists payload under the id derived from content-hashing
// payload and meta (or the caller-supplied meta.ID), writes the current
// and, when versioning is enabled, a new version file, and updates every
// index under one critical section. Index and stats mutation is guarded
// by s.mu; the data-file writes happen outside the lock.
func (s *Store) Store(payload []byte, meta *ItemMetadata) (string, error) {
	if meta == nil {
		meta = &ItemMetadata{}
	}
	if meta.IngestionTimestamp.IsZero() {
		meta.IngestionTimestamp = time.Now().UTC()
	}

	id := meta.ID
	if id == "" {
		canonicalMeta, err := json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("marshal metadata for id derivation: %w", err)
		}
		id = idhash.Sum128Hex(append(append([]byte{}, payload...), canonicalMeta...))
		meta.ID = id
	}

	compressed, err := compress(payload, s.compressionLevel)
	if err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}

	if err := os.MkdirAll(s.itemDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create item directory: %w", err)
	}

	version := 1
	if s.versioningEnabled {
		version = s.currentVersion(id) + 1
		if err := atomicWrite(s.versionPath(id, version), compressed); err != nil {
			return "", fmt.Errorf("write version file: %w", err)
		}
		s.pruneVersions(id, version)
	}
	if err := atomicWrite(s.latestPath(id), compressed); err != nil {
		return "", fmt.Errorf("write latest data file: %w", err)
	}

	encodedMeta, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := atomicWrite(s.metadataPath(id), encodedMeta); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	dateKey := meta.IngestionTimestamp.UTC().Format("2006-01-02")

	s.mu.Lock()
	s.byID[id] = []string{id}
	if meta.Type != "" {
		s.byType[meta.Type] = appendUnique(s.byType[meta.Type], id)
	}
	if meta.SourceID != "" {
		s.bySource[meta.SourceID] = appendUnique(s.bySource[meta.SourceID], id)
	}
	s.byTimestamp[dateKey] = appendUnique(s.byTimestamp[dateKey], id)
	for _, tag := range meta.Tags {
		s.byTag[tag] = appendUnique(s.byTag[tag], id)
	}
	s.persistIndicesLocked()
	s.mu.Unlock()

	s.cache.set("latest:"+id, payload, 0)

	return id, nil
}

// pruneVersions deletes version files older than the newVersion-maxVersions
// window, so at most maxVersions version files remain after every store
// call (exactly maxVersions once that many versions have been stored).
func (s *Store) pruneVersions(id string, newVersion int) {
	oldest := newVersion - s.maxVersions
	for v := 1; v <= oldest; v++ {
		os.Remove(s.versionPath(id, v))
	}
}

// Retrieve returns the payload for id. version nil means "latest".
func (s *Store) Retrieve(id string, version *int) ([]byte, bool) {
	if version == nil {
		if data, ok := s.cache.get("latest:" + id); ok {
			return data, true
		}
		compressed, err := os.ReadFile(s.latestPath(id))
		if err != nil {
			return nil, false
		}
		payload, err := decompress(compressed)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("failed to decompress latest payload")
			return nil, false
		}
		s.cache.set("latest:"+id, payload, 0)
		return payload, true
	}

	compressed, err := os.ReadFile(s.versionPath(id, *version))
	if err != nil {
		return nil, false
	}
	payload, err := decompress(compressed)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Int("version", *version).Msg("failed to decompress versioned payload")
		return nil, false
	}
	return payload, true
}

// RetrieveMetadata returns the metadata document for id.
func (s *Store) RetrieveMetadata(id string) (*ItemMetadata, bool) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, false
	}
	var meta ItemMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to parse item metadata")
		return nil, false
	}
	return &meta, true
}

// Query is the set of index lookups accepted by RetrieveByQuery.
type Query struct {
	ID       string
	Type     string
	SourceID string
	Date     string // YYYY-MM-DD
	Tag      string
}

// RetrieveByQuery resolves q's non-empty fields against their matching
// index and returns the intersection of ids, hydrated into Items.
func (s *Store) RetrieveByQuery(q Query) []Item {
	s.mu.RLock()
	var sets [][]string
	if q.ID != "" {
		sets = append(sets, s.byID[q.ID])
	}
	if q.Type != "" {
		sets = append(sets, s.byType[q.Type])
	}
	if q.SourceID != "" {
		sets = append(sets, s.bySource[q.SourceID])
	}
	if q.Date != "" {
		sets = append(sets, s.byTimestamp[q.Date])
	}
	if q.Tag != "" {
		sets = append(sets, s.byTag[q.Tag])
	}
	s.mu.RUnlock()

	if len(sets) == 0 {
		return nil
	}
	ids := intersectAll(sets)

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		payload, ok := s.Retrieve(id, nil)
		if !ok {
			continue
		}
		meta, ok := s.RetrieveMetadata(id)
		if !ok {
			continue
		}
		items = append(items, Item{Payload: payload, Metadata: *meta})
	}
	return items
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
	sort.Strings(out)
	return out
}

// Cleanup removes every item whose ingestion date precedes the retention
// cutoff, rebuilding indices and storage under one critical section per
// spec.md §4.5. retentionDays nil uses the store's configured default.
func (s *Store) Cleanup(retentionDays *int) int {
	days := s.defaultRetention
	if retentionDays != nil {
		days = *retentionDays
	}
	if days <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	cutoffKey := cutoff.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	ctx := context.Background()
	for dateKey, ids := range s.byTimestamp {
		if dateKey >= cutoffKey {
			continue
		}
		for _, id := range ids {
			os.RemoveAll(s.itemDir(id))
			s.cache.local.Delete(ctx, "latest:"+id)
			if s.cache.shared != nil {
				s.cache.shared.Delete(ctx, "latest:"+id)
			}
			delete(s.byID, id)
			for t, tids := range s.byType {
				s.byType[t] = removeFrom(tids, id)
			}
			for src, sids := range s.bySource {
				s.bySource[src] = removeFrom(sids, id)
			}
			for tag, tagids := range s.byTag {
				s.byTag[tag] = removeFrom(tagids, id)
			}
			removed++
		}
		delete(s.byTimestamp, dateKey)
	}

	s.persistIndicesLocked()
	return removed
}

// ExportRows is a target-language stand-in for the source's
// export_to_dataframe: a tabular, ad-hoc-analysis export over every item
// matching q (an empty Query matches every item in the by_id index).
func (s *Store) ExportRows(q Query) []map[string]any {
	var items []Item
	if q == (Query{}) {
		s.mu.RLock()
		ids := make([]string, 0)
		for id := range s.byID {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		for _, id := range ids {
			if meta, ok := s.RetrieveMetadata(id); ok {
				payload, _ := s.Retrieve(id, nil)
				items = append(items, Item{Payload: payload, Metadata: *meta})
			}
		}
	} else {
		items = s.RetrieveByQuery(q)
	}

	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, map[string]any{
			"id":                  it.Metadata.ID,
			"type":                it.Metadata.Type,
			"source_id":           it.Metadata.SourceID,
			"tags":                it.Metadata.Tags,
			"ingestion_timestamp": it.Metadata.IngestionTimestamp,
			"payload_size":        len(it.Payload),
		})
	}
	return rows
}
