package datastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"retrotrain/internal/idhash"
)

// DatasetMetadata is the dataset-level metadata document described in
// spec.md §3/§6.
type DatasetMetadata struct {
	DatasetName string    `json:"dataset_name"`
	DatasetID   string    `json:"dataset_id"`
	ItemCount   int       `json:"item_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) datasetDir(name string) string {
	return filepath.Join(s.root, "data", "datasets", name)
}

func (s *Store) datasetMetadataPath(name, datasetID string) string {
	return filepath.Join(s.datasetDir(name), datasetID+"_metadata.json")
}

func (s *Store) datasetItemsPath(name, datasetID string) string {
	return filepath.Join(s.datasetDir(name), datasetID+"_items.json")
}

// StoreDataset stores every item in items (tagging each item's metadata
// with the dataset fields), then writes an auxiliary metadata document and
// member-id list for the dataset as a whole.
func (s *Store) StoreDataset(name string, items []Item, createdAt time.Time) (string, error) {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	datasetID := idhash.Sum128Hex([]byte(fmt.Sprintf("%s|%s", name, createdAt.Format(time.RFC3339Nano))))

	memberIDs := make([]string, 0, len(items))
	for _, item := range items {
		meta := item.Metadata
		meta.DatasetName = name
		meta.DatasetID = datasetID
		id, err := s.Store(item.Payload, &meta)
		if err != nil {
			return "", fmt.Errorf("store dataset member: %w", err)
		}
		memberIDs = append(memberIDs, id)
	}

	datasetMeta := DatasetMetadata{
		DatasetName: name,
		DatasetID:   datasetID,
		ItemCount:   len(memberIDs),
		CreatedAt:   createdAt,
	}

	if err := os.MkdirAll(s.datasetDir(name), 0o755); err != nil {
		return "", fmt.Errorf("create dataset directory: %w", err)
	}

	encodedMeta, err := json.MarshalIndent(datasetMeta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dataset metadata: %w", err)
	}
	if err := atomicWrite(s.datasetMetadataPath(name, datasetID), encodedMeta); err != nil {
		return "", fmt.Errorf("write dataset metadata: %w", err)
	}

	encodedIDs, err := json.Marshal(memberIDs)
	if err != nil {
		return "", fmt.Errorf("marshal dataset member ids: %w", err)
	}
	if err := atomicWrite(s.datasetItemsPath(name, datasetID), encodedIDs); err != nil {
		return "", fmt.Errorf("write dataset member ids: %w", err)
	}

	return datasetID, nil
}

// RetrieveDataset returns every member item plus the dataset's metadata.
// When datasetID is empty, the most recently modified dataset metadata
// file under name is chosen.
func (s *Store) RetrieveDataset(name string, datasetID string) ([]Item, DatasetMetadata, error) {
	if datasetID == "" {
		latest, err := s.latestDatasetID(name)
		if err != nil {
			return nil, DatasetMetadata{}, err
		}
		datasetID = latest
	}

	metaBytes, err := os.ReadFile(s.datasetMetadataPath(name, datasetID))
	if err != nil {
		return nil, DatasetMetadata{}, fmt.Errorf("read dataset metadata: %w", err)
	}
	var datasetMeta DatasetMetadata
	if err := json.Unmarshal(metaBytes, &datasetMeta); err != nil {
		return nil, DatasetMetadata{}, fmt.Errorf("parse dataset metadata: %w", err)
	}

	idsBytes, err := os.ReadFile(s.datasetItemsPath(name, datasetID))
	if err != nil {
		return nil, DatasetMetadata{}, fmt.Errorf("read dataset member ids: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(idsBytes, &ids); err != nil {
		return nil, DatasetMetadata{}, fmt.Errorf("parse dataset member ids: %w", err)
	}

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

	return items, datasetMeta, nil
}

func (s *Store) latestDatasetID(name string) (string, error) {
	entries, err := os.ReadDir(s.datasetDir(name))
	if err != nil {
		return "", fmt.Errorf("no datasets stored under %q: %w", name, err)
	}

	type candidate struct {
		id      string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		const suffix = "_metadata.json"
		if len(e.Name()) <= len(suffix) || e.Name()[len(e.Name())-len(suffix):] != suffix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := e.Name()[:len(e.Name())-len(suffix)]
		candidates = append(candidates, candidate{id: id, modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no datasets stored under %q", name)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].id, nil
}

// GetAllDatasets lists every dataset's metadata document across every
// dataset name.
func (s *Store) GetAllDatasets() []DatasetMetadata {
	root := filepath.Join(s.root, "data", "datasets")
	names, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var out []DatasetMetadata
	for _, nameEntry := range names {
		if !nameEntry.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, nameEntry.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			const suffix = "_metadata.json"
			if len(e.Name()) <= len(suffix) || e.Name()[len(e.Name())-len(suffix):] != suffix {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, nameEntry.Name(), e.Name()))
			if err != nil {
				continue
			}
			var meta DatasetMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			out = append(out, meta)
		}
	}
	return out
}
