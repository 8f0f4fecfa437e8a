package output

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ma2tools/forums-miner/internal/forum"
)

const indexFile = "asset_type_index.json"

// IndexThread identifies a thread inside the asset type index.
type IndexThread struct {
	ThreadID string   `json:"thread_id"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Files    []string `json:"files,omitempty"`

	AssetTypes []string `json:"asset_types,omitempty"`
}

// AssetTypeIndex groups scraped threads by the extensions of their
// attachments, with a separate list of threads that carry more than
// one extension.
type AssetTypeIndex struct {
	ByType           map[string][]IndexThread `json:"by_type"`
	MultiTypeThreads []IndexThread            `json:"multi_type_threads"`
}

// BuildIndex assembles the index from finalized thread records.
// Threads without assets do not appear.
func BuildIndex(records []forum.ThreadRecord) AssetTypeIndex {
	index := AssetTypeIndex{
		ByType:           make(map[string][]IndexThread),
		MultiTypeThreads: []IndexThread{},
	}

	sorted := append([]forum.ThreadRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ThreadID < sorted[j].ThreadID })

	for _, rec := range sorted {
		if len(rec.AssetTypes) == 0 {
			continue
		}

		for _, ft := range rec.AssetTypes {
			var files []string
			for _, a := range rec.Assets {
				if a.FileType == ft {
					files = append(files, a.Filename)
				}
			}
			index.ByType[ft] = append(index.ByType[ft], IndexThread{
				ThreadID: rec.ThreadID,
				Title:    rec.Title,
				URL:      rec.URL,
				Files:    files,
			})
		}

		if len(rec.AssetTypes) > 1 {
			index.MultiTypeThreads = append(index.MultiTypeThreads, IndexThread{
				ThreadID:   rec.ThreadID,
				Title:      rec.Title,
				URL:        rec.URL,
				AssetTypes: rec.AssetTypes,
			})
		}
	}
	return index
}

// WriteIndex builds and atomically writes asset_type_index.json at
// the sink root.
func (s *Sink) WriteIndex(records []forum.ThreadRecord) error {
	index := BuildIndex(records)
	raw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, indexFile), raw)
}
