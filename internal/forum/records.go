// Package forum defines the records the miner extracts from thread
// pages and serializes into each thread's metadata.json.
package forum

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// SchemaVersion is stamped into every metadata.json so downstream
// consumers can detect layout changes.
const SchemaVersion = "1.0"

// PostRecord is one post in a thread, original post included.
// PostNumber starts at 1 for the opening post.
type PostRecord struct {
	Author      string `json:"author"`
	PostDate    string `json:"post_date,omitempty"`
	PostText    string `json:"post_text"`
	PostNumber  int    `json:"post_number"`
	PostID      string `json:"post_id"`
	ContentHash string `json:"content_hash,omitempty"`
}

// PostID derives the stable identifier for a post within a thread.
func PostID(threadID string, postNumber int) string {
	return fmt.Sprintf("%s-%d", threadID, postNumber)
}

// AssetRecord is a downloadable attachment found in a thread.
// Size, Checksum, MimeType, ETag and LastModified are populated after
// the file has actually been downloaded.
type AssetRecord struct {
	Filename      string `json:"filename"`
	URL           string `json:"url"`
	Size          int64  `json:"size,omitempty"`
	DownloadCount int    `json:"download_count,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	PostNumber    int    `json:"post_number,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	FileType      string `json:"file_type"`
}

// ExtensionOf returns the lowercase extension of a filename, dot
// included, or "" when there is none.
func ExtensionOf(filename string) string {
	return strings.ToLower(path.Ext(filename))
}

// ThreadRecord is the complete scrape result for one thread. It is the
// shape written to metadata.json.
type ThreadRecord struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Author   string `json:"author"`
	PostDate string `json:"post_date,omitempty"`

	// PostText mirrors posts[0].post_text for older consumers.
	PostText string `json:"post_text"`

	Posts   []PostRecord  `json:"posts"`
	Replies int           `json:"replies"`
	Views   int           `json:"views"`
	Assets  []AssetRecord `json:"assets"`

	AssetTypes        []string `json:"asset_types"`
	AssetTypeCategory string   `json:"asset_type_category"`

	SchemaVersion string `json:"schema_version"`
	ScrapedAt     string `json:"scraped_at"`
}

// ComputeAssetTypes returns the sorted distinct extensions across the
// thread's assets.
func (t *ThreadRecord) ComputeAssetTypes() []string {
	seen := make(map[string]struct{})
	for _, a := range t.Assets {
		if a.FileType != "" {
			seen[a.FileType] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for ft := range seen {
		types = append(types, ft)
	}
	sort.Strings(types)
	return types
}

// ComputeAssetTypeCategory maps the asset types to the single folder
// label used by the output layout: "no_assets" when the thread has no
// attachments, "mixed" when it carries more than one extension, and
// the bare extension ("xml", "zip", ...) otherwise.
func (t *ThreadRecord) ComputeAssetTypeCategory() string {
	types := t.ComputeAssetTypes()
	switch {
	case len(types) == 0:
		return "no_assets"
	case len(types) > 1:
		return "mixed"
	default:
		return strings.TrimPrefix(types[0], ".")
	}
}

// Finalize fills every derived field so the record is ready for
// serialization. Call after posts and assets are complete.
func (t *ThreadRecord) Finalize(scrapedAt string) {
	for i := range t.Assets {
		t.Assets[i].FileType = ExtensionOf(t.Assets[i].Filename)
	}
	if len(t.Posts) > 0 {
		t.Author = t.Posts[0].Author
		t.PostDate = t.Posts[0].PostDate
		t.PostText = t.Posts[0].PostText
	}
	t.AssetTypes = t.ComputeAssetTypes()
	t.AssetTypeCategory = t.ComputeAssetTypeCategory()
	t.SchemaVersion = SchemaVersion
	t.ScrapedAt = scrapedAt
}
