// Package state tracks what the miner has already scraped, at thread,
// post, and asset granularity, so each run only touches what changed.
package state

// SchemaVersion guards against loading state written by an
// incompatible layout.
const SchemaVersion = "1.0"

// ThreadState records a thread as last seen, including the reply
// counter that gates refetching.
type ThreadState struct {
	ThreadID       string `json:"thread_id"`
	URL            string `json:"url"`
	LastSeenAt     string `json:"last_seen_at"`
	ReplyCountSeen int    `json:"reply_count_seen"`
	ViewsSeen      int    `json:"views_seen"`
}

// PostState records one post's content hash for change detection.
type PostState struct {
	PostID      string `json:"post_id"`
	ThreadID    string `json:"thread_id"`
	PostNumber  int    `json:"post_number"`
	ContentHash string `json:"content_hash"`
	ObservedAt  string `json:"observed_at"`
}

// AssetState records a downloaded asset together with the HTTP
// validators used to decide whether it needs re-downloading.
type AssetState struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	ContentHash  string `json:"content_hash"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
	DownloadedAt string `json:"downloaded_at"`
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
}

// CrawlState is the persisted root: every tracked thread, post, and
// asset keyed by id or URL.
type CrawlState struct {
	SchemaVersion string                 `json:"schema_version"`
	LastUpdated   string                 `json:"last_updated,omitempty"`
	Threads       map[string]ThreadState `json:"threads"`
	Posts         map[string]PostState   `json:"posts"`
	Assets        map[string]AssetState  `json:"assets"`
}

// NewCrawlState returns an empty state with all maps allocated.
func NewCrawlState() *CrawlState {
	return &CrawlState{
		SchemaVersion: SchemaVersion,
		Threads:       make(map[string]ThreadState),
		Posts:         make(map[string]PostState),
		Assets:        make(map[string]AssetState),
	}
}

func (s *CrawlState) ensureMaps() {
	if s.Threads == nil {
		s.Threads = make(map[string]ThreadState)
	}
	if s.Posts == nil {
		s.Posts = make(map[string]PostState)
	}
	if s.Assets == nil {
		s.Assets = make(map[string]AssetState)
	}
}
