package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ma2tools/forums-miner/internal/forum"
)

var legacyThreadIDRe = regexp.MustCompile(`/thread/(\d+)-`)

// Store persists CrawlState as JSON and answers the delta questions:
// does this thread need refetching, does this asset need
// re-downloading. Safe for concurrent use.
type Store struct {
	path           string
	legacyManifest string
	logger         *zap.Logger

	mu    sync.Mutex
	state *CrawlState

	now func() time.Time
}

// NewStore builds a store persisting to path. legacyManifest names an
// old flat visited-URL manifest to migrate from when no state file
// exists yet; pass "" to skip migration.
func NewStore(path, legacyManifest string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:           path,
		legacyManifest: legacyManifest,
		logger:         logger,
		state:          NewCrawlState(),
		now:            time.Now,
	}
}

// Load reads the state file. When it is absent, a legacy manifest is
// migrated instead, and with neither present the store starts empty.
// A corrupt state file is not fatal: the run starts fresh.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err == nil {
		loaded := NewCrawlState()
		if uerr := json.Unmarshal(raw, loaded); uerr != nil {
			s.logger.Warn("state file unreadable, starting fresh",
				zap.String("path", s.path), zap.Error(uerr))
			s.state = NewCrawlState()
			return nil
		}
		loaded.ensureMaps()
		if loaded.SchemaVersion == "" {
			loaded.SchemaVersion = SchemaVersion
		}
		s.state = loaded
		s.logger.Info("loaded state",
			zap.String("path", s.path),
			zap.Int("threads", len(loaded.Threads)),
			zap.Int("posts", len(loaded.Posts)),
			zap.Int("assets", len(loaded.Assets)),
		)
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read state: %w", err)
	}

	if s.legacyManifest != "" {
		if migrated, ok := s.migrateLegacy(); ok {
			s.state = migrated
			return s.saveLocked()
		}
	}

	s.logger.Info("no state found, starting fresh")
	s.state = NewCrawlState()
	return nil
}

// migrateLegacy converts a flat visited-URL manifest into thread
// states with zero counters, so a later run refetches a thread as soon
// as its reply count is known to have grown.
func (s *Store) migrateLegacy() (*CrawlState, bool) {
	raw, err := os.ReadFile(s.legacyManifest)
	if err != nil {
		return nil, false
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		// Older manifests were objects keyed by URL.
		var keyed map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keyed); err != nil {
			s.logger.Warn("legacy manifest unreadable", zap.Error(err))
			return nil, false
		}
		for url := range keyed {
			urls = append(urls, url)
		}
	}

	migrated := NewCrawlState()
	seen := s.now().UTC().Format(time.RFC3339)
	for _, url := range urls {
		m := legacyThreadIDRe.FindStringSubmatch(url)
		if m == nil {
			continue
		}
		migrated.Threads[m[1]] = ThreadState{
			ThreadID:   m[1],
			URL:        url,
			LastSeenAt: seen,
		}
	}
	s.logger.Info("migrated legacy manifest",
		zap.String("path", s.legacyManifest),
		zap.Int("threads", len(migrated.Threads)),
	)
	return migrated, true
}

// Save writes the state atomically: a temp file in the same directory
// is renamed over the target, so a crash mid-write never leaves a
// truncated state file behind.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.state.LastUpdated = s.now().UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ShouldRefetchThread decides whether a known thread needs another
// pass. Unknown threads always fetch. A known thread refetches only
// when the board page shows more replies than last recorded; when the
// listing carries no stats the stored copy is trusted.
func (s *Store) ShouldRefetchThread(threadID string, currentReplies int, haveStats bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.state.Threads[threadID]
	if !ok {
		return true
	}
	if !haveStats {
		return false
	}
	return currentReplies > stored.ReplyCountSeen
}

// ShouldRedownloadAsset compares the validators from a fresh response
// against the stored ones. ETag wins when both sides carry one,
// Last-Modified is the fallback, and with no comparable validator the
// stored copy is kept.
func (s *Store) ShouldRedownloadAsset(url, etag, lastModified string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.state.Assets[url]
	if !ok {
		return true
	}
	if etag != "" && stored.ETag != "" {
		return etag != stored.ETag
	}
	if lastModified != "" && stored.LastModified != "" {
		return lastModified != stored.LastModified
	}
	return false
}

// AssetStateFor returns the stored state for an asset URL.
func (s *Store) AssetStateFor(url string) (AssetState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.Assets[url]
	return a, ok
}

// RecordThread upserts the thread's state after a successful scrape.
func (s *Store) RecordThread(threadID, url string, replies, views int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Threads[threadID] = ThreadState{
		ThreadID:       threadID,
		URL:            url,
		LastSeenAt:     s.now().UTC().Format(time.RFC3339),
		ReplyCountSeen: replies,
		ViewsSeen:      views,
	}
}

// RecordPosts upserts the content hash of every post that has one.
func (s *Store) RecordPosts(threadID string, posts []forum.PostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observed := s.now().UTC().Format(time.RFC3339)
	for _, p := range posts {
		if p.PostID == "" || p.ContentHash == "" {
			continue
		}
		s.state.Posts[p.PostID] = PostState{
			PostID:      p.PostID,
			ThreadID:    threadID,
			PostNumber:  p.PostNumber,
			ContentHash: p.ContentHash,
			ObservedAt:  observed,
		}
	}
}

// RecordAsset upserts a downloaded asset, validators included.
func (s *Store) RecordAsset(a forum.AssetRecord) {
	if a.Checksum == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Assets[a.URL] = AssetState{
		URL:          a.URL,
		Filename:     a.Filename,
		ContentHash:  a.Checksum,
		MimeType:     a.MimeType,
		Size:         a.Size,
		DownloadedAt: s.now().UTC().Format(time.RFC3339),
		LastModified: a.LastModified,
		ETag:         a.ETag,
	}
}

// VisitedURLs returns the set of thread URLs already scraped.
func (s *Store) VisitedURLs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := make(map[string]struct{}, len(s.state.Threads))
	for _, t := range s.state.Threads {
		visited[t.URL] = struct{}{}
	}
	return visited
}

// ThreadCount returns how many threads the state tracks.
func (s *Store) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Threads)
}

// ThreadStateFor returns the stored state for a thread.
func (s *Store) ThreadStateFor(threadID string) (ThreadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Threads[threadID]
	return t, ok
}
