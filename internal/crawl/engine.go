// Package crawl orchestrates a full incremental run: discover threads
// on the board, decide what changed, scrape it, and write the results.
package crawl

import (
	"context"
	"fmt"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ma2tools/forums-miner/internal/extract"
	"github.com/ma2tools/forums-miner/internal/fetcher"
	"github.com/ma2tools/forums-miner/internal/forum"
	"github.com/ma2tools/forums-miner/internal/hash/sha256"
	"github.com/ma2tools/forums-miner/internal/output"
	"github.com/ma2tools/forums-miner/internal/state"
	"github.com/ma2tools/forums-miner/internal/telemetry"
)

// Fetcher is the page retrieval surface the engine depends on.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetcher.Response, error)
}

// Config controls one crawl run.
type Config struct {
	BoardURL string

	// ProbePages caps the blind page walk used when the board's
	// pagination markup cannot be detected.
	ProbePages int

	// MaxDownloadBytes skips any asset larger than this. Zero
	// disables the cap.
	MaxDownloadBytes int64
}

// Summary reports what one run did.
type Summary struct {
	RunID      string
	Discovered int
	Skipped    int
	Succeeded  int
	Failed     int
	Responses  telemetry.Summary
}

// Engine wires the fetcher, extractor, state store, and output sink
// into the crawl workflow.
type Engine struct {
	cfg       Config
	fetch     Fetcher
	extractor *extract.Extractor
	store     *state.Store
	sink      *output.Sink
	stats     *telemetry.Stats
	logger    *zap.Logger

	now func() time.Time
}

// New builds an Engine.
func New(cfg Config, f Fetcher, ex *extract.Extractor, st *state.Store, sink *output.Sink, stats *telemetry.Stats, logger *zap.Logger) *Engine {
	if cfg.ProbePages <= 0 {
		cfg.ProbePages = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		fetch:     f,
		extractor: ex,
		store:     st,
		sink:      sink,
		stats:     stats,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one incremental crawl. Board discovery failure is
// fatal; a single thread failing is not.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	logger := e.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("starting crawl", zap.String("board", e.cfg.BoardURL))

	if err := e.store.Load(); err != nil {
		return summary, fmt.Errorf("load state: %w", err)
	}

	listings, err := e.discover(ctx, logger)
	if err != nil {
		return summary, err
	}
	summary.Discovered = len(listings)

	var selected []extract.Listing
	for _, l := range listings {
		id, ok := extract.ThreadIDFromURL(l.URL)
		if !ok {
			continue
		}
		if e.store.ShouldRefetchThread(id, l.Replies, l.HasStats) {
			selected = append(selected, l)
		} else {
			summary.Skipped++
		}
	}
	logger.Info("thread status",
		zap.Int("discovered", summary.Discovered),
		zap.Int("to_scrape", len(selected)),
		zap.Int("up_to_date", summary.Skipped),
	)

	var records []forum.ThreadRecord
	for _, l := range selected {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rec, err := e.processThread(ctx, logger, l.URL)
		if err != nil {
			summary.Failed++
			logger.Warn("thread failed", zap.String("url", l.URL), zap.Error(err))
			continue
		}
		summary.Succeeded++
		records = append(records, *rec)
	}

	if len(records) > 0 {
		if err := e.sink.WriteIndex(records); err != nil {
			logger.Warn("could not write asset type index", zap.Error(err))
		}
	}
	if err := e.store.Save(); err != nil {
		logger.Warn("could not save state", zap.Error(err))
	}

	summary.Responses = e.stats.Snapshot()
	fields := append([]zap.Field{
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	}, summary.Responses.Fields()...)
	logger.Info("crawl complete", fields...)

	return summary, nil
}

// discover walks the board's pages and returns every thread listing,
// deduplicated in page order. Page one is fatal on error, later pages
// are fetched concurrently and skipped on failure.
func (e *Engine) discover(ctx context.Context, logger *zap.Logger) ([]extract.Listing, error) {
	resp, err := e.fetch.Fetch(ctx, e.cfg.BoardURL)
	if err != nil {
		return nil, fmt.Errorf("fetch board: %w", err)
	}
	doc, err := extract.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}

	maxPage := e.extractor.MaxPage(doc)
	if maxPage == 1 && e.cfg.ProbePages > 1 {
		// Pagination markup not recognized. Walk a fixed page range
		// instead; pages past the end fail fast and are dropped.
		maxPage = e.cfg.ProbePages
		logger.Info("pagination undetected, probing pages", zap.Int("ceiling", maxPage))
	}

	pages := make([][]extract.Listing, maxPage+1)
	pages[1] = e.extractor.ThreadListings(doc)

	if maxPage > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for page := 2; page <= maxPage; page++ {
			g.Go(func() error {
				resp, err := e.fetch.Fetch(gctx, pageURL(e.cfg.BoardURL, page))
				if err != nil {
					logger.Debug("board page unavailable", zap.Int("page", page), zap.Error(err))
					return nil
				}
				doc, err := extract.Parse(resp.Body)
				if err != nil {
					logger.Warn("board page unparseable", zap.Int("page", page), zap.Error(err))
					return nil
				}
				pages[page] = e.extractor.ThreadListings(doc)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{})
	var listings []extract.Listing
	for _, page := range pages {
		for _, l := range page {
			if _, dup := seen[l.URL]; dup {
				continue
			}
			seen[l.URL] = struct{}{}
			listings = append(listings, l)
		}
	}
	return listings, nil
}

// processThread scrapes one thread end to end: every page of posts,
// every changed asset, metadata.json, and the state updates.
func (e *Engine) processThread(ctx context.Context, logger *zap.Logger, url string) (*forum.ThreadRecord, error) {
	url = stripPageParam(url)
	threadID, ok := extract.ThreadIDFromURL(url)
	if !ok {
		return nil, fmt.Errorf("no thread id in %s", url)
	}

	resp, err := e.fetch.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch thread: %w", err)
	}
	doc, err := extract.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse thread: %w", err)
	}

	rec := &forum.ThreadRecord{
		ThreadID: threadID,
		URL:      url,
		Title:    e.extractor.ThreadTitle(doc),
		Posts:    e.extractor.Posts(doc, threadID),
		Assets:   e.extractor.Assets(doc),
	}
	if stats, ok := e.extractor.ThreadStats(doc); ok {
		rec.Replies = stats.Replies
		rec.Views = stats.Views
	}

	// Long threads span multiple pages. Reply pages are fetched
	// concurrently, then concatenated in page order so post numbering
	// stays contiguous and ids stay stable.
	lastPage := e.extractor.MaxPage(doc)
	if lastPage > 1 {
		pageDocs := make([]*goquery.Document, lastPage+1)
		g, gctx := errgroup.WithContext(ctx)
		for page := 2; page <= lastPage; page++ {
			g.Go(func() error {
				pdoc, err := e.fetchPage(gctx, pageURL(url, page))
				if err != nil {
					logger.Warn("thread page unavailable",
						zap.String("thread", threadID), zap.Int("page", page), zap.Error(err))
					return nil
				}
				pageDocs[page] = pdoc
				return nil
			})
		}
		_ = g.Wait()

		for page := 2; page <= lastPage; page++ {
			pdoc := pageDocs[page]
			if pdoc == nil {
				continue
			}
			offset := len(rec.Posts)
			for _, p := range e.extractor.Posts(pdoc, threadID) {
				p.PostNumber += offset
				p.PostID = forum.PostID(threadID, p.PostNumber)
				rec.Posts = append(rec.Posts, p)
			}
			for _, a := range e.extractor.Assets(pdoc) {
				if a.PostNumber > 0 {
					a.PostNumber += offset
				}
				rec.Assets = append(rec.Assets, a)
			}
		}
	}

	rec.Finalize(e.now().UTC().Format(time.RFC3339))
	if rec.PostDate == "" && len(rec.Posts) > 0 {
		if recovered, ok := output.RecoverPostDate(rec.Posts[0].PostText); ok {
			rec.Posts[0].PostDate = recovered
			rec.PostDate = recovered
		}
	}

	threadDir, err := e.sink.ThreadDir(rec)
	if err != nil {
		return nil, err
	}

	if len(rec.Assets) > 0 {
		e.downloadAssets(ctx, logger, threadDir, rec)
	}

	if err := e.sink.WriteMetadata(threadDir, rec); err != nil {
		return nil, err
	}

	e.store.RecordThread(threadID, url, rec.Replies, rec.Views)
	e.store.RecordPosts(threadID, rec.Posts)
	for _, a := range rec.Assets {
		e.store.RecordAsset(a)
	}
	if err := e.store.Save(); err != nil {
		logger.Warn("state checkpoint failed", zap.Error(err))
	}

	logger.Info("thread scraped",
		zap.String("thread", threadID),
		zap.Int("posts", len(rec.Posts)),
		zap.Int("assets", len(rec.Assets)),
	)
	return rec, nil
}

// downloadAssets fetches the thread's attachments concurrently. A
// failed or oversized asset is logged and left without a checksum; it
// never fails the thread.
func (e *Engine) downloadAssets(ctx context.Context, logger *zap.Logger, threadDir string, rec *forum.ThreadRecord) {
	var writeMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i := range rec.Assets {
		asset := &rec.Assets[i]
		g.Go(func() error {
			e.downloadAsset(gctx, logger, threadDir, asset, &writeMu)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) downloadAsset(ctx context.Context, logger *zap.Logger, threadDir string, asset *forum.AssetRecord, writeMu *sync.Mutex) {
	resp, err := e.fetch.Fetch(ctx, asset.URL)
	if err != nil {
		logger.Warn("asset download failed",
			zap.String("filename", asset.Filename), zap.Error(err))
		return
	}

	etag := resp.Headers.Get("ETag")
	lastModified := resp.Headers.Get("Last-Modified")

	if !e.store.ShouldRedownloadAsset(asset.URL, etag, lastModified) {
		// Unchanged since last run. Carry the stored copy's facts
		// into this run's metadata.
		if stored, ok := e.store.AssetStateFor(asset.URL); ok {
			asset.Checksum = stored.ContentHash
			asset.Size = stored.Size
			asset.MimeType = stored.MimeType
			asset.ETag = stored.ETag
			asset.LastModified = stored.LastModified
		}
		// A category change moves the thread folder; make sure the
		// unchanged file exists where this run's metadata points.
		if !e.sink.AssetExists(threadDir, asset.Filename) {
			writeMu.Lock()
			_, werr := e.sink.WriteAsset(threadDir, asset.Filename, resp.Body)
			writeMu.Unlock()
			if werr != nil {
				logger.Warn("could not place unchanged asset",
					zap.String("filename", asset.Filename), zap.Error(werr))
			}
		}
		logger.Debug("asset unchanged", zap.String("filename", asset.Filename))
		return
	}

	if e.cfg.MaxDownloadBytes > 0 && int64(len(resp.Body)) > e.cfg.MaxDownloadBytes {
		logger.Warn("asset exceeds size cap, skipping",
			zap.String("filename", asset.Filename),
			zap.Int("bytes", len(resp.Body)),
			zap.Int64("cap", e.cfg.MaxDownloadBytes),
		)
		return
	}

	writeMu.Lock()
	name, err := e.sink.WriteAsset(threadDir, asset.Filename, resp.Body)
	writeMu.Unlock()
	if err != nil {
		logger.Warn("could not write asset",
			zap.String("filename", asset.Filename), zap.Error(err))
		return
	}

	asset.Checksum = sha256.Sum(resp.Body)
	asset.Size = int64(len(resp.Body))
	asset.MimeType = output.InferMimeType(asset.Filename, resp.Headers.Get("Content-Type"))
	asset.ETag = etag
	asset.LastModified = lastModified

	logger.Debug("asset downloaded",
		zap.String("filename", name),
		zap.Int64("bytes", asset.Size),
	)
}

func (e *Engine) fetchPage(ctx context.Context, url string) (*goquery.Document, error) {
	resp, err := e.fetch.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return extract.Parse(resp.Body)
}

func pageURL(base string, page int) string {
	if strings.Contains(base, "?") {
		return fmt.Sprintf("%s&pageNo=%d", base, page)
	}
	return fmt.Sprintf("%s?pageNo=%d", base, page)
}

// stripPageParam drops any pageNo query parameter so a link into the
// middle of a thread still yields the thread's canonical first page.
func stripPageParam(rawURL string) string {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if !q.Has("pageNo") {
		return rawURL
	}
	q.Del("pageNo")
	u.RawQuery = q.Encode()
	return u.String()
}
