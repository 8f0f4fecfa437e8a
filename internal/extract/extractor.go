package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/ma2tools/forums-miner/internal/forum"
	"github.com/ma2tools/forums-miner/internal/hash/sha256"
)

// allowedExtensions are the attachment types worth downloading: macro
// XML files, compressed packages, and show files.
var allowedExtensions = map[string]struct{}{
	".xml":  {},
	".zip":  {},
	".gz":   {},
	".show": {},
}

var (
	threadIDRe  = regexp.MustCompile(`/thread/(\d+)`)
	pagePathRe  = regexp.MustCompile(`/page/(\d+)/`)
	pageQueryRe = regexp.MustCompile(`[?&]pageNo=(\d+)`)
	pageOfRe    = regexp.MustCompile(`(?i)page\s+\d+\s+of\s+(\d+)`)

	// The forum renders stats in English or German depending on the
	// visitor's locale.
	repliesRe = regexp.MustCompile(`(?i)(\d+)\s*(?:replies|antworten)`)
	viewsRe   = regexp.MustCompile(`(?i)(\d+)\s*(?:views|ansichten)`)

	// Attachment meta looks like "5.07 kB – 317 Downloads".
	downloadsRe = regexp.MustCompile(`–\s*(\d+)\s*Downloads`)
)

// ThreadIDFromURL pulls the numeric thread id out of a thread URL like
// https://forum.malighting.com/thread/30890-moving-fixtures/.
func ThreadIDFromURL(rawURL string) (string, bool) {
	m := threadIDRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Stats are the reply and view counters shown on a thread page.
type Stats struct {
	Replies int
	Views   int
}

// Extractor parses board and thread pages. Each element type has its
// own fallback chain, so a redesign of one part of the template does
// not break the rest.
type Extractor struct {
	base   *url.URL
	logger *zap.Logger

	title       *Chain
	posts       *Chain
	author      *Chain
	date        *Chain
	content     *Chain
	stats       *Chain
	pagination  *Chain
	threadLinks *Chain
	attachments *Chain
}

// New builds an Extractor resolving relative links against baseURL.
func New(baseURL string, logger *zap.Logger) (*Extractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Extractor{
		base:   base,
		logger: logger,
		title: NewChain("thread_title", logger,
			"h1.topic-title",
			".contentTitle",
			`h1[itemprop="headline"]`,
			".topicHeader h1",
			"article.message:first-child h2",
		),
		posts: NewChain("post_elements", logger,
			"article.message",
			".message",
			`[data-role="message"]`,
			".post",
			".forumPost",
		),
		author: NewChain("post_author", logger,
			".username",
			".author",
			`[itemprop="author"]`,
			".postAuthor",
			".userInfo h3",
		),
		date: NewChain("post_date", logger,
			"time[datetime]",
			".datetime",
			"[data-timestamp]",
			".postDate",
		),
		content: NewChain("post_content", logger,
			".messageContent",
			".messageText",
			`[itemprop="text"]`,
			".postContent",
			".postBody",
		),
		stats: NewChain("thread_stats", logger,
			".stats",
			".threadStats",
			"[data-stats]",
			".topicStats",
		),
		pagination: NewChain("pagination", logger,
			".pageNavigation",
			".pagination",
			`[role="navigation"]`,
			".pageNav",
		),
		threadLinks: NewChain("thread_links", logger,
			"a.wbbTopicLink",
			`a[href*="/forum/thread/"]`,
			".topicLink",
			"a[data-topic-id]",
		),
		attachments: NewChain("attachments", logger,
			`a.messageAttachment, a.attachment, a[class*="attachment"], a[href*="file-download"]`,
			`.attachmentList a[href*="/attachment/"]`,
			`a[href*="/attachment/"]`,
		),
	}, nil
}

// Parse turns a fetched HTML body into a queryable document.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ThreadTitle extracts the thread title, or "Unknown Title" when every
// selector misses.
func (e *Extractor) ThreadTitle(doc *goquery.Document) string {
	elem := e.title.SelectOne(doc.Selection)
	if elem == nil {
		return "Unknown Title"
	}
	return strings.TrimSpace(elem.Text())
}

// Posts extracts every post on the page in document order, numbering
// from 1, with a content hash per non-empty post body.
func (e *Extractor) Posts(doc *goquery.Document, threadID string) []forum.PostRecord {
	elements := e.posts.Select(doc.Selection)
	if elements == nil {
		return nil
	}

	records := make([]forum.PostRecord, 0, elements.Length())
	elements.Each(func(i int, post *goquery.Selection) {
		number := i + 1
		rec := forum.PostRecord{
			Author:     e.postAuthor(post),
			PostDate:   e.postDate(post),
			PostText:   e.postText(post),
			PostNumber: number,
			PostID:     forum.PostID(threadID, number),
		}
		if rec.PostText != "" {
			rec.ContentHash = sha256.SumString(rec.PostText)
		}
		records = append(records, rec)
	})
	return records
}

func (e *Extractor) postAuthor(post *goquery.Selection) string {
	elem := e.author.SelectOne(post)
	if elem == nil {
		return "Unknown"
	}
	return strings.TrimSpace(elem.Text())
}

func (e *Extractor) postDate(post *goquery.Selection) string {
	elem := e.date.SelectOne(post)
	if elem == nil {
		return ""
	}
	if v, ok := elem.Attr("datetime"); ok && v != "" {
		return v
	}
	if v, ok := elem.Attr("data-timestamp"); ok && v != "" {
		return v
	}
	return strings.TrimSpace(elem.Text())
}

func (e *Extractor) postText(post *goquery.Selection) string {
	elem := e.content.SelectOne(post)
	if elem == nil {
		return ""
	}
	return strings.TrimSpace(elem.Text())
}

// ThreadStats reads the reply and view counters. The second return is
// false when the stats block is absent from the page.
func (e *Extractor) ThreadStats(doc *goquery.Document) (Stats, bool) {
	elem := e.stats.SelectOne(doc.Selection)
	if elem == nil {
		return Stats{}, false
	}

	var s Stats
	text := elem.Text()
	if m := repliesRe.FindStringSubmatch(text); m != nil {
		s.Replies, _ = strconv.Atoi(m[1])
	}
	if m := viewsRe.FindStringSubmatch(text); m != nil {
		s.Views, _ = strconv.Atoi(m[1])
	}
	return s, true
}

// Listing is one thread row on a board page. HasStats is false when
// the listing markup carries no reply counter near the link, in which
// case Replies is meaningless.
type Listing struct {
	URL      string
	Replies  int
	HasStats bool
}

// ThreadListings extracts thread rows from a board page, pairing each
// thread URL with the reply count shown beside it. Duplicate URLs
// keep their first occurrence.
func (e *Extractor) ThreadListings(doc *goquery.Document) []Listing {
	elements := e.threadLinks.Select(doc.Selection)
	if elements == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var listings []Listing
	elements.Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		abs := e.resolve(href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		listing := Listing{URL: abs}
		// The reply counter sits inside the same row as the link.
		// Climbing past the row would read other threads' counters.
		row := link.Closest("li, tr, article, .wbbTopicItem, .topicItem")
		if row.Length() == 0 {
			row = link.Parent()
		}
		if m := repliesRe.FindStringSubmatch(row.Text()); m != nil {
			listing.Replies, _ = strconv.Atoi(m[1])
			listing.HasStats = true
		}
		listings = append(listings, listing)
	})
	return listings
}

// MaxPage determines the highest page number linked from the page.
// It checks the pagination block first, then any link carrying a page
// pattern, then "Page X of Y" text, and returns 1 when nothing hints
// at more pages.
func (e *Extractor) MaxPage(doc *goquery.Document) int {
	max := 1

	if nav := e.pagination.SelectOne(doc.Selection); nav != nil {
		nav.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
			href, _ := link.Attr("href")
			if n := pageFromHref(href); n > max {
				max = n
			}
		})
	}

	if max == 1 {
		doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
			href, _ := link.Attr("href")
			if n := pageFromHref(href); n > max {
				max = n
			}
		})
	}

	if max == 1 {
		if m := pageOfRe.FindStringSubmatch(doc.Text()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > max {
				max = n
			}
		}
	}

	return max
}

func pageFromHref(href string) int {
	m := pagePathRe.FindStringSubmatch(href)
	if m == nil {
		m = pageQueryRe.FindStringSubmatch(href)
	}
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// Assets extracts downloadable attachments from every post on the
// page. Files outside the allowed extension set are skipped. Each
// asset is tagged with the post it was attached to when that can be
// determined.
func (e *Extractor) Assets(doc *goquery.Document) []forum.AssetRecord {
	links := e.attachments.Select(doc.Selection)
	if links == nil {
		return nil
	}

	var postNodes []*html.Node
	if posts := e.posts.Select(doc.Selection); posts != nil {
		posts.Each(func(_ int, post *goquery.Selection) {
			postNodes = append(postNodes, post.Get(0))
		})
	}

	var assets []forum.AssetRecord
	links.Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}

		filename := e.attachmentFilename(link, href)
		if _, allowed := allowedExtensions[forum.ExtensionOf(filename)]; !allowed {
			return
		}

		asset := forum.AssetRecord{
			Filename:   filename,
			URL:        e.resolve(href),
			PostNumber: owningPost(link.Get(0), postNodes),
		}
		if meta := link.Find("span.messageAttachmentMeta").First(); meta.Length() > 0 {
			if m := downloadsRe.FindStringSubmatch(meta.Text()); m != nil {
				asset.DownloadCount, _ = strconv.Atoi(m[1])
			}
		}
		assets = append(assets, asset)
	})
	return assets
}

func (e *Extractor) attachmentFilename(link *goquery.Selection, href string) string {
	if span := link.Find("span.messageAttachmentFilename").First(); span.Length() > 0 {
		if name := strings.TrimSpace(span.Text()); name != "" {
			return name
		}
	}
	if name := strings.TrimSpace(link.Text()); name != "" {
		return name
	}
	if u, err := url.Parse(href); err == nil {
		return path.Base(u.Path)
	}
	return href
}

func (e *Extractor) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return e.base.ResolveReference(ref).String()
}

// owningPost walks up from the link to find which post element
// contains it. Returns 0 when the link sits outside every post.
func owningPost(node *html.Node, postNodes []*html.Node) int {
	if node == nil {
		return 0
	}
	for p := node; p != nil; p = p.Parent {
		for i, post := range postNodes {
			if p == post {
				return i + 1
			}
		}
	}
	return 0
}
