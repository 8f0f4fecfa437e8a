package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const baseURL = "https://forum.malighting.com"

const threadPage = `<html><body>
<h1 class="topic-title">Moving Fixtures Between Layers</h1>
<div class="stats">12 Replies &middot; 3456 Views</div>
<article class="message">
  <span class="username">johndoe</span>
  <time datetime="2024-01-15T10:30:00Z">Jan 15th 2024</time>
  <div class="messageContent">How can I move fixtures from layer 1 to layer 2?</div>
  <a class="messageAttachment" href="/attachment/12345/">
    <span class="messageAttachmentFilename">move_fixtures.xml</span>
    <span class="messageAttachmentMeta">5.07 kB – 317 Downloads</span>
  </a>
</article>
<article class="message">
  <span class="username">helper</span>
  <time datetime="2024-01-16T08:00:00Z">Jan 16th 2024</time>
  <div class="messageContent">Attached a macro that does it.</div>
  <a class="messageAttachment" href="/attachment/12399/">
    <span class="messageAttachmentFilename">macro_pack.zip</span>
    <span class="messageAttachmentMeta">1.2 MB – 48 Downloads</span>
  </a>
  <a class="messageAttachment" href="/attachment/12400/">
    <span class="messageAttachmentFilename">screenshot.png</span>
  </a>
</article>
</body></html>`

const boardPage = `<html><body>
<nav class="pageNavigation">
  <a href="/forum/board/35-macros/">1</a>
  <a href="/forum/board/35-macros/?pageNo=2">2</a>
  <a href="/forum/board/35-macros/?pageNo=7">7</a>
</nav>
<a class="wbbTopicLink" href="/thread/30890-moving-fixtures/">Moving Fixtures</a>
<a class="wbbTopicLink" href="/thread/20248-copy-if/">Copy If</a>
<a class="wbbTopicLink" href="/thread/30890-moving-fixtures/">Moving Fixtures (dup)</a>
</body></html>`

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(baseURL, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestThreadIDFromURL(t *testing.T) {
	t.Parallel()

	id, ok := ThreadIDFromURL("https://forum.malighting.com/thread/30890-moving-fixtures/")
	require.True(t, ok)
	require.Equal(t, "30890", id)

	_, ok = ThreadIDFromURL("https://forum.malighting.com/forum/board/35-macros/")
	require.False(t, ok)
}

func TestThreadTitle(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(threadPage))
	require.NoError(t, err)
	require.Equal(t, "Moving Fixtures Between Layers", e.ThreadTitle(doc))
}

func TestThreadTitleFallbackAndMiss(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)

	doc, err := Parse([]byte(`<html><body><div class="contentTitle"> Old Template Title </div></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "Old Template Title", e.ThreadTitle(doc))

	doc, err = Parse([]byte(`<html><body><p>nothing here</p></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "Unknown Title", e.ThreadTitle(doc))
}

func TestPosts(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(threadPage))
	require.NoError(t, err)

	posts := e.Posts(doc, "30890")
	require.Len(t, posts, 2)

	first := posts[0]
	require.Equal(t, "johndoe", first.Author)
	require.Equal(t, "2024-01-15T10:30:00Z", first.PostDate)
	require.Equal(t, "How can I move fixtures from layer 1 to layer 2?", first.PostText)
	require.Equal(t, 1, first.PostNumber)
	require.Equal(t, "30890-1", first.PostID)
	require.True(t, strings.HasPrefix(first.ContentHash, "sha256:"))

	require.Equal(t, "helper", posts[1].Author)
	require.Equal(t, "30890-2", posts[1].PostID)
	require.NotEqual(t, first.ContentHash, posts[1].ContentHash)
}

func TestPostsMissingPieces(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(`<html><body>
<article class="message"><div class="messageContent">orphan text</div></article>
</body></html>`))
	require.NoError(t, err)

	posts := e.Posts(doc, "99")
	require.Len(t, posts, 1)
	require.Equal(t, "Unknown", posts[0].Author)
	require.Empty(t, posts[0].PostDate)
	require.Equal(t, "orphan text", posts[0].PostText)
}

func TestThreadStats(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(threadPage))
	require.NoError(t, err)

	stats, ok := e.ThreadStats(doc)
	require.True(t, ok)
	require.Equal(t, 12, stats.Replies)
	require.Equal(t, 3456, stats.Views)
}

func TestThreadStatsGermanLocale(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(`<html><body><div class="stats">7 Antworten, 890 Ansichten</div></body></html>`))
	require.NoError(t, err)

	stats, ok := e.ThreadStats(doc)
	require.True(t, ok)
	require.Equal(t, 7, stats.Replies)
	require.Equal(t, 890, stats.Views)
}

func TestThreadStatsAbsent(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(`<html><body><p>no counters here</p></body></html>`))
	require.NoError(t, err)

	_, ok := e.ThreadStats(doc)
	require.False(t, ok)
}

func TestThreadListingsAbsoluteAndDeduped(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(boardPage))
	require.NoError(t, err)

	listings := e.ThreadListings(doc)
	require.Len(t, listings, 2)
	require.Equal(t, "https://forum.malighting.com/thread/30890-moving-fixtures/", listings[0].URL)
	require.Equal(t, "https://forum.malighting.com/thread/20248-copy-if/", listings[1].URL)
}

func TestThreadListings(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(`<html><body>
<ul>
  <li><a class="wbbTopicLink" href="/thread/1-first/">First</a><span class="columnStats">4 Replies</span></li>
  <li><a class="wbbTopicLink" href="/thread/2-second/">Second</a><span class="columnStats">12 Antworten</span></li>
  <li><a class="wbbTopicLink" href="/thread/3-bare/">Bare</a></li>
</ul>
</body></html>`))
	require.NoError(t, err)

	listings := e.ThreadListings(doc)
	require.Len(t, listings, 3)

	require.Equal(t, "https://forum.malighting.com/thread/1-first/", listings[0].URL)
	require.True(t, listings[0].HasStats)
	require.Equal(t, 4, listings[0].Replies)

	require.True(t, listings[1].HasStats)
	require.Equal(t, 12, listings[1].Replies)

	require.False(t, listings[2].HasStats, "row without counters reports no stats")
}

func TestMaxPage(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)

	doc, err := Parse([]byte(boardPage))
	require.NoError(t, err)
	require.Equal(t, 7, e.MaxPage(doc))

	doc, err = Parse([]byte(`<html><body><a href="/forum/board/35-macros/page/25/">last</a></body></html>`))
	require.NoError(t, err)
	require.Equal(t, 25, e.MaxPage(doc))

	doc, err = Parse([]byte(`<html><body><span>Page 1 of 14</span></body></html>`))
	require.NoError(t, err)
	require.Equal(t, 14, e.MaxPage(doc))

	doc, err = Parse([]byte(`<html><body><p>single page</p></body></html>`))
	require.NoError(t, err)
	require.Equal(t, 1, e.MaxPage(doc))
}

func TestAssets(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(threadPage))
	require.NoError(t, err)

	assets := e.Assets(doc)
	require.Len(t, assets, 2, "the .png attachment must be filtered out")

	require.Equal(t, "move_fixtures.xml", assets[0].Filename)
	require.Equal(t, "https://forum.malighting.com/attachment/12345/", assets[0].URL)
	require.Equal(t, 317, assets[0].DownloadCount)
	require.Equal(t, 1, assets[0].PostNumber)

	require.Equal(t, "macro_pack.zip", assets[1].Filename)
	require.Equal(t, 48, assets[1].DownloadCount)
	require.Equal(t, 2, assets[1].PostNumber)
}

func TestAssetsFileDownloadHrefFallback(t *testing.T) {
	t.Parallel()

	e := newExtractor(t)
	doc, err := Parse([]byte(`<html><body>
<article class="message">
  <a href="/index.php?file-download/4711/">stage_layout.show</a>
</article>
</body></html>`))
	require.NoError(t, err)

	assets := e.Assets(doc)
	require.Len(t, assets, 1)
	require.Equal(t, "stage_layout.show", assets[0].Filename)
	require.Equal(t, 1, assets[0].PostNumber)
}

// Once a fallback selector matched, the chain keeps preferring it on
// later documents until the markup changes again.
func TestChainRemembersLastSuccess(t *testing.T) {
	t.Parallel()

	chain := NewChain("title", zap.NewNop(), "h1.current", "h1.legacy")

	legacy, err := Parse([]byte(`<html><body><h1 class="legacy">old</h1></body></html>`))
	require.NoError(t, err)
	sel := chain.SelectOne(legacy.Selection)
	require.NotNil(t, sel)
	require.Equal(t, "old", sel.Text())

	again, err := Parse([]byte(`<html><body><h1 class="legacy">still old</h1></body></html>`))
	require.NoError(t, err)
	sel = chain.SelectOne(again.Selection)
	require.NotNil(t, sel)
	require.Equal(t, "still old", sel.Text())

	current, err := Parse([]byte(`<html><body><h1 class="current">new</h1></body></html>`))
	require.NoError(t, err)
	sel = chain.SelectOne(current.Selection)
	require.NotNil(t, sel)
	require.Equal(t, "new", sel.Text())
}

func TestChainSelectAllMiss(t *testing.T) {
	t.Parallel()

	chain := NewChain("posts", zap.NewNop(), ".a", ".b")
	doc, err := Parse([]byte(`<html><body><p>empty</p></body></html>`))
	require.NoError(t, err)
	require.Nil(t, chain.Select(doc.Selection))
}
