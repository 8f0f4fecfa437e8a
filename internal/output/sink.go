// Package output lays scraped threads out on disk:
//
//	{dir}/{asset_type_category}/{YYYY}/{YYYY-MM-DD}/thread_{id}_{slug}/
//	    metadata.json
//	    <downloaded assets>
//	{dir}/asset_type_index.json
package output

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ma2tools/forums-miner/internal/forum"
)

const (
	metadataFile  = "metadata.json"
	maxSlugLength = 50

	unknownYear = "unknown_year"
	unknownDate = "unknown_date"
)

var (
	illegalChars = regexp.MustCompile(`[/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`\s+`)
	isoDatePre   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`)

	// Forum post bodies often open with a locale-rendered timestamp
	// like "January 5, 2024 at 3:04 PM".
	postTextDateRe = regexp.MustCompile(
		`^(January|February|March|April|May|June|July|August|September|October|November|December)` +
			`\s+(\d{1,2}),\s+(\d{4})\s+at\s+(\d{1,2}):(\d{2})\s*([APap][Mm])`)
)

// mimeByExtension covers the attachment types the miner downloads.
// The platform mime database is the fallback for anything else.
var mimeByExtension = map[string]string{
	".xml":  "application/xml",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".show": "application/octet-stream",
}

// Sink writes thread folders, assets, and metadata under a base dir.
type Sink struct {
	dir    string
	logger *zap.Logger
}

// NewSink builds a sink rooted at dir.
func NewSink(dir string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{dir: dir, logger: logger}
}

// Dir returns the sink's base directory.
func (s *Sink) Dir() string { return s.dir }

// ThreadSlug builds the filesystem-safe folder name for a thread:
// "thread_{id}_{slug}" with the title cleaned of characters that are
// unsafe on any common filesystem and capped at 50 characters.
func ThreadSlug(threadID, title string) string {
	clean := illegalChars.ReplaceAllString(title, "")
	clean = whitespace.ReplaceAllString(clean, " ")
	slug := strings.ReplaceAll(strings.TrimSpace(clean), " ", "_")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "_")
	}
	return fmt.Sprintf("thread_%s_%s", threadID, slug)
}

// DateFolder maps a post date onto the {year}/{date} folder pair and
// falls back to the unknown buckets when the date cannot be parsed.
func DateFolder(postDate string) (year, date string) {
	if postDate == "" {
		return unknownYear, unknownDate
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, postDate); err == nil {
			return fmt.Sprintf("%d", t.Year()), t.Format("2006-01-02")
		}
	}
	if m := isoDatePre.FindStringSubmatch(postDate); m != nil {
		return m[1], fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	return unknownYear, unknownDate
}

// RecoverPostDate parses the human-readable timestamp some templates
// leave at the start of the post body, for threads whose <time>
// element is missing. Returns false when the text does not open with
// a recognizable date.
func RecoverPostDate(postText string) (string, bool) {
	m := postTextDateRe.FindStringSubmatch(postText)
	if m == nil {
		return "", false
	}
	stamp := fmt.Sprintf("%s %s, %s %s:%s %s", m[1], m[2], m[3], m[4], m[5], strings.ToUpper(m[6]))
	t, err := time.Parse("January 2, 2006 3:04 PM", stamp)
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02T15:04:05"), true
}

// InferMimeType resolves an asset's MIME type, preferring the
// Content-Type header over extension-based inference.
func InferMimeType(filename, contentType string) string {
	if contentType != "" {
		if mt := strings.TrimSpace(strings.Split(contentType, ";")[0]); mt != "" {
			return mt
		}
	}
	ext := forum.ExtensionOf(filename)
	if mt, ok := mimeByExtension[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return strings.TrimSpace(strings.Split(mt, ";")[0])
	}
	return "application/octet-stream"
}

// ThreadDir creates and returns the folder for a finalized record.
func (s *Sink) ThreadDir(rec *forum.ThreadRecord) (string, error) {
	year, date := DateFolder(rec.PostDate)
	dir := filepath.Join(s.dir, rec.AssetTypeCategory, year, date, ThreadSlug(rec.ThreadID, rec.Title))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create thread dir: %w", err)
	}
	return dir, nil
}

// WriteMetadata writes the thread's metadata.json atomically.
func (s *Sink) WriteMetadata(threadDir string, rec *forum.ThreadRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return atomicWrite(filepath.Join(threadDir, metadataFile), raw)
}

// WriteAsset stores an asset body in the thread folder and returns
// the on-disk filename, which can differ from the requested one when
// the name needed cleaning or already existed.
func (s *Sink) WriteAsset(threadDir, filename string, body []byte) (string, error) {
	name := safeFilename(filename)

	target := filepath.Join(threadDir, name)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		target = filepath.Join(threadDir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
	}

	if err := os.WriteFile(target, body, 0o644); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	return filepath.Base(target), nil
}

// AssetExists reports whether the thread folder already holds a file
// for the given attachment name.
func (s *Sink) AssetExists(threadDir, filename string) bool {
	_, err := os.Stat(filepath.Join(threadDir, safeFilename(filename)))
	return err == nil
}

// safeFilename strips any path components and unsafe characters from
// an attachment name so a hostile filename cannot escape the thread
// folder.
func safeFilename(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = illegalChars.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

func atomicWrite(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
