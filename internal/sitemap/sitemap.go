// Package sitemap reads identifier lists from sitemap XML files and plain
// newline-delimited url lists on local disk.
package sitemap

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// ErrUnknownFormat is returned for XML whose root is neither urlset nor
// sitemapindex.
var ErrUnknownFormat = errors.New("unknown sitemap format")

// URL is one <url> entry.
type URL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// Document is a parsed sitemap. Exactly one of URLs or Sitemaps is populated
// depending on the root element.
type Document struct {
	URLs     []URL
	Sitemaps []string
}

type xmlURLSet struct {
	URLs []URL `xml:"url"`
}

type xmlSitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Parse decodes a urlset or sitemapindex document.
func Parse(r io.Reader) (Document, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read sitemap: %w", err)
	}
	root, err := rootElement(body)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	switch root {
	case "urlset":
		var set xmlURLSet
		if err := xml.Unmarshal(body, &set); err != nil {
			return Document{}, fmt.Errorf("parse urlset: %w", err)
		}
		for _, u := range set.URLs {
			u.Loc = strings.TrimSpace(u.Loc)
			u.LastMod = strings.TrimSpace(u.LastMod)
			if u.Loc != "" {
				doc.URLs = append(doc.URLs, u)
			}
		}
	case "sitemapindex":
		var index xmlSitemapIndex
		if err := xml.Unmarshal(body, &index); err != nil {
			return Document{}, fmt.Errorf("parse sitemap index: %w", err)
		}
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				doc.Sitemaps = append(doc.Sitemaps, loc)
			}
		}
	default:
		return Document{}, fmt.Errorf("%w: <%s>", ErrUnknownFormat, root)
	}
	return doc, nil
}

func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("parse sitemap: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// Reader loads entries from local files.
type Reader struct {
	SourceTag string
	logger    *zap.Logger
}

// NewReader builds a Reader tagging entries with sourceTag.
func NewReader(sourceTag string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{SourceTag: sourceTag, logger: logger}
}

// ReadFile loads a sitemap or url list. Files whose first non-blank byte is
// '<' are treated as XML. Child sitemaps of an index are followed only when
// they resolve to files next to the index; remote children are skipped and
// counted.
func (r *Reader) ReadFile(path string) ([]harvest.Entry, int, error) {
	return r.readFile(path, map[string]struct{}{})
}

func (r *Reader) readFile(path string, seen map[string]struct{}) ([]harvest.Entry, int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, dup := seen[abs]; dup {
		return nil, 0, nil
	}
	seen[abs] = struct{}{}

	body, err := os.ReadFile(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	if !looksLikeXML(body) {
		entries, err := r.ReadList(bytes.NewReader(body))
		return entries, 0, err
	}

	doc, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	entries := make([]harvest.Entry, 0, len(doc.URLs))
	for _, u := range doc.URLs {
		entries = append(entries, harvest.Entry{URL: u.Loc, SourceTag: r.SourceTag, LastModifiedHint: u.LastMod})
	}
	skipped := 0
	for _, loc := range doc.Sitemaps {
		child, ok := localChild(filepath.Dir(abs), loc)
		if !ok {
			r.logger.Warn("skipping remote child sitemap", zap.String("sitemap", loc))
			skipped++
			continue
		}
		more, n, err := r.readFile(child, seen)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, more...)
		skipped += n
	}
	r.logger.Debug("sitemap read", zap.String("path", path), zap.Int("entries", len(entries)), zap.Int("skipped", skipped))
	return entries, skipped, nil
}

// ReadList reads one url per line. Blank lines and lines starting with '#'
// are ignored.
func (r *Reader) ReadList(in io.Reader) ([]harvest.Entry, error) {
	var entries []harvest.Entry
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, harvest.Entry{URL: line, SourceTag: r.SourceTag})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return entries, nil
}

func looksLikeXML(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// localChild maps a child sitemap location to a file in dir. file:// urls
// and relative paths are used as given; http(s) urls match by base name.
func localChild(dir, loc string) (string, bool) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	var candidate string
	switch u.Scheme {
	case "file":
		candidate = u.Path
	case "":
		candidate = loc
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(dir, candidate)
		}
	default:
		candidate = filepath.Join(dir, filepath.Base(u.Path))
	}
	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return "", false
	}
	return candidate, true
}
