package collyfetcher

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the text and link structure pulled out of an HTML document.
type Page struct {
	Text     string
	Internal []string
	External []string
}

// Extract collapses the visible body text and splits anchors into links on
// base's host and links elsewhere. Links are absolute, fragment-free and
// de-duplicated in document order.
func Extract(doc *goquery.Document, base *url.URL) Page {
	doc.Find("script, style, noscript, template").Remove()
	page := Page{
		Text:     strings.Join(strings.Fields(doc.Find("body").Text()), " "),
		Internal: []string{},
		External: []string{},
	}
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return
		}
		ref.Fragment = ""
		link := ref.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		if strings.EqualFold(ref.Hostname(), base.Hostname()) {
			page.Internal = append(page.Internal, link)
			return
		}
		page.External = append(page.External, link)
	})
	return page
}
