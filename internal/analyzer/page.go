package analyzer

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParsePage runs the structural checks against a fetched page body and
// returns the report plus the absolute link targets found on the page.
// Link accessibility counters are left zero; the caller verifies links
// separately since that requires network calls.
func ParsePage(pageURL string, body []byte) (PageReport, []string, error) {
	report := PageReport{
		HTMLVersion: detectHTMLVersion(body),
		Headings:    make(map[string]int),
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// The doctype sniff above does not need a parse; everything else does.
		return report, nil, fmt.Errorf("parse html: %w", err)
	}

	report.Title = strings.TrimSpace(doc.Find("title").First().Text())

	for _, level := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		if n := doc.Find(level).Length(); n > 0 {
			report.Headings[level] = n
		}
	}

	base, baseErr := url.Parse(pageURL)
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if baseErr != nil {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		links = append(links, abs.String())
		if abs.Hostname() == base.Hostname() {
			report.InternalLinks++
		} else {
			report.ExternalLinks++
		}
	})

	report.HasLoginForm = doc.Find(`input[type="password"]`).Length() > 0

	return report, links, nil
}

// detectHTMLVersion sniffs the doctype declaration from the raw bytes.
func detectHTMLVersion(body []byte) string {
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	lower := strings.ToLower(string(head))
	switch {
	case strings.Contains(lower, "<!doctype html>"):
		return "HTML5"
	case strings.Contains(lower, "xhtml 1.0"):
		return "XHTML 1.0"
	case strings.Contains(lower, "xhtml 1.1"):
		return "XHTML 1.1"
	case strings.Contains(lower, "html 4.01"):
		return "HTML 4.01"
	case strings.Contains(lower, "<!doctype"):
		return "unknown doctype"
	default:
		return "missing doctype"
	}
}
