package usecase

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/pkg/utils"
)

// ListingLink is one file link found on a listing page.
type ListingLink struct {
	URL        string
	AnchorText string
	FileType   entity.FileType
	Meta       entity.ListingMeta
}

var (
	isoDate      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})(?:[ T](\d{2}):(\d{2}))?`)
	europeanDate = regexp.MustCompile(`\b(\d{2})[/.-](\d{2})[/.-](\d{4})(?:\s+(\d{2}):(\d{2}))?`)
	sizeText     = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(bytes|kb|mb|gb|b)\b`)
)

// ExtractListing returns the file links of a listing page in document order. Links
// without a known file extension are navigation and are dropped; repeated links keep
// their first occurrence.
func ExtractListing(pageURL string, body []byte) ([]ListingLink, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}

	seen := make(map[string]bool)
	var links []ListingLink
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		abs, err := utils.ToAbsoluteURL(base, href)
		if err != nil || seen[abs] {
			return
		}
		ft := entity.FileTypeFromName(abs)
		if ft == entity.FileTypeOther {
			return
		}
		seen[abs] = true

		text := normalizeSpace(s.Text())
		if text == "" {
			text = normalizeSpace(s.AttrOr("title", ""))
		}
		links = append(links, ListingLink{
			URL:        abs,
			AnchorText: text,
			FileType:   ft,
			Meta:       rowMeta(s),
		})
	})
	return links, nil
}

// rowMeta reads the date and size printed next to a link: in the cells of its table row,
// in its list item, or in the text that follows it up to the next link.
func rowMeta(a *goquery.Selection) entity.ListingMeta {
	row := a.Closest("tr")
	if row.Length() == 0 {
		row = a.Closest("li")
	}

	var chunks []string
	if row.Length() > 0 {
		for _, n := range row.Nodes {
			chunks = textNodes(n, chunks)
		}
	} else {
		chunks = trailingText(a)
	}

	var meta entity.ListingMeta
	if row.Length() > 0 {
		if dt, ok := row.Find("time[datetime]").First().Attr("datetime"); ok {
			meta.Date = parseListingDate(dt)
		}
	} else if dt, ok := a.NextFiltered("time[datetime]").Attr("datetime"); ok {
		meta.Date = parseListingDate(dt)
	}
	for _, c := range chunks {
		if meta.Date == nil {
			meta.Date = parseListingDate(c)
		}
		if meta.Size == nil {
			meta.Size, meta.SizeSlack = parseListingSize(c)
		}
	}
	return meta
}

// textNodes appends every text node below n as its own chunk, so text of adjacent cells
// never runs together. Link text is skipped.
func textNodes(n *html.Node, chunks []string) []string {
	switch n.Type {
	case html.TextNode:
		if t := normalizeSpace(n.Data); t != "" {
			chunks = append(chunks, t)
		}
		return chunks
	case html.ElementNode:
		if n.Data == "a" {
			return chunks
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		chunks = textNodes(c, chunks)
	}
	return chunks
}

// trailingText collects the text after a link that is not inside a row, stopping at the
// next line break or link.
func trailingText(a *goquery.Selection) []string {
	var chunks []string
	for n := a.Get(0).NextSibling; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			if n.Data == "a" || n.Data == "br" || goquery.NewDocumentFromNode(n).Find("a").Length() > 0 {
				break
			}
		}
		chunks = textNodes(n, chunks)
	}
	return chunks
}

func parseListingDate(s string) *time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
		t = t.UTC()
		return &t
	}

	var year, month, day, hour, minute string
	if m := isoDate.FindStringSubmatch(s); m != nil {
		year, month, day, hour, minute = m[1], m[2], m[3], m[4], m[5]
	} else if m := europeanDate.FindStringSubmatch(s); m != nil {
		day, month, year, hour, minute = m[1], m[2], m[3], m[4], m[5]
	} else {
		return nil
	}

	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	h, _ := strconv.Atoi(hour)
	mi, _ := strconv.Atoi(minute)
	if mo < 1 || mo > 12 || d < 1 || d > 31 || h > 23 || mi > 59 {
		return nil
	}
	t := time.Date(y, time.Month(mo), d, h, mi, 0, 0, time.UTC)
	if t.Day() != d {
		return nil
	}
	return &t
}

// parseListingSize returns the size in bytes and the rounding error of the printed value.
func parseListingSize(s string) (*int64, int64) {
	m := sizeText.FindStringSubmatch(s)
	if m == nil {
		return nil, 0
	}
	num := strings.Replace(m[1], ",", ".", 1)
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil, 0
	}

	var unit float64 = 1
	switch strings.ToLower(m[2]) {
	case "kb":
		unit = 1 << 10
	case "mb":
		unit = 1 << 20
	case "gb":
		unit = 1 << 30
	}
	decimals := 0
	if i := strings.IndexByte(num, '.'); i >= 0 {
		decimals = len(num) - i - 1
	}
	slack := int64(math.Ceil(unit / 2 / math.Pow10(decimals)))
	if unit == 1 {
		slack = 0
	}
	size := int64(math.Round(v * unit))
	return &size, slack
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// linkClassifier applies a category's URL classifier. Named groups sub_series, session
// and number fill the matching classification fields.
type linkClassifier struct {
	re *regexp.Regexp
}

func newLinkClassifier(expr string) (*linkClassifier, error) {
	if expr == "" {
		return &linkClassifier{}, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile classifier %q: %w", expr, err)
	}
	return &linkClassifier{re: re}, nil
}

// classify fills d's classifiers from its URL. A classifier that does not match means the
// link belongs to another category.
func (c *linkClassifier) classify(d *entity.DiscoveredFile) bool {
	if c.re == nil {
		return true
	}
	m := c.re.FindStringSubmatch(d.FileURL)
	if m == nil {
		return false
	}
	for i, name := range c.re.SubexpNames() {
		switch name {
		case "sub_series":
			d.SubSeries = m[i]
		case "session":
			d.Session = m[i]
		case "number":
			d.Number = m[i]
		}
	}
	return true
}
