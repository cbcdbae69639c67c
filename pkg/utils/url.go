package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// HashURL creates a SHA256 hash of a URL string.
// This is useful for creating consistent, safe keys for Redis.
func HashURL(rawURL string) string {
	h := sha256.New()
	h.Write([]byte(rawURL))
	return hex.EncodeToString(h.Sum(nil))
}

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(strings.TrimSpace(relative))
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(relURL)
	abs.Fragment = ""
	return abs.String(), nil
}

// FileNameFromURL returns the last path segment of a URL, unescaped.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return u.Host
	}
	return name
}

// DerivePattern turns a file URL into an anchored regexp in which every run of digits
// (ids, dates, version stamps) may change. It is stored with the record and used to
// recognise the same file after the portal moves it.
func DerivePattern(rawURL string) string {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range digitRun.FindAllStringIndex(rawURL, -1) {
		b.WriteString(regexp.QuoteMeta(rawURL[last:loc[0]]))
		b.WriteString(`\d+`)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(rawURL[last:]))
	b.WriteString("$")
	return b.String()
}

// ExpandTemplate substitutes {name} placeholders with query-escaped values.
func ExpandTemplate(tmpl string, values map[string]string) string {
	for k, v := range values {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", url.QueryEscape(v))
	}
	return tmpl
}
