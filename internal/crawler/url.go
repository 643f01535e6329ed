package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ResolveLink resolves href against base and normalizes the result. Non-http
// schemes (mailto:, javascript:) are rejected.
func ResolveLink(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("resolve link: empty href")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	abs := baseURL.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("resolve link: unsupported scheme %q", abs.Scheme)
	}
	return NormalizeURL(abs.String())
}

// PageURL appends the page query parameter to a seed URL.
func PageURL(seedURL string, page int) string {
	sep := "?"
	if strings.Contains(seedURL, "?") {
		sep = "&"
	}
	return seedURL + sep + "page=" + strconv.Itoa(page)
}

var digitsPattern = regexp.MustCompile(`\d+`)

// MaxPageNumber returns the largest integer found in the pagination labels,
// or 0 when none carries a number.
func MaxPageNumber(labels []string) int {
	highest := 0
	for _, label := range labels {
		for _, match := range digitsPattern.FindAllString(label, -1) {
			n, err := strconv.Atoi(match)
			if err != nil {
				continue
			}
			highest = max(highest, n)
		}
	}
	return highest
}

// ResolveLinks resolves every href against base, dropping invalid links and
// duplicates while keeping first-seen order.
func ResolveLinks(base string, hrefs []string) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		abs, err := ResolveLink(base, href)
		if err != nil {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out
}
