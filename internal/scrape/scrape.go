package scrape

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// playlistPattern matches an absolute HLS playlist URL embedded in a page.
var playlistPattern = regexp.MustCompile(`https?://[^\s"'<>]+\.m3u8[^\s"'<>]*`)

// directExtensions are locator extensions a capture backend opens directly.
var directExtensions = map[string]bool{
	".m3u8": true,
	".ts":   true,
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
}

// maxPageBytes bounds how much of a scraped page is read.
const maxPageBytes = 4 << 20

// Scraper resolves user-supplied stream locators. Direct stream URLs and
// local paths pass through unchanged; web pages (including blob: viewer URLs)
// are fetched and searched for an embedded HLS playlist.
type Scraper struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewScraper creates a locator scraper with the given fetch timeout.
func NewScraper(timeout time.Duration, logger *slog.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Scraper{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// LooksLikePage reports whether a locator needs scraping before it can be
// opened as a video source.
func LooksLikePage(locator string) bool {
	if strings.HasPrefix(locator, "blob:") {
		return true
	}
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		return false
	}

	u, err := url.Parse(locator)
	if err != nil {
		return false
	}
	return !directExtensions[strings.ToLower(path.Ext(u.Path))]
}

// Resolve returns an openable stream URL for a locator, scraping the page
// when needed.
func (s *Scraper) Resolve(locator string) (string, error) {
	if !LooksLikePage(locator) {
		return locator, nil
	}

	pageURL := strings.TrimPrefix(locator, "blob:")

	resp, err := s.httpClient.Get(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("page fetch returned HTTP %d for %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read page %s: %w", pageURL, err)
	}

	match := playlistPattern.Find(body)
	if match == nil {
		return "", fmt.Errorf("no playlist URL found in page %s", pageURL)
	}

	resolved := string(match)
	s.logger.Info("Resolved stream locator",
		slog.String("page", pageURL),
		slog.String("playlist", resolved),
	)
	return resolved, nil
}
