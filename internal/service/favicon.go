package service

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/quillmail/marks/internal/config"
)

// Favicon is a fetched icon ready for caching on the bookmark row.
type Favicon struct {
	Mime  string
	Hash  string
	Bytes []byte
}

// IconFetcher is the narrow favicon contract: fetch returns nil on any
// failure, and callers must treat nil as "no favicon".
type IconFetcher interface {
	Fetch(pageURL string) *Favicon
}

// FaviconFetcher fetches /favicon.ico from the bookmark's host, bounded by
// the configured time and byte budgets. It never follows into page content.
type FaviconFetcher struct {
	client   *resty.Client
	maxBytes int
}

func NewFaviconFetcher(cfg *config.Config) IconFetcher {
	client := resty.New().
		SetTimeout(time.Duration(cfg.FaviconTimeoutMS) * time.Millisecond).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3))
	return &FaviconFetcher{
		client:   client,
		maxBytes: cfg.FaviconMaxBytes,
	}
}

func (f *FaviconFetcher) Fetch(pageURL string) *Favicon {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil
	}

	iconURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/favicon.ico",
	}

	resp, err := f.client.R().Get(iconURL.String())
	if err != nil {
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil
	}

	body := resp.Body()
	if len(body) == 0 || len(body) > f.maxBytes {
		return nil
	}

	mime := resp.Header().Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}

	sum := sha256.Sum256(body)
	return &Favicon{
		Mime:  mime,
		Hash:  hex.EncodeToString(sum[:]),
		Bytes: body,
	}
}
