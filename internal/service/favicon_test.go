package service

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/marks/internal/config"
)

func fetcherFor(t *testing.T, maxBytes int) IconFetcher {
	t.Helper()
	return NewFaviconFetcher(&config.Config{
		FaviconMaxBytes:  maxBytes,
		FaviconTimeoutMS: 2000,
	})
}

func TestFaviconFetchSuccess(t *testing.T) {
	icon := []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/favicon.ico", r.URL.Path)
		w.Header().Set("Content-Type", "image/x-icon")
		_, _ = w.Write(icon)
	}))
	defer srv.Close()

	got := fetcherFor(t, 65536).Fetch(srv.URL + "/some/page?q=1")
	require.NotNil(t, got)
	assert.Equal(t, "image/x-icon", got.Mime)
	assert.True(t, bytes.Equal(icon, got.Bytes))
	assert.Len(t, got.Hash, 64)
}

func TestFaviconFetchOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	assert.Nil(t, fetcherFor(t, 50).Fetch(srv.URL))
}

func TestFaviconFetchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	assert.Nil(t, fetcherFor(t, 65536).Fetch(srv.URL))
}

func TestFaviconFetchBadURL(t *testing.T) {
	f := fetcherFor(t, 65536)
	assert.Nil(t, f.Fetch("ftp://example.com/page"))
	assert.Nil(t, f.Fetch("not a url"))
	assert.Nil(t, f.Fetch(""))
}

func TestFaviconFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.Nil(t, fetcherFor(t, 65536).Fetch(srv.URL))
}
