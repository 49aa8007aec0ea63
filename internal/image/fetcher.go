// Package image fetches image attachments referenced by URL in an
// inbound chat message and encodes them for the ACP image content block.
package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

const defaultMimeType = "image/png"
const maxBodyBytes = 20 * 1024 * 1024 // defensive cap; OneBot attachments are small

// Fetcher downloads image URLs with a bounded timeout.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher builds a Fetcher bounded by timeout per download.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Fetch downloads url and returns its base64-encoded body and detected
// MIME type. The Content-Type header wins when it parses as an image/*
// type; otherwise the URL's extension is consulted; otherwise image/png.
func (f *Fetcher) Fetch(ctx context.Context, url string) (base64Data string, mimeType string, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("build image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("read image body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return "", "", fmt.Errorf("image exceeds %d bytes", maxBodyBytes)
	}

	return base64.StdEncoding.EncodeToString(body), detectMimeType(resp.Header.Get("Content-Type"), url), nil
}

func detectMimeType(contentType, url string) string {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "image/") {
			return mediaType
		}
	}
	if ext := path.Ext(strings.SplitN(url, "?", 2)[0]); ext != "" {
		if guessed := mime.TypeByExtension(ext); strings.HasPrefix(guessed, "image/") {
			return guessed
		}
	}
	return defaultMimeType
}
