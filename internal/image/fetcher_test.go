package image

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveImage(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchContentTypeWins(t *testing.T) {
	srv := serveImage(t, "image/jpeg", []byte("hello"))

	f := NewFetcher(2 * time.Second)
	data, mime, err := f.Fetch(context.Background(), srv.URL+"/shot.png")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if data != "aGVsbG8=" {
		t.Errorf("base64 = %q, want aGVsbG8=", data)
	}
	if mime != "image/jpeg" {
		t.Errorf("mime = %q, the Content-Type header must win over the extension", mime)
	}
}

func TestFetchExtensionFallback(t *testing.T) {
	srv := serveImage(t, "", []byte("x"))

	f := NewFetcher(2 * time.Second)
	_, mime, err := f.Fetch(context.Background(), srv.URL+"/pic.gif?sig=abc")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if mime != "image/gif" {
		t.Errorf("mime = %q, want image/gif from the url extension", mime)
	}
}

func TestFetchDefaultMime(t *testing.T) {
	srv := serveImage(t, "application/octet-stream", []byte("x"))

	f := NewFetcher(2 * time.Second)
	_, mime, err := f.Fetch(context.Background(), srv.URL+"/blob")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("mime = %q, want the image/png default", mime)
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	if _, _, err := f.Fetch(context.Background(), srv.URL+"/a.png"); err == nil {
		t.Error("a 404 must surface as an error")
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	f := NewFetcher(50 * time.Millisecond)
	if _, _, err := f.Fetch(context.Background(), srv.URL+"/slow.png"); err == nil {
		t.Error("a slow server must surface as a timeout error")
	}
}
