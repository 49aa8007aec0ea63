package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/qqacp/bridge/internal/common/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error"})
	return log
}

type fakeLister struct {
	ids []string
}

func (f *fakeLister) ChatIDs() []string { return f.ids }

func TestHealth(t *testing.T) {
	r := NewRouter(&fakeLister{}, newTestLogger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("responses must echo a request id")
	}
}

func TestChats(t *testing.T) {
	r := NewRouter(&fakeLister{ids: []string{"private:111", "group:222"}}, newTestLogger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Chats []string `json:"chats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Chats) != 2 {
		t.Errorf("chats = %v, want both ids", body.Chats)
	}
}
