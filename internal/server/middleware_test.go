package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

type countingReader struct {
	mu sync.Mutex
	r  *strings.Reader
	n  int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) read() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestRecoveryDoesNotReadBody(t *testing.T) {
	gin.SetMode(gin.ReleaseMode)
	var logs bytes.Buffer
	router := gin.New()
	router.Use(RecoveryMiddleware(slog.New(slog.NewTextHandler(&logs, nil))))
	router.POST("/boom", func(*gin.Context) { panic("boom") })

	payload := strings.Repeat("x", 1<<20)
	body := &countingReader{r: strings.NewReader(payload)}
	req := httptest.NewRequest(http.MethodPost, "/boom", body)
	req.ContentLength = int64(len(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if n := body.read(); n != 0 {
		t.Errorf("recovery read %d body bytes, want 0", n)
	}
	if !strings.Contains(logs.String(), "content_length=1048576") {
		t.Errorf("log missing content length: %s", logs.String())
	}
}
