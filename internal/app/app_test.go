package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/qudata/provisioner/internal/config"
)

func testConfig(t *testing.T, providerURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = providerURL
	cfg.Provider.Timeout = 5 * time.Second
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.Fleet.Debounce = 10 * time.Millisecond
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Invalid API token."}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/os":
			_, _ = w.Write([]byte(`{"os":[{"id":387,"name":"Ubuntu 20.04 x64"}],"meta":{"total":1}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/instances":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"instance":{"id":"v-1","region":"ewr","vcpu_count":1,"ram":1024,"disk":25,"status":"pending"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, token, body string) (int, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestEndToEnd(t *testing.T) {
	provider := fakeProvider(t)
	cfg := testConfig(t, provider.URL)

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.hub.Close()
		a.closeResources()
	})
	if err := a.store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	srv := httptest.NewServer(a.httpServer.Handler())
	defer srv.Close()

	key := base58.Encode(bytes.Repeat([]byte{3}, 32))
	status, body := post(t, srv.URL+"/wallet/connect", "", fmt.Sprintf(`{"publicKey":%q}`, key))
	if status != http.StatusOK {
		t.Fatalf("connect = %d %s", status, body)
	}
	var conn struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &conn); err != nil || conn.Token == "" {
		t.Fatalf("connect body %s: %v", body, err)
	}

	status, body = post(t, srv.URL+"/provision-server", conn.Token, `{"action":"get-os-list"}`)
	if status != http.StatusOK || !strings.Contains(string(body), `"Ubuntu 20.04 x64"`) {
		t.Fatalf("list os = %d %s", status, body)
	}

	status, body = post(t, srv.URL+"/", conn.Token,
		`{"action":"create","serverConfig":{"region":"ewr","plan":"vc2-1c-1gb","os_id":387,"label":"web"}}`)
	if status != http.StatusOK {
		t.Fatalf("create = %d %s", status, body)
	}

	status, body = post(t, srv.URL+"/", conn.Token, `{"action":"start","serverId":"does-not-exist"}`)
	if status != http.StatusBadRequest || !strings.Contains(string(body), "Server not found") {
		t.Errorf("start unknown = %d %s", status, body)
	}

	status, body = post(t, srv.URL+"/", "", `{"action":"get-os-list"}`)
	if status != http.StatusBadRequest || !strings.Contains(string(body), "Not authenticated") {
		t.Errorf("anonymous = %d %s", status, body)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/fleet/history", nil)
	req.Header.Set("Authorization", "Bearer "+conn.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	var hist struct {
		HistoricalData []struct {
			TotalServers int     `json:"totalServers"`
			UptimeRate   float64 `json:"uptimeRate"`
		} `json:"historicalData"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.HistoricalData) == 0 || hist.HistoricalData[0].TotalServers != 1 || hist.HistoricalData[0].UptimeRate != 0 {
		t.Errorf("history = %+v, want one provisioning server at 0%%", hist.HistoricalData)
	}
}

func connect(t *testing.T, baseURL, key string) string {
	t.Helper()
	status, body := post(t, baseURL+"/wallet/connect", "", fmt.Sprintf(`{"publicKey":%q}`, key))
	if status != http.StatusOK {
		t.Fatalf("connect = %d %s", status, body)
	}
	var conn struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &conn); err != nil || conn.Token == "" {
		t.Fatalf("connect body %s: %v", body, err)
	}
	return conn.Token
}

func fleetTotal(t *testing.T, baseURL, token string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, baseURL+"/fleet/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	var hist struct {
		HistoricalData []struct {
			TotalServers int `json:"totalServers"`
		} `json:"historicalData"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.HistoricalData) == 0 {
		t.Fatal("empty history")
	}
	return hist.HistoricalData[len(hist.HistoricalData)-1].TotalServers
}

func TestFleetHistoryIsPerUserOnSharedWallet(t *testing.T) {
	provider := fakeProvider(t)
	a, err := New(testConfig(t, provider.URL), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.hub.Close()
		a.closeResources()
	})
	if err := a.store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	srv := httptest.NewServer(a.httpServer.Handler())
	defer srv.Close()

	key := base58.Encode(bytes.Repeat([]byte{5}, 32))
	alice := connect(t, srv.URL, key)
	status, body := post(t, srv.URL+"/", alice,
		`{"action":"create","serverConfig":{"region":"ewr","plan":"vc2-1c-1gb","os_id":387,"label":"web"}}`)
	if status != http.StatusOK {
		t.Fatalf("create = %d %s", status, body)
	}

	bob := connect(t, srv.URL, key)
	if n := fleetTotal(t, srv.URL, bob); n != 0 {
		t.Errorf("second user on the same wallet sees %d servers, want 0", n)
	}
	if n := fleetTotal(t, srv.URL, alice); n != 1 {
		t.Errorf("owner sees %d servers, want 1", n)
	}
}

func TestShutdownEndsOpenFleetStream(t *testing.T) {
	a, err := New(testConfig(t, "http://127.0.0.1:1"), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = a.httpServer.Serve(ln) }()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx)
	}()

	baseURL := "http://" + ln.Addr().String()
	token := connect(t, baseURL, base58.Encode(bytes.Repeat([]byte{7}, 32)))

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/fleet/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "event:history") {
		t.Fatalf("first stream line = %q, %v", line, err)
	}

	start := time.Now()
	a.shutdown(stopHub, hubDone)
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("shutdown took %s with an open stream", took)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t, "")
	if err := Migrate(context.Background(), cfg); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
