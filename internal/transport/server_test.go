package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dronewatch/meshmapper/internal/alias"
	"github.com/dronewatch/meshmapper/internal/faa"
	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/remoteid"
	"github.com/dronewatch/meshmapper/internal/storage"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

type stubFetcher struct {
	payload json.RawMessage
	err     error
	calls   int
}

func (f *stubFetcher) FetchRegistration(context.Context, string) (json.RawMessage, error) {
	f.calls++
	return f.payload, f.err
}

type testAPI struct {
	srv      *httptest.Server
	registry *tracker.Tracker
	fetcher  *stubFetcher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := storage.New(filepath.Join(t.TempDir(), "meshmapper.sqlite"))
	t.Cleanup(func() { db.Close() })

	aliases, err := alias.Open(db)
	if err != nil {
		t.Fatalf("Failed to open alias store: %v", err)
	}

	registry := tracker.New(tracker.Config{}, tracker.WithAliases(aliases.Label))
	notifier := notify.New()
	t.Cleanup(notifier.Close)

	fetcher := &stubFetcher{payload: json.RawMessage(`{"registrant":"ACME DRONES"}`)}

	api := NewServer("127.0.0.1:0",
		registry,
		aliases,
		faa.New(fetcher, time.Hour),
		notify.NewWebhook(logger),
		notifier,
		health.NewMonitor(0),
		NewHub(registry),
	)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, registry: registry, fetcher: fetcher}
}

func (a *testAPI) merge(t *testing.T, mac string) string {
	t.Helper()

	lat, lon := 51.5, -0.12
	ev := remoteid.DetectionEvent{
		ReceiverID: "rooftop",
		MAC:        mac,
		Latitude:   &lat,
		Longitude:  &lon,
		Timestamp:  time.Now(),
	}
	change, err := a.registry.Merge(ev)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	return change.Key
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	resp, err := a.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

func TestDetections(t *testing.T) {
	api := newTestAPI(t)
	key := api.merge(t, "aa:bb:cc:dd:ee:01")

	resp, data := api.do(t, http.MethodGet, "/api/detections", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var records []tracker.Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(records) != 1 || records[0].Key != key {
		t.Errorf("Expected one record for %s, got %+v", key, records)
	}

	resp, _ = api.do(t, http.MethodGet, "/api/detections/"+key, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for %s, got %d", key, resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodGet, "/api/detections/ff:ff:ff:ff:ff:ff", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown key, got %d", resp.StatusCode)
	}
}

func TestReactivate(t *testing.T) {
	api := newTestAPI(t)
	key := api.merge(t, "aa:bb:cc:dd:ee:02")

	resp, data := api.do(t, http.MethodPost, "/api/reactivate/"+key, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, data)
	}

	var rec tracker.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rec.State != tracker.StateActive {
		t.Errorf("Expected active record, got %s", rec.State)
	}

	resp, _ = api.do(t, http.MethodPost, "/api/reactivate/never:seen", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown key, got %d", resp.StatusCode)
	}
}

func TestLock(t *testing.T) {
	api := newTestAPI(t)
	key := api.merge(t, "aa:bb:cc:dd:ee:03")

	resp, _ := api.do(t, http.MethodPost, "/api/lock/"+key, `{"locked":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPost, "/api/lock/"+key, "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestAliases(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/api/aliases", `{"key":"aa:bb:cc:dd:ee:04","label":"survey-quad"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	resp, data := api.do(t, http.MethodGet, "/api/aliases", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var aliases map[string]string
	if err := json.Unmarshal(data, &aliases); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if aliases["aa:bb:cc:dd:ee:04"] != "survey-quad" {
		t.Errorf("Expected alias survey-quad, got %q", aliases["aa:bb:cc:dd:ee:04"])
	}

	// The alias joins into registry snapshots.
	key := api.merge(t, "aa:bb:cc:dd:ee:04")
	_, data = api.do(t, http.MethodGet, "/api/detections/"+key, "")
	var rec tracker.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rec.Alias != "survey-quad" {
		t.Errorf("Expected joined alias, got %q", rec.Alias)
	}

	resp, _ = api.do(t, http.MethodDelete, "/api/aliases/aa:bb:cc:dd:ee:04", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	resp, _ = api.do(t, http.MethodDelete, "/api/aliases/aa:bb:cc:dd:ee:04", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 clearing a cleared alias, got %d", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPost, "/api/aliases", `{"label":"missing key"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without key, got %d", resp.StatusCode)
	}
}

func TestRegistrationLookup(t *testing.T) {
	api := newTestAPI(t)

	resp, data := api.do(t, http.MethodGet, "/api/faa/FIN87astrdge12k8", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "ACME DRONES") {
		t.Errorf("Expected registry payload, got %s", data)
	}

	// Second hit is served from cache.
	api.do(t, http.MethodGet, "/api/faa/FIN87astrdge12k8", "")
	if api.fetcher.calls != 1 {
		t.Errorf("Expected one upstream fetch, got %d", api.fetcher.calls)
	}

	api.fetcher.err = faa.ErrNotFound
	resp, _ = api.do(t, http.MethodGet, "/api/faa/UNREGISTERED1111", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for confirmed not-found, got %d", resp.StatusCode)
	}

	api.fetcher.err = errors.New("connection refused")
	resp, _ = api.do(t, http.MethodGet, "/api/faa/TRANSIENT9999", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 for transient fault, got %d", resp.StatusCode)
	}
}

func TestWebhookConfig(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/api/webhook", `{"url":"http://ops.example/hook"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	_, data := api.do(t, http.MethodGet, "/api/webhook", "")
	var cfg map[string]string
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if cfg["url"] != "http://ops.example/hook" {
		t.Errorf("Expected configured URL, got %q", cfg["url"])
	}
}

func TestStatus(t *testing.T) {
	api := newTestAPI(t)
	api.merge(t, "aa:bb:cc:dd:ee:05")

	resp, data := api.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var st statusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if st.Detections != 1 {
		t.Errorf("Expected one detection, got %d", st.Detections)
	}
	if st.Webhook {
		t.Error("Expected webhook unconfigured")
	}
}
