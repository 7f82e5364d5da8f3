package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitekeeper/pkg/config"
	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/logwatch"
	"sitekeeper/pkg/manager"
	"sitekeeper/pkg/registry"
	"sitekeeper/pkg/supervisor"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir:     base,
		ArchiveDir:  filepath.Join(base, "_archive"),
		LogDir:      filepath.Join(base, "_logs"),
		PortMin:     18400,
		PortMax:     18499,
		PythonBin:   "/bin/sh",
		StopTimeout: 2,
	}
	for _, dir := range []string{cfg.ArchiveDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	reg := registry.NewRegistry(cfg.RegistryPath())
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	log := logger.Nop()
	sup := supervisor.New(cfg.PythonBin, cfg.LogDir, cfg.StopTimeoutDuration(), log)
	bus := events.NewBus()
	mgr := manager.New(cfg, reg, sup, bus, log)
	watcher := logwatch.NewWatcher(bus, sup.LogPath)
	t.Cleanup(watcher.StopAll)

	srv := NewServer(0, mgr, sup, watcher, bus, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndListSites(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var site registry.Site
	decodeBody(t, resp, &site)
	if site.Name != "blog" || site.Port != 18400 {
		t.Errorf("created site = %+v", site)
	}

	listResp, err := http.Get(ts.URL + "/api/sites")
	if err != nil {
		t.Fatal(err)
	}
	var sites []registry.Site
	decodeBody(t, listResp, &sites)
	if len(sites) != 1 || sites[0].Name != "blog" {
		t.Errorf("sites = %+v", sites)
	}
}

func TestCreateConflictStatus(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"}).Body.Close()
	resp := postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}
	var errResp ErrorResponse
	decodeBody(t, resp, &errResp)
	if errResp.Kind != "NAME_CONFLICT" {
		t.Errorf("kind = %q", errResp.Kind)
	}
}

func TestArchiveRunsInBackground(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/sites/archive", map[string]string{"name": "blog"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("archive status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	// Poll the list until the background archive lands.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		listResp, err := http.Get(ts.URL + "/api/sites")
		if err != nil {
			t.Fatal(err)
		}
		var sites []registry.Site
		decodeBody(t, listResp, &sites)
		if len(sites) == 1 && sites[0].Status == registry.StatusArchived {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("site never reached archived status")
}

func TestStopWithoutStartStatus(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"}).Body.Close()
	resp := postJSON(t, ts.URL+"/api/sites/stop", map[string]string{"name": "blog"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stop created site status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/sites/create", map[string]string{"name": "blog"}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var stats struct {
		SitesTotal int `json:"sites_total"`
	}
	decodeBody(t, resp, &stats)
	if stats.SitesTotal != 1 {
		t.Errorf("sites_total = %d", stats.SitesTotal)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/reconcile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d", resp.StatusCode)
	}
	var body struct {
		Repaired []string `json:"repaired"`
	}
	decodeBody(t, resp, &body)
	if len(body.Repaired) != 0 {
		t.Errorf("repaired = %v on clean state", body.Repaired)
	}
}
