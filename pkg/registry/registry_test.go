package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sitekeeper/pkg/errs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(filepath.Join(t.TempDir(), "sites.json"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Create("blog", 5000, "/tmp/sites/blog")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status != StatusCreated {
		t.Errorf("status = %s, want %s", s.Status, StatusCreated)
	}

	got, err := r.Get("blog")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Port != 5000 || got.Directory != "/tmp/sites/blog" {
		t.Errorf("unexpected site: %+v", got)
	}
}

func TestCreateNameConflict(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Create("blog", 5000, "/tmp/sites/blog"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := r.Create("blog", 5001, "/tmp/sites/blog2")
	if !errs.IsKind(err, errs.NameConflict) {
		t.Errorf("duplicate create err = %v, want NAME_CONFLICT", err)
	}
}

func TestNameConflictIncludesArchived(t *testing.T) {
	r := newTestRegistry(t)

	mustCreate(t, r, "blog", 5000)
	mustUpdate(t, r, "blog", StatusArchived, Extra{ArchivePath: "/tmp/_archive/blog.zip"})

	_, err := r.Create("blog", 5001, "/tmp/sites/blog")
	if !errs.IsKind(err, errs.NameConflict) {
		t.Errorf("create over archived name err = %v, want NAME_CONFLICT", err)
	}
}

func TestPortConflictAmongLive(t *testing.T) {
	r := newTestRegistry(t)

	mustCreate(t, r, "blog", 5000)
	if _, err := r.Create("wiki", 5000, "/tmp/sites/wiki"); !errs.IsKind(err, errs.NameConflict) {
		t.Errorf("port reuse err = %v, want conflict", err)
	}

	// An archived site releases its port.
	mustUpdate(t, r, "blog", StatusArchived, Extra{ArchivePath: "/tmp/_archive/blog.zip"})
	if _, err := r.Create("wiki", 5000, "/tmp/sites/wiki"); err != nil {
		t.Errorf("port freed by archive still rejected: %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)

	mustUpdate(t, r, "blog", StatusRunning, Extra{PID: 4242})
	s, _ := r.Get("blog")
	if s.PID != 4242 {
		t.Errorf("pid = %d, want 4242", s.PID)
	}

	mustUpdate(t, r, "blog", StatusStopped, Extra{})
	s, _ = r.Get("blog")
	if s.PID != 0 {
		t.Errorf("pid survives stop: %d", s.PID)
	}

	mustUpdate(t, r, "blog", StatusArchived, Extra{ArchivePath: "/tmp/_archive/blog.zip"})
	s, _ = r.Get("blog")
	if s.Directory != "" || s.ArchivePath == "" {
		t.Errorf("archived record carries directory=%q archive=%q", s.Directory, s.ArchivePath)
	}

	mustUpdate(t, r, "blog", StatusStopped, Extra{Directory: "/tmp/sites/blog"})
	s, _ = r.Get("blog")
	if s.ArchivePath != "" || s.Directory == "" {
		t.Errorf("restored record carries directory=%q archive=%q", s.Directory, s.ArchivePath)
	}
}

func TestInvalidTransitions(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)
	mustUpdate(t, r, "blog", StatusArchived, Extra{ArchivePath: "/tmp/_archive/blog.zip"})

	cases := []Status{StatusRunning, StatusCreated, StatusArchived}
	for _, to := range cases {
		if _, err := r.UpdateStatus("blog", to, Extra{}); !errs.IsKind(err, errs.InvalidTransition) {
			t.Errorf("archived -> %s err = %v, want INVALID_TRANSITION", to, err)
		}
	}
}

func TestRestorePortStolen(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)
	mustUpdate(t, r, "blog", StatusArchived, Extra{ArchivePath: "/tmp/_archive/blog.zip"})
	mustCreate(t, r, "wiki", 5000)

	// Restoring blog onto its original port must be refused while wiki
	// holds it, and succeed on a fresh port.
	_, err := r.UpdateStatus("blog", StatusStopped, Extra{Directory: "/tmp/sites/blog"})
	if !errs.IsKind(err, errs.ConflictingTarget) {
		t.Fatalf("restore onto taken port err = %v, want CONFLICTING_TARGET", err)
	}
	s, err := r.UpdateStatus("blog", StatusStopped, Extra{Directory: "/tmp/sites/blog", Port: 5001})
	if err != nil {
		t.Fatalf("restore with new port: %v", err)
	}
	if s.Port != 5001 {
		t.Errorf("port = %d, want 5001", s.Port)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")

	r := NewRegistry(path)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mustCreate(t, r, "blog", 5000)
	mustUpdate(t, r, "blog", StatusRunning, Extra{PID: 99})

	r2 := NewRegistry(path)
	if err := r2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	s, err := r2.Get("blog")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if s.Status != StatusRunning || s.PID != 99 || s.Port != 5000 {
		t.Errorf("reloaded site = %+v", s)
	}

	// The file on disk is well-formed JSON keyed by name.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read registry file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("registry file not valid JSON: %v", err)
	}
	if _, ok := raw["blog"]; !ok {
		t.Errorf("registry file missing blog entry: %s", data)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	r := NewRegistry(path)
	if err := r.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("fresh registry not empty")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Load did not initialize %s: %v", path, err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path)
	if err := r.Load(); !errs.IsKind(err, errs.IOFailure) {
		t.Errorf("corrupt load err = %v, want IO_FAILURE", err)
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)

	if err := r.Delete("blog"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("blog"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := r.Delete("blog"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestUsedPorts(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)
	mustCreate(t, r, "wiki", 5001)
	mustUpdate(t, r, "wiki", StatusArchived, Extra{ArchivePath: "/tmp/_archive/wiki.zip"})

	used := r.UsedPorts()
	if !used[5000] {
		t.Errorf("port 5000 not marked used")
	}
	if used[5001] {
		t.Errorf("archived site still holds port 5001")
	}
}

func TestForceBypassesStateMachine(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "blog", 5000)

	// created -> stopped is not a user transition but reconciliation may
	// observe it.
	s, err := r.Force("blog", func(s *Site) {
		s.Status = StatusStopped
	})
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if s.Status != StatusStopped {
		t.Errorf("status = %s", s.Status)
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry(t)
	mustCreate(t, r, "wiki", 5001)
	mustCreate(t, r, "blog", 5000)
	mustCreate(t, r, "api", 5002)

	var names []string
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	want := []string{"api", "blog", "wiki"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List order = %v, want %v", names, want)
		}
	}
}

func mustCreate(t *testing.T, r *Registry, name string, port int) {
	t.Helper()
	if _, err := r.Create(name, port, "/tmp/sites/"+name); err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
}

func mustUpdate(t *testing.T, r *Registry, name string, status Status, extra Extra) {
	t.Helper()
	if _, err := r.UpdateStatus(name, status, extra); err != nil {
		t.Fatalf("UpdateStatus %s -> %s: %v", name, status, err)
	}
}
