package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/util"
)

// ErrNotFound is returned when an operation names a site the registry does
// not know about.
var ErrNotFound = errors.New("site not found")

// Registry owns the in-memory site index and its persisted JSON form.
// Every mutation is validated against the lifecycle invariants and written
// out atomically (temp file + rename) before it returns.
//
// The registry serializes its own reads and writes; per-site operation
// ordering (no two concurrent archive/start on the same name) is the
// caller's job.
type Registry struct {
	mu       sync.RWMutex
	filePath string
	sites    map[string]*Site
}

func NewRegistry(filePath string) *Registry {
	return &Registry{
		filePath: filePath,
		sites:    make(map[string]*Site),
	}
}

// Load reads the registry from disk. A missing file initializes an empty
// registry and creates it.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.filePath)
	if os.IsNotExist(err) {
		r.sites = make(map[string]*Site)
		return r.persistLocked()
	}
	if err != nil {
		return errs.Wrap(errs.IOFailure, "load", "", err)
	}

	sites := make(map[string]*Site)
	if err := json.Unmarshal(data, &sites); err != nil {
		return errs.Wrap(errs.IOFailure, "load", "", fmt.Errorf("corrupt registry %s: %w", r.filePath, err))
	}

	for name, s := range sites {
		if s.Name == "" {
			s.Name = name
		}
	}
	r.sites = sites
	return nil
}

// persistLocked writes the current index to disk. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.sites, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IOFailure, "persist", "", err)
	}
	if err := util.WriteFileAtomic(r.filePath, data, 0644); err != nil {
		return errs.Wrap(errs.IOFailure, "persist", "", err)
	}
	return nil
}

// Create registers a new site with status=created. The name must be unused
// across active and archived entries; the port must be unused among live
// entries.
func (r *Registry) Create(name string, port int, directory string) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sites[name]; exists {
		return nil, errs.Newf(errs.NameConflict, "create", name, "name already registered")
	}
	for _, s := range r.sites {
		if s.Live() && s.Port == port {
			return nil, errs.Newf(errs.NameConflict, "create", name, "port %d already claimed by %q", port, s.Name)
		}
	}

	site := &Site{
		Name:      name,
		Port:      port,
		Directory: directory,
		Status:    StatusCreated,
	}
	if err := validate(site); err != nil {
		return nil, err
	}

	r.sites[name] = site
	if err := r.persistLocked(); err != nil {
		delete(r.sites, name)
		return nil, err
	}

	cp := *site
	return &cp, nil
}

// Get returns a copy of the named site.
func (r *Registry) Get(name string) (*Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	cp := *s
	return &cp, nil
}

// List returns copies of all sites, sorted by name.
func (r *Registry) List() []*Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Site, 0, len(r.sites))
	for _, s := range r.sites {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Extra carries the field updates that accompany a status transition.
// Zero-valued fields leave the corresponding site field alone, except that
// setting Directory clears ArchivePath and vice versa, and any transition
// away from running clears the PID.
type Extra struct {
	PID         int
	Directory   string
	ArchivePath string
	Port        int // used by restore when the original port was taken
}

// UpdateStatus moves the named site to a new status after validating the
// transition against the state machine. The change is persisted before it
// becomes visible to readers.
func (r *Registry) UpdateStatus(name string, status Status, extra Extra) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !ValidStatus(status) {
		return nil, errs.Newf(errs.InvalidTransition, "update", name, "unknown status %q", status)
	}
	if !CanTransition(cur.Status, status) {
		return nil, errs.Newf(errs.InvalidTransition, "update", name, "cannot go from %s to %s", cur.Status, status)
	}

	next := *cur
	next.Status = status
	applyExtra(&next, extra)

	if next.Live() {
		for _, other := range r.sites {
			if other.Name != name && other.Live() && other.Port == next.Port {
				return nil, errs.Newf(errs.ConflictingTarget, "update", name, "port %d already claimed by %q", next.Port, other.Name)
			}
		}
	}
	if err := validate(&next); err != nil {
		return nil, err
	}

	r.sites[name] = &next
	if err := r.persistLocked(); err != nil {
		r.sites[name] = cur
		return nil, err
	}

	cp := next
	return &cp, nil
}

// Force applies an observed-reality correction outside the state machine.
// Reserved for the reconciliation pass; direct user requests go through
// UpdateStatus.
func (r *Registry) Force(name string, mutate func(*Site)) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	next := *cur
	mutate(&next)
	next.Name = cur.Name // name is immutable

	if err := validate(&next); err != nil {
		return nil, err
	}

	r.sites[name] = &next
	if err := r.persistLocked(); err != nil {
		r.sites[name] = cur
		return nil, err
	}

	cp := next
	return &cp, nil
}

// Delete removes the named site from the registry.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.sites[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	delete(r.sites, name)
	if err := r.persistLocked(); err != nil {
		r.sites[name] = old
		return err
	}
	return nil
}

// UsedPorts returns the ports claimed by live (non-archived) sites.
func (r *Registry) UsedPorts() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	used := make(map[int]bool)
	for _, s := range r.sites {
		if s.Live() {
			used[s.Port] = true
		}
	}
	return used
}

func applyExtra(s *Site, extra Extra) {
	if extra.Directory != "" {
		s.Directory = extra.Directory
		s.ArchivePath = ""
	}
	if extra.ArchivePath != "" {
		s.ArchivePath = extra.ArchivePath
		s.Directory = ""
	}
	if extra.Port != 0 {
		s.Port = extra.Port
	}
	if s.Status == StatusRunning {
		s.PID = extra.PID
	} else {
		s.PID = 0
	}
}

// validate enforces the structural invariants on a single site record.
func validate(s *Site) error {
	if s.Name == "" {
		return errs.New(errs.IOFailure, "validate", "", "empty site name")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errs.Newf(errs.IOFailure, "validate", s.Name, "invalid port %d", s.Port)
	}
	if !ValidStatus(s.Status) {
		return errs.Newf(errs.IOFailure, "validate", s.Name, "invalid status %q", s.Status)
	}
	if s.Status == StatusArchived {
		if s.ArchivePath == "" || s.Directory != "" {
			return errs.New(errs.IOFailure, "validate", s.Name, "archived site must carry archive_path and no directory")
		}
	} else {
		if s.Directory == "" || s.ArchivePath != "" {
			return errs.New(errs.IOFailure, "validate", s.Name, "live site must carry directory and no archive_path")
		}
	}
	if s.PID != 0 && s.Status != StatusRunning {
		return errs.Newf(errs.IOFailure, "validate", s.Name, "pid set while status=%s", s.Status)
	}
	return nil
}

func siteURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
