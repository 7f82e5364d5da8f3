// Package manager wires the registry, port allocator, scaffolder, process
// supervisor and archiver into the site lifecycle operations. All state
// changes flow through here; the CLI and the daemon API are thin callers.
package manager

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"sitekeeper/pkg/archiver"
	"sitekeeper/pkg/config"
	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/ports"
	"sitekeeper/pkg/registry"
	"sitekeeper/pkg/scaffold"
	"sitekeeper/pkg/supervisor"
)

// probeTimeout bounds the per-site TCP liveness probe.
const probeTimeout = 500 * time.Millisecond

// openWaitTimeout is how long OpenSite waits for a freshly started site to
// begin accepting connections before opening the browser anyway.
const openWaitTimeout = 5 * time.Second

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type Manager struct {
	cfg   *config.Config
	reg   *registry.Registry
	alloc *ports.Allocator
	sup   *supervisor.Supervisor
	bus   *events.Bus
	log   logger.Logger

	// Platform openers, swappable in tests.
	openBrowser func(url string) error
	openFolder  func(path string) error

	// mu guards siteMu; each site gets its own lock so long operations
	// on one site do not block the others.
	mu     sync.Mutex
	siteMu map[string]*sync.Mutex
}

func New(cfg *config.Config, reg *registry.Registry, sup *supervisor.Supervisor, bus *events.Bus, log logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		reg:         reg,
		alloc:       ports.NewAllocator(cfg.PortMin, cfg.PortMax),
		sup:         sup,
		bus:         bus,
		log:         log,
		openBrowser: supervisor.OpenBrowser,
		openFolder:  supervisor.OpenFolder,
		siteMu:      make(map[string]*sync.Mutex),
	}
}

// lockSite serializes operations on a single site.
func (m *Manager) lockSite(name string) func() {
	m.mu.Lock()
	lock, ok := m.siteMu[name]
	if !ok {
		lock = &sync.Mutex{}
		m.siteMu[name] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// NormalizeName lowercases and trims a requested site name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validateName(op, name string) error {
	if name == "" {
		return errs.New(errs.NameConflict, op, name, "site name is empty")
	}
	if !namePattern.MatchString(name) {
		return errs.Newf(errs.NameConflict, op, name, "invalid site name %q (lowercase letters, digits, - and _ only)", name)
	}
	return nil
}

// CreateSite allocates a port, scaffolds the project directory and registers
// the site. The registry entry is written only after the directory exists,
// so a crash mid-create leaves at worst an orphan directory.
func (m *Manager) CreateSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	if err := validateName("create", name); err != nil {
		return nil, err
	}
	unlock := m.lockSite(name)
	defer unlock()

	if _, err := m.reg.Get(name); err == nil {
		return nil, errs.New(errs.NameConflict, "create", name, "site already exists")
	}

	port, err := m.alloc.Allocate(m.reg.UsedPorts())
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(m.cfg.BaseDir, name)
	if err := scaffold.Generate(dir, name, port); err != nil {
		return nil, err
	}

	site, err := m.reg.Create(name, port, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.log.Info("site created",
		logger.String("site", name),
		logger.Int("port", port))
	m.publish(events.SiteCreated, site)
	return site, nil
}

// StartSite launches the site's server process and records the PID.
func (m *Manager) StartSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.refreshed(name)
	if err != nil {
		return nil, err
	}
	if site.Status == registry.StatusRunning {
		return nil, errs.New(errs.InvalidTransition, "start", name, "site is already running")
	}
	if !registry.CanTransition(site.Status, registry.StatusRunning) {
		return nil, errs.Newf(errs.InvalidTransition, "start", name, "cannot start a site that is %s", site.Status)
	}

	pid, err := m.sup.Start(name, site.Directory)
	if err != nil {
		return nil, err
	}

	site, err = m.reg.UpdateStatus(name, registry.StatusRunning, registry.Extra{PID: pid})
	if err != nil {
		m.sup.Stop(name, pid)
		return nil, err
	}

	m.publish(events.SiteStarted, site)

	// Browser open is best-effort: a failure is a warning, never a failed
	// start.
	if m.cfg.OpenBrowser {
		if err := m.openBrowser(site.URL()); err != nil {
			m.log.Warn("browser open failed",
				logger.String("site", name),
				logger.Error(err))
		}
	}
	return site, nil
}

// StopSite terminates the site's process and marks it stopped.
func (m *Manager) StopSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.refreshed(name)
	if err != nil {
		return nil, err
	}
	if site.Status != registry.StatusRunning {
		return nil, errs.Newf(errs.InvalidTransition, "stop", name, "site is %s, not running", site.Status)
	}

	if site.PID != 0 {
		if err := m.sup.Stop(name, site.PID); err != nil {
			return nil, err
		}
	}

	site, err = m.reg.UpdateStatus(name, registry.StatusStopped, registry.Extra{})
	if err != nil {
		return nil, err
	}

	m.publish(events.SiteStopped, site)
	return site, nil
}

// ArchiveSite compresses the site directory into <archive_dir>/<name>.zip,
// removes the directory and marks the site archived. Running sites must be
// stopped first.
func (m *Manager) ArchiveSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.refreshed(name)
	if err != nil {
		return nil, err
	}
	if !registry.CanTransition(site.Status, registry.StatusArchived) {
		return nil, errs.Newf(errs.InvalidTransition, "archive", name, "cannot archive a site that is %s", site.Status)
	}

	artifact := m.artifactPath(name)
	if err := archiver.Archive(name, site.Directory, artifact); err != nil {
		return nil, err
	}

	site, err = m.reg.UpdateStatus(name, registry.StatusArchived, registry.Extra{ArchivePath: artifact})
	if err != nil {
		// The directory is gone and the artifact is good; reconciliation
		// repairs the registry on the next pass.
		return nil, err
	}

	m.log.Info("site archived",
		logger.String("site", name),
		logger.String("artifact", artifact))
	m.publish(events.SiteArchived, site)
	return site, nil
}

// RestoreSite extracts an archived site back into the base directory and
// marks it stopped. The site keeps its original port when that port is still
// free; otherwise a new one is allocated and the scaffold sources are
// rewritten to match.
func (m *Manager) RestoreSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.reg.Get(name)
	if err != nil {
		return nil, m.notFound("restore", name, err)
	}
	if site.Status != registry.StatusArchived {
		return nil, errs.Newf(errs.InvalidTransition, "restore", name, "site is %s, not archived", site.Status)
	}

	dir := filepath.Join(m.cfg.BaseDir, name)
	if err := archiver.Restore(name, site.ArchivePath, dir); err != nil {
		return nil, err
	}

	port := site.Port
	used := m.reg.UsedPorts()
	if used[port] || !ports.Listenable(port) {
		newPort, err := m.alloc.Allocate(used)
		if err != nil {
			return nil, err
		}
		if err := scaffold.UpdatePort(dir, name, port, newPort); err != nil {
			return nil, err
		}
		m.log.Warn("original port taken, site reassigned",
			logger.String("site", name),
			logger.Int("old_port", port),
			logger.Int("new_port", newPort))
		port = newPort
	}

	site, err = m.reg.UpdateStatus(name, registry.StatusStopped, registry.Extra{Directory: dir, Port: port})
	if err != nil {
		return nil, err
	}

	m.publish(events.SiteRestored, site)
	return site, nil
}

// DeleteSite removes a live site: its directory and its registry entry.
// Running sites are rejected; archived sites go through DeleteArchive.
func (m *Manager) DeleteSite(name string) error {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.refreshed(name)
	if err != nil {
		return err
	}
	if site.Status == registry.StatusRunning {
		return errs.New(errs.InvalidTransition, "delete", name, "stop the site before deleting it")
	}
	if site.Status == registry.StatusArchived {
		return errs.New(errs.InvalidTransition, "delete", name, "site is archived, delete the archive instead")
	}

	if err := os.RemoveAll(site.Directory); err != nil {
		return errs.Wrap(errs.IOFailure, "delete", name, err)
	}
	if err := m.reg.Delete(name); err != nil {
		return err
	}

	m.log.Info("site deleted", logger.String("site", name))
	m.publish(events.SiteDeleted, site)
	return nil
}

// DeleteArchive removes an archived site's artifact and registry entry.
func (m *Manager) DeleteArchive(name string) error {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()

	site, err := m.reg.Get(name)
	if err != nil {
		return m.notFound("delete-archive", name, err)
	}
	if site.Status != registry.StatusArchived {
		return errs.Newf(errs.InvalidTransition, "delete-archive", name, "site is %s, not archived", site.Status)
	}

	if err := archiver.Remove(name, site.ArchivePath); err != nil {
		return err
	}
	if err := m.reg.Delete(name); err != nil {
		return err
	}

	m.log.Info("archive deleted", logger.String("site", name))
	m.publish(events.SiteDeleted, site)
	return nil
}

// OpenSite opens the site's URL in the default browser, starting the site
// first if it is not running.
func (m *Manager) OpenSite(name string) (*registry.Site, error) {
	name = NormalizeName(name)

	site, err := m.Site(name)
	if err != nil {
		return nil, err
	}

	opened := false
	if site.Status != registry.StatusRunning {
		site, err = m.StartSite(name)
		if err != nil {
			return nil, err
		}
		opened = m.cfg.OpenBrowser
		deadline := time.Now().Add(openWaitTimeout)
		for time.Now().Before(deadline) {
			if ports.Connectable(site.Port, probeTimeout) {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}

	if !opened {
		if err := m.openBrowser(site.URL()); err != nil {
			return nil, errs.Wrap(errs.ProcessFailure, "open", name, err)
		}
	}
	return site, nil
}

// OpenFolder reveals the site's directory in the platform file manager.
func (m *Manager) OpenFolder(name string) (*registry.Site, error) {
	name = NormalizeName(name)

	site, err := m.Site(name)
	if err != nil {
		return nil, err
	}
	if site.Status == registry.StatusArchived {
		return nil, errs.New(errs.InvalidTransition, "open-folder", name, "site is archived, restore it first")
	}

	if err := m.openFolder(site.Directory); err != nil {
		return nil, errs.Wrap(errs.ProcessFailure, "open-folder", name, err)
	}
	return site, nil
}

// Site returns the named site with its status refreshed against the OS.
func (m *Manager) Site(name string) (*registry.Site, error) {
	name = NormalizeName(name)
	unlock := m.lockSite(name)
	defer unlock()
	return m.refreshed(name)
}

// Sites returns all sites, refreshing each live entry's status against what
// the OS reports. The TCP probe is authoritative: a site whose port answers
// is running no matter what the registry last recorded.
func (m *Manager) Sites() []*registry.Site {
	var out []*registry.Site
	for _, s := range m.reg.List() {
		unlock := m.lockSite(s.Name)
		refreshed, err := m.refreshed(s.Name)
		unlock()
		if err != nil {
			// Dropped by a concurrent delete.
			continue
		}
		out = append(out, refreshed)
	}
	return out
}

// refreshed returns the site after folding in observed process and port
// state. Caller holds the site lock.
func (m *Manager) refreshed(name string) (*registry.Site, error) {
	site, err := m.reg.Get(name)
	if err != nil {
		return nil, m.notFound("status", name, err)
	}
	if site.Status == registry.StatusArchived {
		return site, nil
	}

	connectable := ports.Connectable(site.Port, probeTimeout)
	switch {
	case site.Status == registry.StatusRunning && !connectable && !m.sup.Alive(site.PID):
		m.log.Warn("site process gone, marking stopped",
			logger.String("site", name),
			logger.Int("pid", site.PID))
		return m.reg.Force(name, func(s *registry.Site) {
			s.Status = registry.StatusStopped
			s.PID = 0
		})
	case site.Status != registry.StatusRunning && connectable:
		pid := site.PID
		if !m.sup.Alive(pid) {
			pid = 0
		}
		return m.reg.Force(name, func(s *registry.Site) {
			s.Status = registry.StatusRunning
			s.PID = pid
		})
	}
	return site, nil
}

func (m *Manager) artifactPath(name string) string {
	return filepath.Join(m.cfg.ArchiveDir, name+".zip")
}

func (m *Manager) publish(event events.EventType, site *registry.Site) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: event, Payload: site})
		m.bus.Publish(events.Event{Type: events.SitesUpdated})
	}
}

func (m *Manager) notFound(op, name string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return errs.New(errs.NameConflict, op, name, "no such site")
	}
	return err
}
