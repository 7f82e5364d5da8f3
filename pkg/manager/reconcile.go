package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"sitekeeper/pkg/archiver"
	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/registry"
	"sitekeeper/pkg/util"
)

// Reconcile walks every registry entry and repairs the ones whose on-disk
// state disagrees with the record. Archive and restore order their file
// operations so that each possible crash point maps to exactly one of these
// states:
//
//   - live entry, directory and verified artifact both present: the archive
//     finished zipping but died before removing the source. Finish it.
//   - live entry, directory missing, artifact present: the archive removed
//     the source but died before the registry update. Mark archived.
//   - archived entry, directory present: the restore extracted but died
//     before removing the artifact or updating the registry. Finish it.
//   - entry with neither directory nor artifact: nothing left to manage,
//     drop it.
//   - running entry whose process is gone: mark stopped.
//
// Reconcile returns a human-readable line per repair.
func (m *Manager) Reconcile() ([]string, error) {
	var actions []string

	for _, site := range m.reg.List() {
		unlock := m.lockSite(site.Name)
		action, err := m.reconcileSite(site.Name)
		unlock()
		if err != nil {
			return actions, err
		}
		if action != "" {
			actions = append(actions, action)
			m.log.Warn("reconciled site",
				logger.String("site", site.Name),
				logger.String("action", action))
		}
	}

	if len(actions) > 0 && m.bus != nil {
		m.bus.Publish(events.Event{Type: events.SitesUpdated})
	}
	return actions, nil
}

func (m *Manager) reconcileSite(name string) (string, error) {
	site, err := m.reg.Get(name)
	if err != nil {
		return "", nil
	}

	dir := site.Directory
	if dir == "" {
		dir = filepath.Join(m.cfg.BaseDir, name)
	}
	artifact := site.ArchivePath
	if artifact == "" {
		artifact = m.artifactPath(name)
	}

	dirExists := util.Exists(dir)
	artifactOK := util.Exists(artifact) && archiver.Verify(artifact) == nil

	if site.Status == registry.StatusArchived {
		switch {
		case dirExists:
			// Interrupted restore. The artifact was verified before
			// extraction began, so the directory is whole.
			os.Remove(artifact)
			_, err := m.reg.Force(name, func(s *registry.Site) {
				s.Status = registry.StatusStopped
				s.Directory = dir
				s.ArchivePath = ""
				s.PID = 0
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s: completed interrupted restore", name), nil
		case !artifactOK:
			if err := m.reg.Delete(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s: archive artifact missing, entry dropped", name), nil
		}
		return "", nil
	}

	// Live statuses.
	running := site.Status == registry.StatusRunning && m.sup.Alive(site.PID)
	switch {
	case dirExists && artifactOK && !running:
		// Interrupted archive, artifact fully written. Finish it.
		if err := os.RemoveAll(dir); err != nil {
			return "", err
		}
		_, err := m.reg.Force(name, func(s *registry.Site) {
			s.Status = registry.StatusArchived
			s.ArchivePath = artifact
			s.Directory = ""
			s.PID = 0
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: completed interrupted archive", name), nil
	case !dirExists && artifactOK:
		_, err := m.reg.Force(name, func(s *registry.Site) {
			s.Status = registry.StatusArchived
			s.ArchivePath = artifact
			s.Directory = ""
			s.PID = 0
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: directory gone, marked archived", name), nil
	case !dirExists:
		if err := m.reg.Delete(name); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: directory and archive both missing, entry dropped", name), nil
	}

	if site.Status == registry.StatusRunning && !m.sup.Alive(site.PID) {
		_, err := m.reg.Force(name, func(s *registry.Site) {
			s.Status = registry.StatusStopped
			s.PID = 0
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: recorded process %d is gone, marked stopped", name, site.PID), nil
	}
	return "", nil
}
