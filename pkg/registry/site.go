// Package registry tracks every managed site and persists the mapping as a
// single JSON file, written atomically on every mutation.
package registry

// Status is the lifecycle state of a site.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusArchived Status = "archived"
)

// Site is one managed local web-app project.
//
// Exactly one of Directory / ArchivePath is populated: Directory while the
// site is live (created/running/stopped), ArchivePath once it is archived.
// PID is set only while the site is running.
type Site struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Directory   string `json:"directory,omitempty"`
	ArchivePath string `json:"archive_path,omitempty"`
	Status      Status `json:"status"`
	PID         int    `json:"pid,omitempty"`
}

// URL returns the local address the site's server binds to.
func (s *Site) URL() string {
	return siteURL(s.Port)
}

// Live reports whether the site occupies a live directory (not archived).
func (s *Site) Live() bool {
	return s.Status != StatusArchived
}

// transitions maps each status to the statuses reachable from it by an
// explicit user request. Delete is allowed from any non-running status and
// handled separately.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusRunning, StatusArchived},
	StatusRunning:  {StatusStopped},
	StatusStopped:  {StatusRunning, StatusArchived},
	StatusArchived: {StatusStopped}, // restore
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusCreated, StatusRunning, StatusStopped, StatusArchived:
		return true
	}
	return false
}
