// Package logwatch follows per-site server logs and broadcasts each new
// line on the event bus, so API clients can stream a site's output live.
package logwatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"sitekeeper/pkg/events"
)

// Level classifies a log line for display.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is a single log line with metadata, keyed by the site it came from.
type Entry struct {
	ID        string `json:"id"`
	Site      string `json:"site"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Raw       string `json:"raw"`
}

// Watcher tails site log files and publishes Entry events.
type Watcher struct {
	bus     *events.Bus
	pathFor func(site string) string

	mu       sync.Mutex
	watchers map[string]*tail.Tail
	counter  int64
}

// NewWatcher creates a watcher; pathFor maps a site name to its log file,
// normally Supervisor.LogPath.
func NewWatcher(bus *events.Bus, pathFor func(site string) string) *Watcher {
	return &Watcher{
		bus:      bus,
		pathFor:  pathFor,
		watchers: make(map[string]*tail.Tail),
	}
}

// Watch starts following the site's log from its current end. Watching a
// site twice is a no-op.
func (w *Watcher) Watch(site string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watchers[site]; exists {
		return nil
	}

	path := w.pathFor(site)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("no log file for site %s: %s", site, path)
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   true,
		Location: &tail.SeekInfo{
			Offset: 0,
			Whence: io.SeekEnd,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}

	w.watchers[site] = t
	go w.pump(site, t)
	return nil
}

// Unwatch stops following the site's log.
func (w *Watcher) Unwatch(site string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.watchers[site]; exists {
		t.Cleanup()
		t.Stop()
		delete(w.watchers, site)
	}
}

// StopAll stops every active tail.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range w.watchers {
		t.Cleanup()
		t.Stop()
	}
	w.watchers = make(map[string]*tail.Tail)
}

// Watching reports whether the site's log is being followed.
func (w *Watcher) Watching(site string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, exists := w.watchers[site]
	return exists
}

func (w *Watcher) pump(site string, t *tail.Tail) {
	for line := range t.Lines {
		if line.Text == "" {
			continue
		}

		w.mu.Lock()
		w.counter++
		id := fmt.Sprintf("%s-%d-%d", site, time.Now().UnixNano(), w.counter)
		w.mu.Unlock()

		w.bus.Publish(events.Event{
			Type: events.LogEntry,
			Payload: Entry{
				ID:        id,
				Site:      site,
				Level:     parseLevel(line.Text),
				Message:   truncate(line.Text),
				Timestamp: time.Now().Format(time.RFC3339),
				Raw:       line.Text,
			},
		})
	}
}

var accessStatus = regexp.MustCompile(`"\s+(\d{3})\s`)

// parseLevel classifies a line of Flask/werkzeug output. Access log lines
// are graded by HTTP status; everything else falls back to keyword matching.
func parseLevel(line string) Level {
	if m := accessStatus.FindStringSubmatch(line); m != nil {
		switch m[1][0] {
		case '5', '4':
			return LevelError
		case '3':
			return LevelWarning
		}
		return LevelInfo
	}

	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "traceback") || strings.Contains(lower, "error"):
		return LevelError
	case strings.Contains(lower, "warning") || strings.Contains(lower, "warn"):
		return LevelWarning
	case strings.Contains(lower, "debug"):
		return LevelDebug
	}
	return LevelInfo
}

func truncate(line string) string {
	if len(line) > 500 {
		return line[:500] + "..."
	}
	return line
}

// LastLines returns up to n trailing lines of the site's log as entries.
// Used to seed a client before the live tail kicks in.
func (w *Watcher) LastLines(site string, n int) ([]Entry, error) {
	file, err := os.Open(w.pathFor(site))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lines, err := tailLines(file, n)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for i, line := range lines {
		if line == "" {
			continue
		}
		entries = append(entries, Entry{
			ID:        fmt.Sprintf("init-%s-%d", site, i),
			Site:      site,
			Level:     parseLevel(line),
			Message:   truncate(line),
			Timestamp: time.Now().Format(time.RFC3339),
			Raw:       line,
		})
	}
	return entries, nil
}

// tailLines reads the last n lines of a file, scanning backwards in chunks.
// Each chunk is prepended to the data already read, so a line straddling a
// chunk boundary stays whole.
func tailLines(file *os.File, n int) ([]string, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size == 0 {
		return []string{}, nil
	}

	const chunkSize int64 = 4096
	var data []byte
	offset := size

	for offset > 0 && bytes.Count(data, []byte{'\n'}) <= n {
		readSize := chunkSize
		if offset < chunkSize {
			readSize = offset
		}
		offset -= readSize

		buf := make([]byte, readSize)
		if _, err := file.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		data = append(buf, data...)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line may begin before the data we read.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
