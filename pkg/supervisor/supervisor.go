// Package supervisor starts and stops site processes. Each site runs as a
// detached child in its own process group with stdout and stderr appended to
// a per-site log file; a stop signals the whole group so Flask's reloader
// children go down with it.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/scaffold"
	"sitekeeper/pkg/util"
)

const killPollInterval = 100 * time.Millisecond

type Supervisor struct {
	pythonBin   string
	logDir      string
	stopTimeout time.Duration
	log         logger.Logger
}

func New(pythonBin, logDir string, stopTimeout time.Duration, log logger.Logger) *Supervisor {
	return &Supervisor{
		pythonBin:   pythonBin,
		logDir:      logDir,
		stopTimeout: stopTimeout,
		log:         log,
	}
}

// LogPath returns the log file a site's process writes to.
func (s *Supervisor) LogPath(name string) string {
	return filepath.Join(s.logDir, name+".log")
}

// Start launches the site's run script in dir and returns the child's PID.
// The process is placed in its own group and keeps running after the parent
// exits.
func (s *Supervisor) Start(name, dir string) (int, error) {
	script := filepath.Join(dir, scaffold.RunScript)
	if !util.Exists(script) {
		return 0, errs.Newf(errs.ProcessFailure, "start", name, "%s not found in %s", scaffold.RunScript, dir)
	}

	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return 0, errs.Wrap(errs.IOFailure, "start", name, err)
	}
	logFile, err := os.OpenFile(s.LogPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, errs.Wrap(errs.IOFailure, "start", name, err)
	}

	cmd := exec.Command(s.pythonBin, scaffold.RunScript)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, errs.Wrap(errs.ProcessFailure, "start", name, err)
	}
	logFile.Close()

	pid := cmd.Process.Pid
	s.log.Info("site process started",
		logger.String("site", name),
		logger.Int("pid", pid))

	// Reap the child when it exits so stopped sites don't linger as
	// zombies.
	go func() {
		_ = cmd.Wait()
	}()

	return pid, nil
}

// Stop terminates the site's process group. It asks politely first, waits up
// to the configured timeout, then force-kills. A forced kill is logged but
// not reported as an error.
func (s *Supervisor) Stop(name string, pid int) error {
	if pid <= 0 {
		return errs.Newf(errs.ProcessFailure, "stop", name, "no pid recorded")
	}
	if !s.Alive(pid) {
		s.log.Warn("site process already gone",
			logger.String("site", name),
			logger.Int("pid", pid))
		return nil
	}

	if err := terminate(pid); err != nil {
		return errs.Wrap(errs.ProcessFailure, "stop", name, err)
	}

	deadline := time.Now().Add(s.stopTimeout)
	for time.Now().Before(deadline) {
		if !s.Alive(pid) {
			s.log.Info("site process stopped",
				logger.String("site", name),
				logger.Int("pid", pid))
			return nil
		}
		time.Sleep(killPollInterval)
	}

	s.log.Warn("site process did not exit in time, killing",
		logger.String("site", name),
		logger.Int("pid", pid),
		logger.Duration("timeout", s.stopTimeout))
	kill(pid)

	deadline = time.Now().Add(s.stopTimeout)
	for time.Now().Before(deadline) {
		if !s.Alive(pid) {
			return nil
		}
		time.Sleep(killPollInterval)
	}
	return errs.Newf(errs.ProcessFailure, "stop", name, "pid %d survived SIGKILL", pid)
}

// Alive reports whether the PID refers to a live process.
func (s *Supervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Stats returns CPU and memory usage for a running site process.
func (s *Supervisor) Stats(pid int) (cpuPercent float64, rssBytes uint64, err error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, fmt.Errorf("pid %d: %w", pid, err)
	}
	cpuPercent, err = p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, memInfo.RSS, nil
}
