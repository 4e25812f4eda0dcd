package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidFile enforces a single serving process per database. Two servers
// sharing one database would each dispatch the same queued runs.
// Admin commands stay outside the guard; they share the database with
// the server on purpose.
type pidFile struct {
	path string
}

// pidFileFor places the guard next to the database it protects
func pidFileFor(dbPath string) *pidFile {
	return &pidFile{path: dbPath + ".pid"}
}

// acquire claims the pidfile, clearing one left behind by a dead
// process. A pidfile naming a live process is a hard error.
func (p *pidFile) acquire() error {
	if _, err := os.Stat(p.path); err == nil {
		pid, err := readPID(p.path)
		if err != nil {
			return fmt.Errorf("unreadable pidfile %s: %w", p.path, err)
		}
		if pid > 0 && processAlive(pid) {
			return fmt.Errorf("another instance is already serving this database (pid %d)", pid)
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale pidfile: %w", err)
		}
	}

	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// release removes the pidfile. Safe to call more than once.
func (p *pidFile) release() error {
	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// processAlive probes the pid with signal 0
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func readPID(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return 0, fmt.Errorf("pidfile is empty")
	}
	return strconv.Atoi(text)
}
