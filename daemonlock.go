package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// "usersync run" claims its data directory with an flock on a lock file
// that also records who holds it. The flock alone decides whether a daemon
// is alive; the record tells other commands which process to signal.

const daemonLockName = "usersync.pid"

var (
	errDaemonRunning = errors.New("a usersync daemon holds the data directory")
	errNoDaemon      = errors.New("no usersync daemon is running")
)

type daemonRecord struct {
	PID     int       `json:"pid"`
	AppID   string    `json:"app_id"`
	Started time.Time `json:"started_at"`
}

type daemonLock struct {
	path string
	f    *os.File
}

func daemonLockPath(dataDir string) string {
	if dataDir == "" {
		return ""
	}

	return filepath.Join(dataDir, daemonLockName)
}

// acquireDaemonLock claims dataDir for this process. It fails with
// errDaemonRunning while another daemon holds it. A lock file left by a
// crashed daemon is simply taken over.
func acquireDaemonLock(dataDir, appID string) (*daemonLock, error) {
	path := daemonLockPath(dataDir)
	if path == "" {
		return nil, errors.New("daemon lock: no data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("daemon lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if rec, recErr := readDaemonRecord(path); recErr == nil {
			return nil, fmt.Errorf("%w (PID %d, app %s)", errDaemonRunning, rec.PID, rec.AppID)
		}

		return nil, fmt.Errorf("%w (%s is locked)", errDaemonRunning, path)
	}

	l := &daemonLock{path: path, f: f}

	if err := l.write(daemonRecord{PID: os.Getpid(), AppID: appID, Started: time.Now().UTC()}); err != nil {
		l.release()
		return nil, err
	}

	return l, nil
}

func (l *daemonLock) write(rec daemonRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}

	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}

	if _, err := l.f.WriteAt(append(data, '\n'), 0); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}

	return l.f.Sync()
}

// release removes the lock file and drops the flock.
func (l *daemonLock) release() {
	os.Remove(l.path)
	l.f.Close()
}

func readDaemonRecord(path string) (daemonRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return daemonRecord{}, err
	}

	var rec daemonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return daemonRecord{}, fmt.Errorf("daemon record %s: %w", path, err)
	}

	if rec.PID <= 0 {
		return daemonRecord{}, fmt.Errorf("daemon record %s: no pid", path)
	}

	return rec, nil
}

// runningDaemon returns the record of the daemon holding dataDir, or
// errNoDaemon when the lock file is missing or nobody holds its flock.
func runningDaemon(dataDir string) (daemonRecord, error) {
	path := daemonLockPath(dataDir)
	if path == "" {
		return daemonRecord{}, errNoDaemon
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return daemonRecord{}, errNoDaemon
	}

	if err != nil {
		return daemonRecord{}, fmt.Errorf("daemon lock: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return daemonRecord{}, errNoDaemon
	}

	return readDaemonRecord(path)
}

// signalDaemon delivers sig to the daemon holding dataDir.
func signalDaemon(dataDir string, sig syscall.Signal) (daemonRecord, error) {
	rec, err := runningDaemon(dataDir)
	if err != nil {
		return daemonRecord{}, err
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, fmt.Errorf("finding daemon (PID %d): %w", rec.PID, err)
	}

	if err := proc.Signal(sig); err != nil {
		return rec, fmt.Errorf("signalling daemon (PID %d): %w", rec.PID, err)
	}

	return rec, nil
}

// ensureNoDaemon fails while another process runs the daemon on dataDir;
// two writers would interleave the same persisted queues.
func ensureNoDaemon(dataDir string) error {
	rec, err := runningDaemon(dataDir)

	switch {
	case errors.Is(err, errNoDaemon):
		return nil
	case err != nil:
		return err
	case rec.PID == os.Getpid():
		return nil
	}

	return fmt.Errorf("%w (PID %d); stop it first", errDaemonRunning, rec.PID)
}
