package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"yt-digest/internal/proc"
)

const runLockOwnerFile = "owner.json"

// RunLock serialises bulk operations of the same kind against one data
// directory. The lock is a directory so creation is atomic on every platform.
type RunLock struct {
	lockDir string
}

type runLockOwner struct {
	PID       int    `json:"pid"`
	Operation string `json:"operation"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func AcquireRunLock(dataDir, operation string) (RunLock, error) {
	target := strings.TrimSpace(dataDir)
	if target == "" {
		return RunLock{}, fmt.Errorf("data directory is required")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		return RunLock{}, fmt.Errorf("lock operation is required")
	}
	if err := Mkdir(LocksDir(target)); err != nil {
		return RunLock{}, err
	}

	lockDir := filepath.Join(LocksDir(target), op+".lock")
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return RunLock{}, fmt.Errorf("acquire %s lock in %s: %w", op, target, err)
		}
		ownerPath := filepath.Join(lockDir, runLockOwnerFile)
		var owner runLockOwner
		readErr := ReadJSON(ownerPath, &owner)
		if readErr == nil && owner.PID > 0 && !ownerAlive(owner) && attempt == 0 {
			// owner crashed without releasing; reclaim once
			_ = os.Remove(ownerPath)
			_ = os.Remove(lockDir)
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return RunLock{}, fmt.Errorf(
				"%s is locked: %s (pid=%d created_at=%s host=%s)",
				op, target, owner.PID, owner.CreatedAt, owner.Hostname,
			)
		}
		return RunLock{}, fmt.Errorf("%s is locked: %s", op, target)
	}

	owner := runLockOwner{
		PID:       os.Getpid(),
		Operation: op,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	ownerPath := filepath.Join(lockDir, runLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.Remove(lockDir)
		return RunLock{}, fmt.Errorf("write %s lock owner for %s: %w", op, target, err)
	}

	return RunLock{lockDir: lockDir}, nil
}

func (l RunLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, runLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock %s: %w", l.lockDir, err)
	}
	return nil
}

// a lock written on another host cannot be probed, so it is treated as live
func ownerAlive(owner runLockOwner) bool {
	if owner.Hostname != "" && owner.Hostname != hostnameOrUnknown() {
		return true
	}
	return proc.Alive(owner.PID)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
