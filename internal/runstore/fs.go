package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	dbFileName   = "yt-digest.db"
	jobsDirName  = "jobs"
	locksDirName = "locks"
)

func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, dbFileName)
}

func JobsDir(dataDir string) string {
	return filepath.Join(dataDir, jobsDirName)
}

func LocksDir(dataDir string) string {
	return filepath.Join(dataDir, locksDirName)
}

func JobLogPath(dataDir, jobID string) string {
	return filepath.Join(JobsDir(dataDir), jobID+".log")
}

// JobArgsPath holds the argv a job was launched with, for retries.
func JobArgsPath(dataDir, jobID string) string {
	return filepath.Join(JobsDir(dataDir), jobID+".json")
}

// EnsureLayout creates the data directory skeleton and returns the jobs dir.
func EnsureLayout(dataDir string) (string, error) {
	if err := Mkdir(dataDir); err != nil {
		return "", err
	}
	dir := JobsDir(dataDir)
	if err := Mkdir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".ytd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

// RemoveFile deletes path, treating a missing file as success.
func RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
