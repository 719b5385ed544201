package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
)

// LocalStore keeps applied records in a single JSON file: a mapping from
// deployment identity to node identity to record. Writes go through a
// temp file and rename, so a crash never leaves a torn state file.
type LocalStore struct {
	path string

	mu sync.Mutex
}

type fileLayout map[string]map[string]*ir.AppliedRecord

func NewLocalStore(path string) *LocalStore {
	return &LocalStore{path: path}
}

func (s *LocalStore) Get(ctx context.Context, deployment, node string) (*ir.AppliedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}
	rec, ok := data[deployment][node]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *LocalStore) Put(ctx context.Context, deployment, node string, rec *ir.AppliedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	if data[deployment] == nil {
		data[deployment] = make(map[string]*ir.AppliedRecord)
	}
	if current, ok := data[deployment][node]; ok {
		if current.Version != rec.Version {
			return &StaleWriteError{
				Deployment: deployment,
				Node:       node,
				Expected:   rec.Version,
				Actual:     current.Version,
			}
		}
	} else if rec.Version != 0 {
		return &StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: 0}
	}

	stored := *rec
	stored.Version = rec.Version + 1
	data[deployment][node] = &stored
	return s.write(data)
}

func (s *LocalStore) Delete(ctx context.Context, deployment, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := data[deployment][node]; !ok {
		return ErrNotFound
	}
	delete(data[deployment], node)
	if len(data[deployment]) == 0 {
		delete(data, deployment)
	}
	return s.write(data)
}

func (s *LocalStore) List(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*ir.AppliedRecord, len(data[deployment]))
	for node, rec := range data[deployment] {
		out[node] = rec
	}
	return out, nil
}

func (s *LocalStore) read() (fileLayout, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileLayout{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
	}

	var data fileLayout
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt: %w", s.path, err)
	}
	if data == nil {
		data = fileLayout{}
	}
	return data, nil
}

func (s *LocalStore) write(data fileLayout) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	encrypted, err := EncryptState(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Lock acquires a file lock next to the state file to prevent concurrent
// executors on the same deployment.
func (s *LocalStore) Lock(deployment string) error {
	lockPath := s.lockPath(deployment)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		// locks older than 10 minutes are considered stale
		if time.Since(info.ModTime()) > 10*time.Minute {
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("deployment %s is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", deployment, lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// Unlock releases the deployment lock.
func (s *LocalStore) Unlock(deployment string) error {
	if err := os.Remove(s.lockPath(deployment)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (s *LocalStore) lockPath(deployment string) string {
	return s.path + "." + deployment + ".lock"
}
