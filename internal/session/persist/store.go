package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

// stateFileExt is appended to the session id to form the state file name.
const stateFileExt = ".json"

// State is the persisted form of a durable session. Passwords are never
// written because Identity excludes them from encoding.
type State struct {
	Version   int               `json:"version" yaml:"version"`
	SessionID string            `json:"session_id" yaml:"session_id"`
	Kind      session.Kind      `json:"kind" yaml:"kind"`
	StartInfo session.StartInfo `json:"start_info" yaml:"start_info"`
	Endpoints []string          `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	SavedAt   time.Time         `json:"saved_at" yaml:"saved_at"`
}

// versionProbe decodes only the version field so the gate runs before the
// rest of the document is interpreted.
type versionProbe struct {
	Version *int `json:"version"`
}

// Store persists State documents as JSON files under a directory of an
// afero filesystem. It is safe for concurrent use.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *logging.Logger
	mu     sync.RWMutex
}

// NewStore creates a Store rooted at dir on fs. The directory is created
// if it does not exist. A nil logger disables logging.
func NewStore(fs afero.Fs, dir string, logger *logging.Logger) (*Store, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logging.OrNop(logger).WithPhase("persist"),
	}, nil
}

// NewOsStore creates a Store on the host filesystem.
func NewOsStore(dir string, logger *logging.Logger) (*Store, error) {
	return NewStore(afero.NewOsFs(), dir, logger)
}

// Dir returns the directory state files live in.
func (s *Store) Dir() string {
	return s.dir
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Path returns the state file path for sessionID.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+stateFileExt)
}

// Save writes st atomically, stamping the current version and save time.
func (s *Store) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.SessionID == "" {
		return errors.NewValidationError("session_id", st.SessionID, "must not be empty")
	}

	st.Version = CurrentVersion
	st.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.NewPersistError("failed to marshal state", err).WithSessionID(st.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(st.SessionID)
	if err := atomicWriteFile(s.fs, path, data, 0600); err != nil {
		s.logger.Error("failed to write state file",
			"session_id", st.SessionID,
			"file_path", path,
			"error", err,
		)
		return errors.NewPersistError("failed to write state", err).WithSessionID(st.SessionID).WithPath(path)
	}

	s.logger.Debug("state saved", "session_id", st.SessionID, "file_path", path)
	return nil
}

// Load reads the state for sessionID. It returns an error wrapping
// ErrPersistedStateNotFound when no file exists, and one wrapping
// ErrUnsupportedPersistVersion when the version gate rejects it.
func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	path := s.Path(sessionID)
	data, err := afero.ReadFile(s.fs, path)
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewPersistError("no state", errors.ErrPersistedStateNotFound).WithSessionID(sessionID).WithPath(path)
		}
		return nil, errors.NewPersistError("failed to read state", err).WithSessionID(sessionID).WithPath(path)
	}

	st, err := Decode(sessionID, data)
	if err != nil {
		s.logger.Error("rejected state file", "session_id", sessionID, "file_path", path, "error", err)
		var pe *errors.PersistError
		if errors.As(err, &pe) {
			pe.WithPath(path)
		}
		return nil, err
	}
	return st, nil
}

// Decode parses a state document after checking its version.
// sessionID is only used for error context and may be empty.
func Decode(sessionID string, data []byte) (*State, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.NewPersistError("state is not valid JSON", err).WithSessionID(sessionID)
	}
	if probe.Version == nil {
		return nil, errors.NewPersistError("state has no version field", errors.ErrUnsupportedPersistVersion).WithSessionID(sessionID)
	}
	if err := CheckVersion(sessionID, *probe.Version); err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.NewPersistError("failed to parse state", err).WithSessionID(sessionID)
	}
	return &st, nil
}

// Delete removes the state for sessionID. Missing state is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(sessionID)
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistError("failed to delete state", err).WithSessionID(sessionID).WithPath(path)
	}
	s.logger.Debug("state deleted", "session_id", sessionID)
	return nil
}

// List returns the ids of every session with persisted state, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, stateFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, stateFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// atomicWriteFile writes data to a temporary file in the target directory
// and renames it over path, so readers never see a partial document.
func atomicWriteFile(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
