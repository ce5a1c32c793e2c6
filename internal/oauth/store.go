package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"onemcp/pkg/logging"
)

// Filename prefixes keep the four record kinds distinguishable in one
// directory.
const (
	sessionFilePrefix = "session_"
	codeFilePrefix    = "code_"
	clientFilePrefix  = "client_"
	authReqFilePrefix = "auth_req_"
)

const (
	// lockTimeout caps how long a writer waits for the file lock.
	lockTimeout = 1 * time.Second
	// lockRetryInterval is the poll interval while waiting for the lock.
	lockRetryInterval = 100 * time.Millisecond
	// sweepInterval is how often the background sweeper scans for expired
	// records.
	sweepInterval = 5 * time.Minute
)

// ErrNotFound is returned when a record does not exist or has expired.
// Expired records are deleted on read, so callers never observe them.
var ErrNotFound = errors.New("oauth: record not found")

// FileStore persists OAuth artifacts as one JSON file per record under a
// sessions directory. Writes are atomic (temp file + rename) and guarded by
// a per-record flock so concurrent proxy processes sharing a config dir do
// not corrupt each other.
type FileStore struct {
	dir string

	stopSweep chan struct{}
}

// NewFileStore creates the store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating oauth store directory: %w", err)
	}
	return &FileStore{
		dir:       dir,
		stopSweep: make(chan struct{}),
	}, nil
}

// sanitizeKey maps a record id to a filesystem-safe name.
func sanitizeKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// path builds the record path and rejects anything escaping the store
// directory.
func (fs *FileStore) path(filePrefix, id string) (string, error) {
	name := filePrefix + sanitizeKey(id) + ".json"
	full := filepath.Join(fs.dir, name)
	if filepath.Dir(full) != filepath.Clean(fs.dir) {
		return "", fmt.Errorf("record id %q escapes store directory", id)
	}
	return full, nil
}

// withLock runs fn holding the per-record flock. Every mutation of a record
// file goes through here so concurrent proxy processes sharing a config dir
// serialize on the same `<path>.lock`.
//
// The lock file is never unlinked while its record exists: unlinking would
// let a waiter on the old inode and a newcomer on a fresh one hold the
// "same" lock concurrently. The sweeper reaps lock files once the record
// is gone.
func (fs *FileStore) withLock(path string, fn func() error) error {
	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("acquiring lock for %s: timeout after %v", path, lockTimeout)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logging.Warn("OAuth", "Failed to unlock %s: %v", path, err)
		}
	}()

	return fn()
}

func (fs *FileStore) write(filePrefix, id string, record any) error {
	path, err := fs.path(filePrefix, id)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding oauth record: %w", err)
	}

	return fs.withLock(path, func() error {
		return fs.writeLocked(path, data)
	})
}

func (fs *FileStore) writeLocked(path string, data []byte) error {
	tmp, err := os.CreateTemp(fs.dir, ".oauth-*.json")
	if err != nil {
		return fmt.Errorf("creating temp record file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing oauth record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp record file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("restricting record permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing oauth record: %w", err)
	}
	return nil
}

// read loads a record and enforces expiry: an expired record is deleted and
// reported as not found.
func (fs *FileStore) read(filePrefix, id string, record expirable) error {
	path, err := fs.path(filePrefix, id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading oauth record: %w", err)
	}
	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("parsing oauth record %s: %w", path, err)
	}

	if record.Expired(time.Now()) {
		logging.Debug("OAuth", "Deleting expired record %s", filepath.Base(path))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("OAuth", "Failed to delete expired record %s: %v", path, err)
		}
		// One expired record usually means siblings from the same era
		// expired too; sweep them without stalling the caller.
		go fs.Sweep()
		return ErrNotFound
	}
	return nil
}

// take loads and deletes a record under the per-record lock. Exactly one
// caller gets the record; every other consumer, in this process or another
// sharing the store, observes ErrNotFound.
func (fs *FileStore) take(filePrefix, id string, record expirable) error {
	path, err := fs.path(filePrefix, id)
	if err != nil {
		return err
	}
	return fs.withLock(path, func() error {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading oauth record: %w", err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting oauth record: %w", err)
		}
		if err := json.Unmarshal(data, record); err != nil {
			return fmt.Errorf("parsing oauth record %s: %w", path, err)
		}
		if record.Expired(time.Now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (fs *FileStore) delete(filePrefix, id string) error {
	path, err := fs.path(filePrefix, id)
	if err != nil {
		return err
	}
	return fs.withLock(path, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting oauth record: %w", err)
		}
		return nil
	})
}

// PutSession stores an access-token session keyed by its token id.
func (fs *FileStore) PutSession(s *Session) error {
	return fs.write(sessionFilePrefix, s.Token, s)
}

// GetSession loads a live session, or ErrNotFound.
func (fs *FileStore) GetSession(token string) (*Session, error) {
	var s Session
	if err := fs.read(sessionFilePrefix, token, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession revokes a session.
func (fs *FileStore) DeleteSession(token string) error {
	return fs.delete(sessionFilePrefix, token)
}

// PutCode stores an authorization code.
func (fs *FileStore) PutCode(c *AuthCode) error {
	return fs.write(codeFilePrefix, c.Code, c)
}

// ConsumeCode loads and deletes an authorization code in one step. Codes
// are one-shot: a second consume returns ErrNotFound.
func (fs *FileStore) ConsumeCode(code string) (*AuthCode, error) {
	var c AuthCode
	if err := fs.take(codeFilePrefix, code, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutAuthRequest stages a consent request.
func (fs *FileStore) PutAuthRequest(r *AuthRequest) error {
	return fs.write(authReqFilePrefix, r.ID, r)
}

// TakeAuthRequest loads and deletes a staged consent request.
func (fs *FileStore) TakeAuthRequest(id string) (*AuthRequest, error) {
	var r AuthRequest
	if err := fs.take(authReqFilePrefix, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutClient stores a registered client.
func (fs *FileStore) PutClient(c *ClientRegistration) error {
	return fs.write(clientFilePrefix, c.ClientID, c)
}

// GetClient loads a registered client, or ErrNotFound.
func (fs *FileStore) GetClient(clientID string) (*ClientRegistration, error) {
	var c ClientRegistration
	if err := fs.read(clientFilePrefix, clientID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// StartSweeper runs the periodic expired-record sweep until Stop.
func (fs *FileStore) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fs.Sweep()
			case <-fs.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (fs *FileStore) Stop() {
	close(fs.stopSweep)
}

// Sweep deletes every expired record in the store, plus lock files whose
// record is gone. Also invoked by tests and on demand; reads delete expired
// records lazily regardless.
func (fs *FileStore) Sweep() {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		logging.Warn("OAuth", "Sweep failed to read store directory: %v", err)
		return
	}

	now := time.Now()
	count := 0
	live := make(map[string]bool)
	var locks []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, ".lock") {
			locks = append(locks, name)
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(fs.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var probe struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.ExpiresAt.IsZero() {
			live[name] = true
			continue
		}
		if !probe.ExpiresAt.After(now) {
			if err := os.Remove(path); err == nil {
				count++
				continue
			}
		}
		live[name] = true
	}
	for _, lock := range locks {
		if !live[strings.TrimSuffix(lock, ".lock")] {
			os.Remove(filepath.Join(fs.dir, lock))
		}
	}
	if count > 0 {
		logging.Debug("OAuth", "Swept %d expired records", count)
	}
}
