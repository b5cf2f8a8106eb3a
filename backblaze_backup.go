package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Backblaze/blazer/b2"
	"modernc.org/sqlite"
)

type dbBackuper interface {
	NewBackup(string) (*sqlite.Backup, error)
}

// objectPutter uploads one object. The B2 bucket implements it in
// production; tests swap in a recorder.
type objectPutter func(ctx context.Context, object string, r io.Reader) error

// backblazeBackupService periodically copies the state store off-box. The
// state is tiny, so every run uploads a full snapshot under the same
// object name and lets bucket versioning keep history.
type backblazeBackupService struct {
	put          objectPutter
	store        stateStore
	interval     time.Duration
	objectPrefix string
	now          func() time.Time

	mu         sync.Mutex
	lastUpload time.Time
}

func newBackblazeBackupService(ctx context.Context, cfg Config, store stateStore) (*backblazeBackupService, error) {
	if !cfg.BackblazeBackupEnabled {
		return nil, nil
	}
	if store == nil || store.Path() == "" {
		return nil, fmt.Errorf("state store path is empty")
	}
	if cfg.BackblazeAccountID == "" || cfg.BackblazeApplicationKey == "" || cfg.BackblazeBucket == "" {
		return nil, fmt.Errorf("backblaze credentials are incomplete")
	}

	client, err := b2.NewClient(ctx, cfg.BackblazeAccountID, cfg.BackblazeApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("create backblaze client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.BackblazeBucket)
	if err != nil {
		return nil, fmt.Errorf("access backblaze bucket: %w", err)
	}
	if _, err := bucket.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("access backblaze bucket: %w", err)
	}

	return newBackupService(cfg, store, bucketPutter(bucket)), nil
}

func newBackupService(cfg Config, store stateStore, put objectPutter) *backblazeBackupService {
	interval := time.Duration(cfg.BackblazeBackupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Duration(defaultBackblazeBackupIntervalSeconds) * time.Second
	}
	return &backblazeBackupService{
		put:          put,
		store:        store,
		interval:     interval,
		objectPrefix: sanitizeObjectPrefix(cfg.BackblazePrefix),
		now:          time.Now,
	}
}

func bucketPutter(bucket *b2.Bucket) objectPutter {
	return func(ctx context.Context, object string, r io.Reader) error {
		writer := bucket.Object(object).NewWriter(ctx)
		if _, err := io.Copy(writer, r); err != nil {
			_ = writer.Close()
			return err
		}
		return writer.Close()
	}
}

// start runs a backup now and then every interval until ctx ends. The
// returned channel closes once the loop has exited.
func (s *backblazeBackupService) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	return done
}

// RunOnce snapshots the store and uploads it. Failures are logged; the
// next tick tries again.
func (s *backblazeBackupService) RunOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	snapshot, err := snapshotStateStore(ctx, s.store)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("backblaze backup skipped; no state written yet", "component", "backup", "path", s.store.Path())
			return nil
		}
		logger.Warn("backblaze backup snapshot failed", "component", "backup", "error", err)
		return err
	}
	defer os.Remove(snapshot)

	f, err := os.Open(snapshot)
	if err != nil {
		return err
	}
	defer f.Close()

	object := s.objectName()
	if err := s.put(ctx, object, f); err != nil {
		logger.Warn("backblaze backup upload failed", "component", "backup", "error", err, "object", object)
		return err
	}
	s.mu.Lock()
	s.lastUpload = s.now()
	s.mu.Unlock()
	logger.Info("backblaze backup uploaded", "component", "backup", "object", object)
	return nil
}

// LastUpload reports when the last snapshot reached the bucket; zero until
// one has.
func (s *backblazeBackupService) LastUpload() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpload
}

func (s *backblazeBackupService) objectName() string {
	return s.objectPrefix + filepath.Base(s.store.Path())
}

// snapshotStateStore returns a temp file holding a consistent copy of the
// store. The caller removes it.
func snapshotStateStore(ctx context.Context, store stateStore) (string, error) {
	switch st := store.(type) {
	case *sqliteStateStore:
		return snapshotStateDB(ctx, st.path)
	default:
		return snapshotFile(store.Path())
	}
}

// snapshotFile copies path. The JSON store replaces its file by rename, so
// an open handle always sees one complete version.
func snapshotFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "golive-state-*"+filepath.Ext(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func snapshotStateDB(ctx context.Context, srcPath string) (string, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return "", err
	}
	tmpFile, err := os.CreateTemp("", "golive-state-db-*.db")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	// The backup API wants to create the destination itself.
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	db, err := sql.Open("sqlite", srcPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.Raw(func(driverConn any) error {
		backuper, ok := driverConn.(dbBackuper)
		if !ok {
			return fmt.Errorf("sqlite driver does not support backups")
		}
		bck, err := backuper.NewBackup(tmpPath)
		if err != nil {
			return err
		}
		for more := true; more; {
			more, err = bck.Step(-1)
			if err != nil {
				return err
			}
		}
		return bck.Finish()
	}); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func sanitizeObjectPrefix(raw string) string {
	prefix := strings.TrimSpace(raw)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
