package view

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/storage"
)

// SnapshotConfig controls snapshot cadence and retention.
type SnapshotConfig struct {
	// EveryCycles uploads a snapshot after every N applied cycles.
	EveryCycles int
	Prefix      string
	// Retain keeps the newest N snapshots; zero keeps all.
	Retain  int
	TempDir string
}

// Snapshotter copies the view database to object storage and back.
type Snapshotter struct {
	objects storage.ObjectStorage
	cfg     SnapshotConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewSnapshotter creates a snapshotter writing under cfg.Prefix.
func NewSnapshotter(objects storage.ObjectStorage, cfg SnapshotConfig, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Snapshotter{objects: objects, cfg: cfg, logger: logger.Named("snapshot"), now: time.Now}
}

// Due reports whether a snapshot should follow the given cycle number.
func (s *Snapshotter) Due(cycle int) bool {
	return s.cfg.EveryCycles > 0 && cycle%s.cfg.EveryCycles == 0
}

// Take snapshots store, uploads it snappy-framed, then prunes beyond the
// retention count. Keys sort chronologically.
func (s *Snapshotter) Take(ctx context.Context, store *Store) (string, error) {
	tmp := filepath.Join(s.cfg.TempDir, fmt.Sprintf("factlog-view-%d.db", s.now().UnixNano()))
	defer os.Remove(tmp)
	defer os.Remove(tmp + snapshotExt)

	if err := store.SnapshotTo(ctx, tmp); err != nil {
		return "", err
	}
	if err := compressFile(tmp, tmp+snapshotExt); err != nil {
		return "", fmt.Errorf("view: snapshot compress: %w", err)
	}
	key := path.Join(s.cfg.Prefix, "view-"+s.now().UTC().Format("20060102T150405.000000000Z")+".db"+snapshotExt)
	if err := s.objects.Upload(ctx, tmp+snapshotExt, key); err != nil {
		return "", fmt.Errorf("view: snapshot upload: %w", err)
	}
	if err := s.prune(ctx); err != nil {
		s.logger.Warn("snapshot retention failed", zap.Error(err))
	}
	return key, nil
}

// List returns snapshot keys oldest first.
func (s *Snapshotter) List(ctx context.Context) ([]string, error) {
	keys, err := s.objects.ListObjects(ctx, s.cfg.Prefix+"/")
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, ".db"+snapshotExt) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Snapshotter) prune(ctx context.Context) error {
	if s.cfg.Retain <= 0 {
		return nil
	}
	keys, err := s.List(ctx)
	if err != nil {
		return err
	}
	for len(keys) > s.cfg.Retain {
		if err := s.objects.Delete(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// Restore downloads the newest snapshot to dest. It returns
// storage.ErrObjectNotFound when no snapshot exists.
func (s *Snapshotter) Restore(ctx context.Context, dest string) (string, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", storage.ErrObjectNotFound
	}
	latest := keys[len(keys)-1]
	tmp := dest + snapshotExt
	defer os.Remove(tmp)
	if err := s.objects.Download(ctx, latest, tmp); err != nil {
		return "", err
	}
	if err := decompressFile(tmp, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("view: snapshot decompress: %w", err)
	}
	return latest, nil
}

const snapshotExt = ".sz"

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	w := snappy.NewBufferedWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, snappy.NewReader(in)); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
