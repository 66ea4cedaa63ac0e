package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

const frameHeaderSize = 8

// WAL is a file-backed Buffer. Each candidate is one frame
// [length:4 LE][crc32:4 LE][json payload] in segment files wal_{id:016x}.log,
// fsynced before Append returns.
type WAL struct {
	dir        string
	maxSegSize int64
	logger     *zap.Logger

	mu        sync.Mutex
	segment   *os.File
	segmentID uint64
	offset    int64
	lsn       uint64
	closed    bool

	clock *receiptClock
	ids   *types.ULIDGenerator
}

// WALOption configures a WAL.
type WALOption func(*WAL)

// WithWALLogger sets the logger used for corruption warnings.
func WithWALLogger(l *zap.Logger) WALOption {
	return func(w *WAL) { w.logger = l }
}

// WithWALClock overrides the receipt clock, for tests.
func WithWALClock(now func() time.Time) WALOption {
	return func(w *WAL) { w.clock = newReceiptClock(now) }
}

// OpenWAL opens (or creates) a WAL in dir and recovers the last LSN.
func OpenWAL(dir string, maxSegSize int64, opts ...WALOption) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ingest: create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 64 << 20
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     zap.NewNop(),
		clock:      newReceiptClock(nil),
		ids:        types.NewULIDGenerator(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("wal")

	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("wal_%016x.log", id)
}

// segments lists segment ids in ascending order.
func (w *WAL) segments() ([]uint64, error) {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read WAL directory: %w", err)
	}
	var ids []uint64
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") || len(name) != 24 {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// recover finds the newest segment and the last LSN written. A trailing empty
// segment (left by a rotation) does not hide the LSNs of the one before it.
func (w *WAL) recover() error {
	ids, err := w.segments()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	w.segmentID = ids[len(ids)-1]

	for i := len(ids) - 1; i >= 0; i-- {
		var last *types.Candidate
		err := w.readSegment(filepath.Join(w.dir, segmentName(ids[i])), func(c types.Candidate) bool {
			cp := c
			last = &cp
			return true
		})
		if err != nil {
			return err
		}
		if last != nil {
			w.lsn = last.LSN
			w.clock.observe(last.ReceivedAt)
			return nil
		}
	}
	return nil
}

func (w *WAL) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.segmentID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("ingest: open segment: %w", err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return fmt.Errorf("ingest: seek segment: %w", err)
	}
	w.segment = f
	w.offset = offset
	return nil
}

// Append implements Buffer.
func (w *WAL) Append(ctx context.Context, sub types.Submission) (types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return types.Candidate{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return types.Candidate{}, ferrors.NewStorageError(ferrors.CodeAppendFailed, "WAL is closed", nil)
	}

	receivedAt := w.clock.stamp(sub.ReceivedAt)
	id, err := w.ids.GenerateWithTime(receivedAt)
	if err != nil {
		return types.Candidate{}, ferrors.NewStorageError(ferrors.CodeAppendFailed, "generate candidate id", err)
	}

	c := types.Candidate{
		LSN:         w.lsn + 1,
		CandidateID: id.String(),
		SourceLane:  laneOrDefault(sub.SourceLane),
		ReceivedAt:  receivedAt,
		Payload:     sub.Payload,
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return types.Candidate{}, ferrors.NewStorageError(ferrors.CodeAppendFailed, "encode candidate", err)
	}

	if err := w.writeFrame(payload); err != nil {
		return types.Candidate{}, ferrors.NewStorageError(ferrors.CodeAppendFailed, "write WAL frame", err)
	}
	w.lsn = c.LSN
	return c, nil
}

// writeFrame writes and fsyncs one frame. A failed write is truncated away so the
// segment never holds a torn frame ahead of later appends.
func (w *WAL) writeFrame(payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.segment.Write(frame); err != nil {
		w.rollback()
		return err
	}
	if err := w.segment.Sync(); err != nil {
		w.rollback()
		return err
	}
	w.offset += int64(len(frame))

	if w.offset >= w.maxSegSize {
		return w.rotate()
	}
	return nil
}

func (w *WAL) rollback() {
	if err := w.segment.Truncate(w.offset); err != nil {
		w.logger.Error("failed to truncate torn frame", zap.Error(err))
	}
	if _, err := w.segment.Seek(w.offset, io.SeekStart); err != nil {
		w.logger.Error("failed to reposition segment", zap.Error(err))
	}
}

func (w *WAL) rotate() error {
	if err := w.segment.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	w.segmentID++
	return w.openSegment()
}

// Scan implements Buffer. Only candidates acknowledged before the call are returned.
func (w *WAL) Scan(ctx context.Context, afterLSN uint64, limit int) ([]types.Candidate, error) {
	w.mu.Lock()
	high := w.lsn
	w.mu.Unlock()

	if limit <= 0 || afterLSN >= high {
		return nil, nil
	}

	ids, err := w.segments()
	if err != nil {
		return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "list WAL segments", err)
	}

	var out []types.Candidate
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := w.readSegment(filepath.Join(w.dir, segmentName(id)), func(c types.Candidate) bool {
			if c.LSN > high {
				return false
			}
			if c.LSN > afterLSN {
				out = append(out, c)
			}
			return len(out) < limit
		})
		if err != nil {
			return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "read WAL segment", err)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// readSegment streams valid frames to fn until fn returns false. Frames failing
// their checksum are skipped; a truncated tail ends the segment.
func (w *WAL) readSegment(path string, fn func(types.Candidate) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, frameHeaderSize)
	var offset int64
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil
		}

		if crc32.ChecksumIEEE(payload) != sum {
			w.logger.Warn("WAL checksum mismatch, skipping frame",
				zap.String("segment", filepath.Base(path)),
				zap.Int64("offset", offset))
		} else {
			var c types.Candidate
			if err := json.Unmarshal(payload, &c); err != nil {
				w.logger.Warn("undecodable WAL frame, skipping",
					zap.String("segment", filepath.Base(path)),
					zap.Int64("offset", offset),
					zap.Error(err))
			} else if !fn(c) {
				return nil
			}
		}
		offset += int64(frameHeaderSize) + int64(length)
	}
}

// HighWatermark implements Buffer.
func (w *WAL) HighWatermark(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn, nil
}

// Close fsyncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.segment.Sync(); err != nil {
		w.segment.Close()
		return fmt.Errorf("ingest: fsync on close: %w", err)
	}
	return w.segment.Close()
}
