package persist

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// maxOverflowRecord bounds a single record payload during scans so a
// corrupted length prefix cannot trigger a huge allocation.
const maxOverflowRecord = 16 << 20

// OverflowLog is the durable spill target for persistence bundles the
// primary queue cannot accept. One append-only segment file per day; each
// record is a 4-byte big-endian payload length, a CRC32 (IEEE) of the
// payload, then the JSON payload.
type OverflowLog struct {
	dir    string
	logger *observability.Logger

	mu   sync.Mutex
	file *os.File
	day  string
}

// NewOverflowLog creates the directory if needed.
func NewOverflowLog(dir string, logger *observability.Logger) (*OverflowLog, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create overflow dir: %w", err)
	}
	return &OverflowLog{dir: dir, logger: logger}, nil
}

func segmentName(day string) string {
	return "overflow-" + day + ".log"
}

// Append durably writes one chunk record to today's segment.
func (l *OverflowLog) Append(chunk *models.PersistedChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode overflow record: %w", err)
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	l.mu.Lock()
	defer l.mu.Unlock()

	day := time.Now().UTC().Format("20060102")
	if l.file == nil || l.day != day {
		if l.file != nil {
			l.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(l.dir, segmentName(day)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open overflow segment: %w", err)
		}
		l.file = f
		l.day = day
	}

	if _, err := l.file.Write(append(header[:], payload...)); err != nil {
		return fmt.Errorf("write overflow record: %w", err)
	}
	// The log is the durability backstop, so every record is synced.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync overflow segment: %w", err)
	}
	return nil
}

// Close closes the active segment.
func (l *OverflowLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// HasBacklog reports whether any segment files exist.
func (l *OverflowLog) HasBacklog() bool {
	segments, err := l.segments()
	return err == nil && len(segments) > 0
}

func (l *OverflowLog) segments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "overflow-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Replay feeds every logged chunk to fn in append order and removes fully
// replayed segments. A corrupted record ends that segment's scan; the
// records before it are still replayed and the segment is kept for
// inspection under a .corrupt suffix. If fn fails the current segment is
// kept; dedup keys make re-replaying it harmless.
func (l *OverflowLog) Replay(ctx context.Context, fn func(*models.PersistedChunk) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Release the active segment so today's file can be replayed too.
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	segments, err := l.segments()
	if err != nil {
		return 0, fmt.Errorf("list overflow segments: %w", err)
	}

	total := 0
	for _, segment := range segments {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		replayed, corrupt, err := l.replaySegment(ctx, segment, fn)
		total += replayed
		if err != nil {
			return total, err
		}
		if corrupt {
			if renameErr := os.Rename(segment, segment+".corrupt"); renameErr != nil {
				l.logger.Error(ctx, "failed to quarantine corrupt overflow segment",
					"segment", segment, "error", renameErr.Error())
			}
			continue
		}
		if err := os.Remove(segment); err != nil {
			l.logger.Error(ctx, "failed to remove replayed overflow segment",
				"segment", segment, "error", err.Error())
		}
	}
	return total, nil
}

func (l *OverflowLog) replaySegment(ctx context.Context, path string, fn func(*models.PersistedChunk) error) (replayed int, corrupt bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open overflow segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return replayed, false, err
		}

		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return replayed, false, nil
			}
			l.logger.Warn(ctx, "truncated overflow record header", "segment", path)
			return replayed, true, nil
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if length == 0 || length > maxOverflowRecord {
			l.logger.Warn(ctx, "implausible overflow record length",
				"segment", path, "length", int64(length))
			return replayed, true, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			l.logger.Warn(ctx, "truncated overflow record payload", "segment", path)
			return replayed, true, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			l.logger.Warn(ctx, "overflow record checksum mismatch", "segment", path)
			return replayed, true, nil
		}

		var chunk models.PersistedChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			l.logger.Warn(ctx, "undecodable overflow record", "segment", path)
			return replayed, true, nil
		}

		if err := fn(&chunk); err != nil {
			return replayed, false, err
		}
		replayed++
	}
}
