package segmentfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"txvault/internal/domain"
)

const (
	segmentPrefix = "segment_"
	segmentSuffix = ".json"
	cursorFile    = "cursor.json"
)

// Store keeps backup segments as immutable JSON files in one directory plus
// a single cursor record. File names encode the last backup block first and
// the backup timestamp second, so lexicographic name order is block order,
// not creation order. A segment written later for a historical range sorts
// before segments covering higher blocks. Retention and recovery both depend
// on this: Cleanup drops the lowest block ranges first, and recovery ingests
// segments lowest block first.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("segment directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) WriteSegment(ctx context.Context, segment domain.BackupSegment) (string, error) {
	if len(segment.Transactions) == 0 {
		return "", errors.New("segment must contain transactions")
	}
	id := fmt.Sprintf("%s%012d_%020d%s", segmentPrefix, segment.LastBackupBlock, segment.BackupTimestamp.UnixNano(), segmentSuffix)
	path := filepath.Join(s.dir, id)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("segment %s already exists", id)
	}
	if err := writeJSONAtomic(path, segment); err != nil {
		return "", fmt.Errorf("write segment %s: %w", id, err)
	}
	return id, nil
}

// ListSegments returns segment ids sorted by last backup block, then by
// backup timestamp for segments ending at the same block.
func (s *Store) ListSegments(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ReadSegment(ctx context.Context, id string) (domain.BackupSegment, error) {
	if !strings.HasPrefix(id, segmentPrefix) || strings.Contains(id, string(os.PathSeparator)) {
		return domain.BackupSegment{}, fmt.Errorf("invalid segment id %q", id)
	}
	payload, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return domain.BackupSegment{}, fmt.Errorf("read segment %s: %w", id, err)
	}
	var segment domain.BackupSegment
	if err := json.Unmarshal(payload, &segment); err != nil {
		return domain.BackupSegment{}, fmt.Errorf("decode segment %s: %w", id, err)
	}
	return segment, nil
}

func (s *Store) DeleteSegment(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, segmentPrefix) || strings.Contains(id, string(os.PathSeparator)) {
		return fmt.Errorf("invalid segment id %q", id)
	}
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil {
		return fmt.Errorf("delete segment %s: %w", id, err)
	}
	return nil
}

func (s *Store) ReadCursor(ctx context.Context) (domain.BackupCursor, bool, error) {
	payload, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.BackupCursor{}, false, nil
		}
		return domain.BackupCursor{}, false, fmt.Errorf("read cursor: %w", err)
	}
	var cursor domain.BackupCursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return domain.BackupCursor{}, false, fmt.Errorf("cursor corrupted: %w", err)
	}
	return cursor, true, nil
}

// WriteCursor replaces the cursor atomically so a crash mid-write never
// leaves a torn record behind.
func (s *Store) WriteCursor(ctx context.Context, cursor domain.BackupCursor) error {
	if err := writeJSONAtomic(filepath.Join(s.dir, cursorFile), cursor); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Cleanup deletes segments covering the lowest block ranges first until at
// most maxFiles remain.
func (s *Store) Cleanup(ctx context.Context, maxFiles int) ([]string, error) {
	if maxFiles <= 0 {
		return nil, nil
	}
	ids, err := s.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for len(ids) > maxFiles {
		if err := s.DeleteSegment(ctx, ids[0]); err != nil {
			return deleted, err
		}
		deleted = append(deleted, ids[0])
		ids = ids[1:]
	}
	return deleted, nil
}

func writeJSONAtomic(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
