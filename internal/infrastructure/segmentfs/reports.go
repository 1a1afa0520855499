package segmentfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReportSink persists recovery artifacts as JSON files under one directory.
type ReportSink struct {
	dir string
}

func NewReportSink(dir string) (*ReportSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &ReportSink{dir: dir}, nil
}

func (r *ReportSink) WriteReport(ctx context.Context, name string, payload any) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, string(os.PathSeparator)) {
		return fmt.Errorf("invalid report name %q", name)
	}
	if err := writeJSONAtomic(filepath.Join(r.dir, name), payload); err != nil {
		return fmt.Errorf("write report %s: %w", name, err)
	}
	return nil
}

// WriteArchive persists a consolidated archive and its companion index and
// summary artifacts.
func WriteArchive(dir string, archive any, blockIndex any, addressIndex any, summary any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	files := map[string]any{
		"consolidated.json":  archive,
		"block_index.json":   blockIndex,
		"address_index.json": addressIndex,
		"summary.json":       summary,
	}
	for name, payload := range files {
		if err := writeJSONAtomic(filepath.Join(dir, name), payload); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
