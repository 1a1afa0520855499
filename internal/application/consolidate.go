package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"txvault/internal/domain"
)

type ConsolidatorConfig struct {
	Network string
	ChainID uint64
}

// Consolidator merges segments into one sorted archive with freshly rebuilt
// indices. It is a disaster-recovery tool and never touches the live
// document store; deduplication stays the job of downstream ingestion, so
// overlapping segments leave duplicates in the archive.
type Consolidator struct {
	segments SegmentStore
	cfg      ConsolidatorConfig
}

func NewConsolidator(segments SegmentStore, cfg ConsolidatorConfig) (*Consolidator, error) {
	if segments == nil {
		return nil, errors.New("segment store is required")
	}
	if cfg.Network == "" {
		return nil, errors.New("network is required")
	}
	return &Consolidator{segments: segments, cfg: cfg}, nil
}

// Consolidate merges the chosen segments (all of them when ids is empty).
// Records are ordered by block number ascending with the transaction hash as
// a lexicographic tie-break, so output is reproducible regardless of segment
// read order.
func (c *Consolidator) Consolidate(ctx context.Context, ids []string) (domain.ConsolidatedArchive, error) {
	if len(ids) == 0 {
		all, err := c.segments.ListSegments(ctx)
		if err != nil {
			return domain.ConsolidatedArchive{}, fmt.Errorf("list segments: %w", err)
		}
		ids = all
	}
	if len(ids) == 0 {
		return domain.ConsolidatedArchive{}, errors.New("no segments to consolidate")
	}
	sort.Strings(ids)

	var records []domain.TransactionRecord
	for _, id := range ids {
		segment, err := c.segments.ReadSegment(ctx, id)
		if err != nil {
			return domain.ConsolidatedArchive{}, fmt.Errorf("read segment %s: %w", id, err)
		}
		records = append(records, segment.Transactions...)
	}

	sort.Slice(records, func(a, b int) bool {
		if records[a].BlockNumber == records[b].BlockNumber {
			return records[a].TxHash < records[b].TxHash
		}
		return records[a].BlockNumber < records[b].BlockNumber
	})

	archive := domain.ConsolidatedArchive{
		Network:      c.cfg.Network,
		ChainID:      c.cfg.ChainID,
		Records:      records,
		BlockIndex:   make(map[uint64][]string),
		AddressIndex: make(map[string][]string),
		CreatedAt:    time.Now().UTC(),
	}
	archive.Summary = buildArchiveSummary(records, len(ids), archive.BlockIndex, archive.AddressIndex)

	slog.Info("consolidation complete",
		"segments", len(ids),
		"records", len(records),
		"unique_hashes", archive.Summary.UniqueHashes,
	)
	return archive, nil
}

// buildArchiveSummary rebuilds both indices purely from record fields and
// aggregates the summary in the same pass.
func buildArchiveSummary(records []domain.TransactionRecord, segmentCount int, blockIndex map[uint64][]string, addressIndex map[string][]string) domain.ArchiveSummary {
	summary := domain.ArchiveSummary{SegmentCount: segmentCount, RecordCount: len(records)}
	if len(records) == 0 {
		return summary
	}

	hashes := make(map[string]struct{}, len(records))
	addresses := make(map[string]struct{})
	summary.MinBlock = records[0].BlockNumber
	summary.MaxBlock = records[len(records)-1].BlockNumber
	summary.MinTimestamp = records[0].Timestamp
	summary.MaxTimestamp = records[0].Timestamp

	indexAddress := func(address, hash string) {
		address = strings.ToLower(address)
		addresses[address] = struct{}{}
		addressIndex[address] = append(addressIndex[address], hash)
	}

	for _, record := range records {
		if _, seen := hashes[record.TxHash]; !seen {
			hashes[record.TxHash] = struct{}{}
			blockIndex[record.BlockNumber] = append(blockIndex[record.BlockNumber], record.TxHash)
			indexAddress(record.From, record.TxHash)
			if record.To != "" {
				indexAddress(record.To, record.TxHash)
			}
		}
		if record.Timestamp < summary.MinTimestamp {
			summary.MinTimestamp = record.Timestamp
		}
		if record.Timestamp > summary.MaxTimestamp {
			summary.MaxTimestamp = record.Timestamp
		}
	}
	summary.UniqueHashes = len(hashes)
	summary.UniqueAddresses = len(addresses)
	return summary
}
