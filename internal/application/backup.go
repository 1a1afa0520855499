package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"txvault/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ChainReader supplies block and transaction data from a chain node. Every
// call may fail with a transient network error; failures are retried only at
// the next scheduled cycle, never inside a run.
type ChainReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockWithTxHashes(ctx context.Context, height uint64) (domain.Block, error)
	TransactionByHash(ctx context.Context, hash string) (domain.ChainTransaction, error)
	TransactionReceipt(ctx context.Context, hash string) (domain.ChainReceipt, error)
}

// SegmentStore persists immutable backup segments and the single cursor
// record. Segment ids sort in creation order.
type SegmentStore interface {
	WriteSegment(ctx context.Context, segment domain.BackupSegment) (string, error)
	ListSegments(ctx context.Context) ([]string, error)
	ReadSegment(ctx context.Context, id string) (domain.BackupSegment, error)
	DeleteSegment(ctx context.Context, id string) error
	ReadCursor(ctx context.Context) (domain.BackupCursor, bool, error)
	WriteCursor(ctx context.Context, cursor domain.BackupCursor) error
	Cleanup(ctx context.Context, maxFiles int) ([]string, error)
}

// StreamWriter publishes audit events for segment writes, retention deletes
// and recovery runs.
type StreamWriter interface {
	PublishSegment(ctx context.Context, network string, chainID uint64, segmentID string, lastBlock uint64, txCount int) error
	PublishRetention(ctx context.Context, network string, chainID uint64, deleted []string) error
	PublishRecovery(ctx context.Context, network string, chainID uint64, report domain.RecoveryReport) error
}

type BackupObserver interface {
	OnHeight(height uint64)
	OnSegmentFlushed(segmentID string, lastBlock uint64, txCount int)
	OnCycleDone(fromBlock, toBlock uint64, txCount int, elapsed time.Duration)
}

type EngineConfig struct {
	Network       string
	ChainID       uint64
	SegmentBlocks uint64
}

// RangeOptions bounds one backup run. A nil FromBlock resumes from the
// cursor; a nil ToBlock uses the chain's current height.
type RangeOptions struct {
	FromBlock *uint64
	ToBlock   *uint64
}

type RunResult struct {
	FromBlock       uint64
	ToBlock         uint64
	BlocksProcessed int
	BlocksSkipped   int
	TxsBackedUp     int
	TxsSkipped      int
	SegmentsWritten int
	Skipped         bool
}

// Engine walks block ranges, extracts transaction records and seals them
// into segments. It is the only writer of the backup cursor.
type Engine struct {
	chain    ChainReader
	segments SegmentStore
	stream   StreamWriter
	observer BackupObserver
	cfg      EngineConfig
}

func NewEngine(chain ChainReader, segments SegmentStore, stream StreamWriter, observer BackupObserver, cfg EngineConfig) (*Engine, error) {
	if chain == nil || segments == nil {
		return nil, errors.New("engine dependencies must not be nil")
	}
	if cfg.Network == "" {
		return nil, errors.New("network is required")
	}
	if cfg.SegmentBlocks == 0 {
		cfg.SegmentBlocks = 100
	}
	return &Engine{chain: chain, segments: segments, stream: stream, observer: observer, cfg: cfg}, nil
}

// RunBackup walks [from, to] ascending. Individual transaction and block
// fetch failures are logged and skipped; a height fetch failure at range
// start fails the whole run so the cursor never moves past it. Context
// cancellation is fatal, not a skip: the run stops where it is and the
// cursor stays untouched so the remaining blocks are retried next cycle.
func (e *Engine) RunBackup(ctx context.Context, opts RangeOptions) (RunResult, error) {
	ctx, span := otel.Tracer("txvault/backup").Start(ctx, "backup.run")
	defer span.End()

	cursor, hasCursor, err := e.segments.ReadCursor(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("read cursor: %w", err)
	}

	var from uint64
	switch {
	case opts.FromBlock != nil:
		from = *opts.FromBlock
	case hasCursor:
		from = cursor.LastBackupBlock + 1
	}

	var to uint64
	if opts.ToBlock != nil {
		to = *opts.ToBlock
	} else {
		to, err = e.chain.CurrentHeight(ctx)
		if err != nil {
			return RunResult{}, fmt.Errorf("current height: %w", err)
		}
		if e.observer != nil {
			e.observer.OnHeight(to)
		}
	}

	if from > to {
		slog.Info("backup range empty, nothing to do", "from", from, "to", to)
		return RunResult{FromBlock: from, ToBlock: to, Skipped: true}, nil
	}

	start := time.Now()
	result := RunResult{FromBlock: from, ToBlock: to}
	segmentsTotal := cursor.TotalSegments

	batch := make([]domain.TransactionRecord, 0, e.cfg.SegmentBlocks)
	var batchBlocks uint64
	var batchLast uint64

	flush := func() error {
		if len(batch) == 0 {
			batchBlocks = 0
			return nil
		}
		id, err := e.flushSegment(ctx, batch, batchLast)
		if err != nil {
			return err
		}
		result.SegmentsWritten++
		segmentsTotal++
		result.TxsBackedUp += len(batch)
		if e.observer != nil {
			e.observer.OnSegmentFlushed(id, batchLast, len(batch))
		}
		batch = batch[:0]
		batchBlocks = 0
		return nil
	}

	for height := from; ; height++ {
		records, err := e.extractBlock(ctx, height)
		if err != nil {
			// A canceled context would otherwise read as a fetch failure for
			// every remaining block and the cursor would record them as
			// backed up. Abort without touching the cursor instead.
			if ctx.Err() != nil {
				return result, fmt.Errorf("backup aborted at block %d: %w", height, ctx.Err())
			}
			slog.Warn("skipping block", "block", height, "err", err)
			result.BlocksSkipped++
		} else {
			result.BlocksProcessed++
			batch = append(batch, records.records...)
			result.TxsSkipped += records.skipped
			batchLast = height
		}
		batchBlocks++

		if batchBlocks >= e.cfg.SegmentBlocks {
			if err := flush(); err != nil {
				return result, err
			}
		}
		if height == to {
			break
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	// Skipped blocks are not retried automatically: the cursor moves to the
	// end of the range and an operator must request a historical range to
	// fill gaps.
	next := domain.BackupCursor{
		Network:         e.cfg.Network,
		ChainID:         e.cfg.ChainID,
		LastBackupBlock: to,
		LastBackupTime:  time.Now().UTC(),
		TotalSegments:   segmentsTotal,
	}
	if hasCursor && cursor.LastBackupBlock > to {
		// A historical re-backup must not rewind the cursor.
		next.LastBackupBlock = cursor.LastBackupBlock
	}
	if err := e.segments.WriteCursor(ctx, next); err != nil {
		return result, fmt.Errorf("write cursor: %w", err)
	}

	if e.observer != nil {
		e.observer.OnCycleDone(from, to, result.TxsBackedUp, time.Since(start))
	}
	span.SetAttributes(
		attribute.Int64("backup.from", int64(from)),
		attribute.Int64("backup.to", int64(to)),
		attribute.Int("backup.transactions", result.TxsBackedUp),
		attribute.Int("backup.segments", result.SegmentsWritten),
	)
	slog.Info("backup run complete",
		"from", from,
		"to", to,
		"blocks", result.BlocksProcessed,
		"blocks_skipped", result.BlocksSkipped,
		"txs", result.TxsBackedUp,
		"txs_skipped", result.TxsSkipped,
		"segments", result.SegmentsWritten,
		"duration", time.Since(start),
	)
	return result, nil
}

func (e *Engine) flushSegment(ctx context.Context, records []domain.TransactionRecord, lastBlock uint64) (string, error) {
	segment := domain.BackupSegment{
		Network:         e.cfg.Network,
		ChainID:         e.cfg.ChainID,
		LastBackupBlock: lastBlock,
		Transactions:    append([]domain.TransactionRecord(nil), records...),
		BackupTimestamp: time.Now().UTC(),
	}
	id, err := e.segments.WriteSegment(ctx, segment)
	if err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}
	if e.stream != nil {
		if err := e.stream.PublishSegment(ctx, e.cfg.Network, e.cfg.ChainID, id, lastBlock, len(records)); err != nil {
			slog.Warn("segment audit publish failed", "segment", id, "err", err)
		}
	}
	return id, nil
}

type blockExtract struct {
	records []domain.TransactionRecord
	skipped int
}

func (e *Engine) extractBlock(ctx context.Context, height uint64) (blockExtract, error) {
	block, err := e.chain.BlockWithTxHashes(ctx, height)
	if err != nil {
		return blockExtract{}, err
	}

	var out blockExtract
	for _, hash := range block.TxHashes {
		record, err := e.extractTransaction(ctx, hash, block)
		if err != nil {
			if ctx.Err() != nil {
				return blockExtract{}, err
			}
			slog.Warn("skipping transaction", "block", height, "tx", hash, "err", err)
			out.skipped++
			continue
		}
		out.records = append(out.records, record)
	}
	return out, nil
}

func (e *Engine) extractTransaction(ctx context.Context, hash string, block domain.Block) (domain.TransactionRecord, error) {
	tx, err := e.chain.TransactionByHash(ctx, hash)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("fetch transaction: %w", err)
	}
	receipt, err := e.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("fetch receipt: %w", err)
	}
	return domain.TransactionRecord{
		BlockNumber: block.Number,
		TxHash:      tx.Hash,
		From:        tx.From,
		To:          tx.To,
		Value:       tx.Value,
		GasUsed:     receipt.GasUsed,
		GasPrice:    tx.GasPrice,
		Timestamp:   block.Timestamp,
		Status:      receipt.Status,
		Logs:        receipt.Logs,
		Input:       tx.Input,
		Receipt:     receipt.Raw,
	}, nil
}
