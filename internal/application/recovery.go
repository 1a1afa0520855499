package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"txvault/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ReportSink persists recovery artifacts for audit.
type ReportSink interface {
	WriteReport(ctx context.Context, name string, payload any) error
}

type OrchestratorConfig struct {
	Network     string
	ChainID     uint64
	Reconstruct bool
}

// Orchestrator restores the document store from backup segments. One run per
// invocation: restore, optional state reconstruction, then validation.
type Orchestrator struct {
	segments SegmentStore
	docs     DocumentStore
	stream   StreamWriter
	reports  ReportSink
	cfg      OrchestratorConfig
}

func NewOrchestrator(segments SegmentStore, docs DocumentStore, stream StreamWriter, reports ReportSink, cfg OrchestratorConfig) (*Orchestrator, error) {
	if segments == nil || docs == nil {
		return nil, errors.New("orchestrator dependencies must not be nil")
	}
	if cfg.Network == "" {
		return nil, errors.New("network is required")
	}
	return &Orchestrator{segments: segments, docs: docs, stream: stream, reports: reports, cfg: cfg}, nil
}

// Recover ingests segment records according to mode and scope. Scope
// violations fail before any store is touched. The returned report is also
// persisted through the report sink when one is configured.
func (o *Orchestrator) Recover(ctx context.Context, mode domain.RecoveryMode, scope domain.RecoveryScope) (domain.RecoveryReport, error) {
	if err := validateScope(mode, scope); err != nil {
		return domain.RecoveryReport{}, err
	}

	ctx, span := otel.Tracer("txvault/recovery").Start(ctx, "recovery.run")
	defer span.End()
	span.SetAttributes(attribute.String("recovery.mode", string(mode)))

	start := time.Now()
	report := domain.RecoveryReport{Mode: mode, Scope: scope}

	addresses := make(map[string]struct{}, len(scope.Addresses))
	for _, address := range scope.Addresses {
		addresses[strings.ToLower(address)] = struct{}{}
	}

	ids, err := o.segments.ListSegments(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list segments: %v", err))
		o.finish(ctx, &report, start)
		return report, fmt.Errorf("list segments: %w", err)
	}
	sort.Strings(ids)

	for _, id := range ids {
		segment, err := o.segments.ReadSegment(ctx, id)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("read segment %s: %v", id, err))
			o.finish(ctx, &report, start)
			return report, fmt.Errorf("read segment %s: %w", id, err)
		}
		if mode == domain.RecoveryModeIncremental && !segmentOverlaps(segment, *scope.StartBlock, *scope.EndBlock) {
			continue
		}
		report.SegmentsRead++

		kept := segment.Transactions[:0:0]
		for _, record := range segment.Transactions {
			report.RecordsScanned++
			if !recordInScope(record, mode, scope, addresses) {
				continue
			}
			kept = append(kept, record)
		}
		if len(kept) == 0 {
			continue
		}
		ingested, err := o.docs.Ingest(ctx, kept)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("ingest segment %s: %v", id, err))
			o.finish(ctx, &report, start)
			return report, fmt.Errorf("ingest segment %s: %w", id, err)
		}
		report.RecordsIngested += ingested
	}

	if o.cfg.Reconstruct {
		o.reconstructState(ctx, &report)
	}
	o.validate(ctx, &report)
	o.finish(ctx, &report, start)

	slog.Info("recovery run complete",
		"mode", mode,
		"segments", report.SegmentsRead,
		"scanned", report.RecordsScanned,
		"ingested", report.RecordsIngested,
		"warnings", len(report.Warnings),
		"errors", len(report.Errors),
		"valid", report.Valid,
	)
	return report, nil
}

func validateScope(mode domain.RecoveryMode, scope domain.RecoveryScope) error {
	switch mode {
	case domain.RecoveryModeFull:
		return nil
	case domain.RecoveryModeIncremental:
		if scope.StartBlock == nil || scope.EndBlock == nil {
			return errors.New("incremental recovery requires start_block and end_block")
		}
		if *scope.StartBlock > *scope.EndBlock {
			return fmt.Errorf("invalid block range: start %d exceeds end %d", *scope.StartBlock, *scope.EndBlock)
		}
		return nil
	case domain.RecoveryModeSelective:
		if len(scope.Addresses) == 0 {
			return errors.New("selective recovery requires a non-empty address set")
		}
		for _, address := range scope.Addresses {
			if strings.TrimSpace(address) == "" {
				return errors.New("selective recovery address must not be blank")
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown recovery mode %q", mode)
	}
}

func segmentOverlaps(segment domain.BackupSegment, start, end uint64) bool {
	for _, record := range segment.Transactions {
		if record.BlockNumber >= start && record.BlockNumber <= end {
			return true
		}
	}
	return false
}

func recordInScope(record domain.TransactionRecord, mode domain.RecoveryMode, scope domain.RecoveryScope, addresses map[string]struct{}) bool {
	switch mode {
	case domain.RecoveryModeIncremental:
		return record.BlockNumber >= *scope.StartBlock && record.BlockNumber <= *scope.EndBlock
	case domain.RecoveryModeSelective:
		if _, ok := addresses[strings.ToLower(record.From)]; ok {
			return true
		}
		if record.To != "" {
			_, ok := addresses[strings.ToLower(record.To)]
			return ok
		}
		return false
	default:
		return true
	}
}

// reconstructState fingerprints the post-restore summary. Failures here are
// diagnostic warnings, never fatal.
func (o *Orchestrator) reconstructState(ctx context.Context, report *domain.RecoveryReport) {
	summary, err := o.docs.Stats(ctx)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("state reconstruction: stats: %v", err))
		return
	}
	report.StateFingerprint = Fingerprint(o.cfg.Network, o.cfg.ChainID, report.Mode, report.Scope, summary)

	if o.reports != nil {
		artifact := map[string]any{
			"mode":        report.Mode,
			"scope":       report.Scope,
			"summary":     summary,
			"fingerprint": report.StateFingerprint,
			"created_at":  time.Now().UTC(),
		}
		name := fmt.Sprintf("reconstruction_%s_%d.json", report.Mode, time.Now().UnixNano())
		if err := o.reports.WriteReport(ctx, name, artifact); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("state reconstruction: persist: %v", err))
		}
	}
}

func (o *Orchestrator) validate(ctx context.Context, report *domain.RecoveryReport) {
	summary, err := o.docs.Stats(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("validation: stats: %v", err))
		return
	}
	// An empty source range is legitimate, so zero results only warns.
	if summary.TotalTransactions == 0 {
		report.Warnings = append(report.Warnings, "validation: no transactions present after recovery")
	}
	if summary.TotalBlocks == 0 {
		report.Warnings = append(report.Warnings, "validation: no blocks present after recovery")
	}
	if o.reports != nil {
		artifact := map[string]any{
			"mode":       report.Mode,
			"summary":    summary,
			"warnings":   report.Warnings,
			"created_at": time.Now().UTC(),
		}
		name := fmt.Sprintf("validation_%s_%d.json", report.Mode, time.Now().UnixNano())
		if err := o.reports.WriteReport(ctx, name, artifact); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("validation: persist: %v", err))
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, report *domain.RecoveryReport, start time.Time) {
	report.Elapsed = time.Since(start)
	report.CompletedAt = time.Now().UTC()
	report.Valid = len(report.Errors) == 0

	if o.reports != nil {
		name := fmt.Sprintf("recovery_%s_%d.json", report.Mode, time.Now().UnixNano())
		if err := o.reports.WriteReport(ctx, name, report); err != nil {
			slog.Warn("recovery report persist failed", "err", err)
		}
	}
	if o.stream != nil {
		if err := o.stream.PublishRecovery(ctx, o.cfg.Network, o.cfg.ChainID, *report); err != nil {
			slog.Warn("recovery audit publish failed", "err", err)
		}
	}
}

// Fingerprint is a deterministic hash over summary statistics and scope
// descriptors, used to detect state drift across recovery runs.
func Fingerprint(network string, chainID uint64, mode domain.RecoveryMode, scope domain.RecoveryScope, summary domain.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s", network, chainID, mode)
	if scope.StartBlock != nil && scope.EndBlock != nil {
		fmt.Fprintf(&b, "|range=%d-%d", *scope.StartBlock, *scope.EndBlock)
	}
	if len(scope.Addresses) > 0 {
		lowered := make([]string, 0, len(scope.Addresses))
		for _, address := range scope.Addresses {
			lowered = append(lowered, strings.ToLower(address))
		}
		sort.Strings(lowered)
		fmt.Fprintf(&b, "|addrs=%s", strings.Join(lowered, ","))
	}
	fmt.Fprintf(&b, "|txs=%d|blocks=%d|addresses=%d|min=%d|max=%d",
		summary.TotalTransactions, summary.TotalBlocks, summary.UniqueAddresses, summary.MinBlock, summary.MaxBlock)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
