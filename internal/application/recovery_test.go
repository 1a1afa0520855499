package application

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"txvault/internal/domain"
)

func seedSegment(t *testing.T, segments *memSegments, fromBlock, toBlock uint64, txCount int, extra ...domain.TransactionRecord) {
	t.Helper()
	segment := domain.BackupSegment{
		Network:         "testnet",
		ChainID:         1337,
		LastBackupBlock: toBlock,
		BackupTimestamp: time.Now(),
	}
	span := toBlock - fromBlock + 1
	for i := 0; i < txCount; i++ {
		block := fromBlock + uint64(i)%span
		segment.Transactions = append(segment.Transactions, domain.TransactionRecord{
			BlockNumber: block,
			TxHash:      fmt.Sprintf("0x%06d%06d", fromBlock, i),
			From:        fmt.Sprintf("0xsender%02d", i%5),
			To:          fmt.Sprintf("0xrecipient%02d", i%7),
			Value:       "1",
			GasUsed:     "21000",
			GasPrice:    "1",
			Timestamp:   int64(1700000000 + block),
			Status:      1,
		})
	}
	segment.Transactions = append(segment.Transactions, extra...)
	if _, err := segments.WriteSegment(context.Background(), segment); err != nil {
		t.Fatalf("seed segment failed: %v", err)
	}
}

func newTestOrchestrator(t *testing.T, segments *memSegments, docs DocumentStore, reports ReportSink, reconstruct bool) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(segments, docs, nil, reports, OrchestratorConfig{
		Network:     "testnet",
		ChainID:     1337,
		Reconstruct: reconstruct,
	})
	if err != nil {
		t.Fatalf("orchestrator init failed: %v", err)
	}
	return orch
}

func TestRecover_FullDeduplicatesAcrossSegments(t *testing.T) {
	segments := newMemSegments()
	shared := domain.TransactionRecord{BlockNumber: 99, TxHash: "0xdead", From: "0xa", To: "0xb", Value: "1", GasUsed: "1", GasPrice: "1", Status: 1}
	seedSegment(t, segments, 0, 99, 149, shared)
	seedSegment(t, segments, 100, 199, 119, shared)
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeFull, domain.RecoveryScope{})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if report.SegmentsRead != 2 {
		t.Errorf("expected 2 segments read, got %d", report.SegmentsRead)
	}
	if report.RecordsScanned != 270 {
		t.Errorf("expected 270 records scanned, got %d", report.RecordsScanned)
	}
	if report.RecordsIngested != 269 {
		t.Errorf("expected 269 records ingested, got %d", report.RecordsIngested)
	}
	if len(docs.records) != 269 {
		t.Errorf("expected 269 unique records in store, got %d", len(docs.records))
	}
	if !report.Valid {
		t.Errorf("expected valid report, errors: %v", report.Errors)
	}
}

func TestRecover_IncrementalFiltersExactBounds(t *testing.T) {
	segments := newMemSegments()
	seedSegment(t, segments, 50, 149, 100)
	seedSegment(t, segments, 150, 249, 100)
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	start, end := uint64(100), uint64(200)
	report, err := orch.Recover(context.Background(), domain.RecoveryModeIncremental, domain.RecoveryScope{StartBlock: &start, EndBlock: &end})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if report.RecordsIngested == 0 {
		t.Fatal("expected records in range")
	}
	for _, record := range docs.records {
		if record.BlockNumber < 100 || record.BlockNumber > 200 {
			t.Errorf("record at block %d outside requested range", record.BlockNumber)
		}
	}
}

func TestRecover_SelectiveIsCaseInsensitiveAndPrecise(t *testing.T) {
	segments := newMemSegments()
	target := domain.TransactionRecord{BlockNumber: 7, TxHash: "0xtarget1", From: "0xAAA", To: "0xb", Value: "1", GasUsed: "1", GasPrice: "1", Status: 1}
	incoming := domain.TransactionRecord{BlockNumber: 9, TxHash: "0xtarget2", From: "0xc", To: "0xaaa", Value: "1", GasUsed: "1", GasPrice: "1", Status: 1}
	seedSegment(t, segments, 0, 20, 40, target, incoming)
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeSelective, domain.RecoveryScope{Addresses: []string{"0xaAa"}})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if report.RecordsIngested != 2 {
		t.Errorf("expected 2 records ingested, got %d", report.RecordsIngested)
	}
	stored, err := docs.GetByAddress(context.Background(), "0xAAA")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(stored) != report.RecordsIngested {
		t.Errorf("reported %d but store holds %d for the address", report.RecordsIngested, len(stored))
	}
}

func TestRecover_ScopeViolationsFailFast(t *testing.T) {
	segments := newMemSegments()
	seedSegment(t, segments, 0, 9, 10)
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	cases := []struct {
		name  string
		mode  domain.RecoveryMode
		scope domain.RecoveryScope
	}{
		{"incremental without range", domain.RecoveryModeIncremental, domain.RecoveryScope{}},
		{"incremental inverted range", domain.RecoveryModeIncremental, func() domain.RecoveryScope {
			start, end := uint64(10), uint64(5)
			return domain.RecoveryScope{StartBlock: &start, EndBlock: &end}
		}()},
		{"selective without addresses", domain.RecoveryModeSelective, domain.RecoveryScope{}},
		{"selective blank address", domain.RecoveryModeSelective, domain.RecoveryScope{Addresses: []string{"  "}}},
		{"unknown mode", domain.RecoveryMode("bogus"), domain.RecoveryScope{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := orch.Recover(context.Background(), tc.mode, tc.scope); err == nil {
				t.Fatal("expected scope error")
			}
			if len(docs.records) != 0 {
				t.Fatal("store must not be touched on scope violation")
			}
		})
	}
}

func TestRecover_ZeroRecoveredWarnsButStaysValid(t *testing.T) {
	segments := newMemSegments()
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeFull, domain.RecoveryScope{})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !report.Valid {
		t.Errorf("empty source must stay valid, errors: %v", report.Errors)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected zero-result warning")
	}
}

func TestRecover_ReconstructionProducesFingerprintAndArtifacts(t *testing.T) {
	segments := newMemSegments()
	seedSegment(t, segments, 0, 9, 10)
	docs := newMemDocs()
	reports := newMemReports()
	orch := newTestOrchestrator(t, segments, docs, reports, true)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeFull, domain.RecoveryScope{})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if report.StateFingerprint == "" {
		t.Error("expected a state fingerprint")
	}
	var reconstruction, validation, final bool
	for name := range reports.artifacts {
		switch {
		case strings.HasPrefix(name, "reconstruction_"):
			reconstruction = true
		case strings.HasPrefix(name, "validation_"):
			validation = true
		case strings.HasPrefix(name, "recovery_"):
			final = true
		}
	}
	if !reconstruction || !validation || !final {
		t.Errorf("missing artifacts: reconstruction=%v validation=%v final=%v", reconstruction, validation, final)
	}

	// Same state, same scope: the fingerprint is deterministic.
	summary, err := docs.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	a := Fingerprint("testnet", 1337, domain.RecoveryModeFull, domain.RecoveryScope{}, summary)
	b := Fingerprint("testnet", 1337, domain.RecoveryModeFull, domain.RecoveryScope{}, summary)
	if a != b || a != report.StateFingerprint {
		t.Error("fingerprint not deterministic")
	}
}

func TestRecover_ReconstructionFailureIsWarningOnly(t *testing.T) {
	segments := newMemSegments()
	seedSegment(t, segments, 0, 9, 10)
	docs := newMemDocs()
	reports := newMemReports()
	reports.writeErr = fmt.Errorf("disk full")
	orch := newTestOrchestrator(t, segments, docs, reports, true)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeFull, domain.RecoveryScope{})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !report.Valid {
		t.Errorf("reconstruction failure must not invalidate the run, errors: %v", report.Errors)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a reconstruction warning")
	}
}

func TestRecover_SegmentListFailureIsFatal(t *testing.T) {
	segments := newMemSegments()
	segments.listErr = fmt.Errorf("storage offline")
	docs := newMemDocs()
	orch := newTestOrchestrator(t, segments, docs, nil, false)

	report, err := orch.Recover(context.Background(), domain.RecoveryModeFull, domain.RecoveryScope{})
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if report.Valid {
		t.Error("report must be invalid after a fatal error")
	}
}
