package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"txvault/internal/application"
	"txvault/internal/domain"
)

type stubDocs struct {
	mu      sync.Mutex
	records map[string]domain.TransactionRecord
	pingErr error
}

func newStubDocs() *stubDocs {
	return &stubDocs{records: make(map[string]domain.TransactionRecord)}
}

func (s *stubDocs) Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admitted := 0
	for _, record := range records {
		if _, ok := s.records[record.TxHash]; ok {
			continue
		}
		s.records[record.TxHash] = record
		admitted++
	}
	return admitted, nil
}

func (s *stubDocs) GetByHash(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[hash]
	return record, ok, nil
}

func (s *stubDocs) GetByBlock(ctx context.Context, blockNumber uint64) ([]domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransactionRecord
	for _, record := range s.records {
		if record.BlockNumber == blockNumber {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubDocs) GetByAddress(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	address = strings.ToLower(address)
	var out []domain.TransactionRecord
	for _, record := range s.records {
		if strings.ToLower(record.From) == address || strings.ToLower(record.To) == address {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubDocs) Search(ctx context.Context, filter application.SearchFilter) ([]domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransactionRecord
	for _, record := range s.records {
		if filter.FromBlock != nil && record.BlockNumber < *filter.FromBlock {
			continue
		}
		if filter.ToBlock != nil && record.BlockNumber > *filter.ToBlock {
			continue
		}
		if filter.From != "" && strings.ToLower(record.From) != filter.From {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].TxHash < out[j].TxHash
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *stubDocs) Stats(ctx context.Context) (domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Summary{TotalTransactions: len(s.records)}, nil
}

func (s *stubDocs) ExportCSV(ctx context.Context, filter application.SearchFilter, w io.Writer) (int, error) {
	records, err := s.Search(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, application.ErrNoData
	}
	fmt.Fprintln(w, "block_number,tx_hash,from,to,value,gas_used,gas_price,timestamp,status,input")
	for _, record := range records {
		fmt.Fprintf(w, "%d,%s,%s,%s,%s,%s,%s,%d,%d,%s\n",
			record.BlockNumber, record.TxHash, record.From, record.To,
			record.Value, record.GasUsed, record.GasPrice, record.Timestamp, record.Status, record.Input)
	}
	return len(records), nil
}

func (s *stubDocs) RebuildIndexes(ctx context.Context) error { return nil }

func (s *stubDocs) Ping(ctx context.Context) error { return s.pingErr }

type stubSegments struct {
	mu       sync.Mutex
	segments map[string]domain.BackupSegment
	cursor   *domain.BackupCursor
	seq      int
}

func newStubSegments() *stubSegments {
	return &stubSegments{segments: make(map[string]domain.BackupSegment)}
}

func (s *stubSegments) WriteSegment(ctx context.Context, segment domain.BackupSegment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("segment_%012d_%020d.json", segment.LastBackupBlock, s.seq)
	s.segments[id] = segment
	return id, nil
}

func (s *stubSegments) ListSegments(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.segments))
	for id := range s.segments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *stubSegments) ReadSegment(ctx context.Context, id string) (domain.BackupSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segment, ok := s.segments[id]
	if !ok {
		return domain.BackupSegment{}, fmt.Errorf("segment %s not found", id)
	}
	return segment, nil
}

func (s *stubSegments) DeleteSegment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, id)
	return nil
}

func (s *stubSegments) ReadCursor(ctx context.Context) (domain.BackupCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return domain.BackupCursor{}, false, nil
	}
	return *s.cursor, true, nil
}

func (s *stubSegments) WriteCursor(ctx context.Context, cursor domain.BackupCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &cursor
	return nil
}

func (s *stubSegments) Cleanup(ctx context.Context, maxFiles int) ([]string, error) {
	return nil, nil
}

type stubChain struct {
	height    uint64
	heightErr error
}

func (c *stubChain) CurrentHeight(ctx context.Context) (uint64, error) {
	return c.height, c.heightErr
}

func (c *stubChain) BlockWithTxHashes(ctx context.Context, height uint64) (domain.Block, error) {
	return domain.Block{
		Number:    height,
		Timestamp: int64(1700000000 + height),
		TxHashes:  []string{fmt.Sprintf("0x%08x", height)},
	}, nil
}

func (c *stubChain) TransactionByHash(ctx context.Context, hash string) (domain.ChainTransaction, error) {
	return domain.ChainTransaction{
		Hash:  hash,
		From:  "0xaaa",
		To:    "0xbbb",
		Value: "1000",
	}, nil
}

func (c *stubChain) TransactionReceipt(ctx context.Context, hash string) (domain.ChainReceipt, error) {
	return domain.ChainReceipt{GasUsed: "21000", Status: 1}, nil
}

func newTestServer(t *testing.T, docs *stubDocs, segments *stubSegments, chain *stubChain) *Server {
	t.Helper()
	engine, err := application.NewEngine(chain, segments, nil, nil, application.EngineConfig{
		Network:       "testnet",
		ChainID:       5,
		SegmentBlocks: 10,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	scheduler, err := application.NewScheduler(engine, chain, segments, nil, application.SchedulerConfig{
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	orchestrator, err := application.NewOrchestrator(segments, docs, nil, nil, application.OrchestratorConfig{
		Network: "testnet",
		ChainID: 5,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	server, err := NewServer(docs, segments, chain, engine, scheduler, orchestrator, NewMetrics(), BuildInfo{Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server
}

func TestReadyEndpointReflectsDependencies(t *testing.T) {
	docs := newStubDocs()
	chain := &stubChain{height: 100}
	server := newTestServer(t, docs, newStubSegments(), chain)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	docs.pingErr = errors.New("down")
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d after store failure", resp.StatusCode)
	}
}

func TestBackupRunEndpointWritesSegments(t *testing.T) {
	segments := newStubSegments()
	server := newTestServer(t, newStubDocs(), segments, &stubChain{height: 24})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/backup/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /backup/run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var result application.RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ToBlock != 24 {
		t.Fatalf("to block = %d, want 24", result.ToBlock)
	}
	ids, _ := segments.ListSegments(context.Background())
	if len(ids) == 0 {
		t.Fatal("expected at least one segment")
	}

	resp, err = http.Get(ts.URL + "/segments")
	if err != nil {
		t.Fatalf("GET /segments: %v", err)
	}
	defer resp.Body.Close()
	var listing struct {
		Count    int      `json:"count"`
		Segments []string `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Count != len(ids) {
		t.Fatalf("segment count = %d, want %d", listing.Count, len(ids))
	}
}

func TestTransactionLookupEndpoints(t *testing.T) {
	docs := newStubDocs()
	_, _ = docs.Ingest(context.Background(), []domain.TransactionRecord{
		{BlockNumber: 7, TxHash: "0xabc", From: "0xaaa", To: "0xbbb", Value: "5"},
		{BlockNumber: 9, TxHash: "0xdef", From: "0xccc", To: "0xaaa", Value: "7"},
	})
	server := newTestServer(t, docs, newStubSegments(), &stubChain{height: 10})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/transactions/by-hash?hash=0xabc")
	if err != nil {
		t.Fatalf("by-hash: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by-hash status = %d", resp.StatusCode)
	}
	var record domain.TransactionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.BlockNumber != 7 {
		t.Fatalf("block = %d, want 7", record.BlockNumber)
	}

	resp, err = http.Get(ts.URL + "/transactions/by-hash?hash=0xmissing")
	if err != nil {
		t.Fatalf("by-hash missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing hash status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/transactions?from_block=8")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	defer resp.Body.Close()
	var records []domain.TransactionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].TxHash != "0xdef" {
		t.Fatalf("unexpected search result: %+v", records)
	}
}

func TestExportEndpointHandlesEmptyStore(t *testing.T) {
	server := newTestServer(t, newStubDocs(), newStubSegments(), &stubChain{height: 10})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/export")
	if err != nil {
		t.Fatalf("GET /export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for empty export", resp.StatusCode)
	}
}

func TestRecoverEndpointValidatesMode(t *testing.T) {
	server := newTestServer(t, newStubDocs(), newStubSegments(), &stubChain{height: 10})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/recover", "application/json", strings.NewReader(`{"mode":"bogus"}`))
	if err != nil {
		t.Fatalf("POST /recover: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad mode", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/recover", "application/json", strings.NewReader(`{"mode":"full"}`))
	if err != nil {
		t.Fatalf("POST /recover: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for full recovery", resp.StatusCode)
	}
	var report domain.RecoveryReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Mode != domain.RecoveryModeFull {
		t.Fatalf("mode = %q", report.Mode)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	server := newTestServer(t, newStubDocs(), newStubSegments(), &stubChain{height: 10})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/scheduler/start")
	if err != nil {
		t.Fatalf("GET /scheduler/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET start status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/scheduler/reconfigure", "application/json", strings.NewReader(`{"interval":"5m"}`))
	if err != nil {
		t.Fatalf("POST /scheduler/reconfigure: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconfigure status = %d", resp.StatusCode)
	}
	var status application.SchedulerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Interval != 5*time.Minute {
		t.Fatalf("interval = %s, want 5m", status.Interval)
	}
}
