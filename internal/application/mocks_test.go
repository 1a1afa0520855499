package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"txvault/internal/domain"
)

type fakeChain struct {
	height     uint64
	heightErr  error
	blocks     map[uint64]domain.Block
	txs        map[string]domain.ChainTransaction
	receipts   map[string]domain.ChainReceipt
	failBlocks map[uint64]bool
	failTxs    map[string]bool

	// onBlock, when set, runs before each block fetch and can fail it.
	onBlock func(ctx context.Context, height uint64) error

	heightCalls int
	blockCalls  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:     make(map[uint64]domain.Block),
		txs:        make(map[string]domain.ChainTransaction),
		receipts:   make(map[string]domain.ChainReceipt),
		failBlocks: make(map[uint64]bool),
		failTxs:    make(map[string]bool),
	}
}

// addBlock seeds one block containing count transactions with derived
// hashes.
func (c *fakeChain) addBlock(height uint64, count int) {
	block := domain.Block{Number: height, Timestamp: int64(1700000000 + height)}
	for i := 0; i < count; i++ {
		hash := fmt.Sprintf("0x%08x%04x", height, i)
		block.TxHashes = append(block.TxHashes, hash)
		c.txs[hash] = domain.ChainTransaction{
			Hash:     hash,
			From:     fmt.Sprintf("0xfrom%04x", i),
			To:       fmt.Sprintf("0xto%04x", i),
			Value:    "1000000000000000000",
			GasPrice: "20000000000",
		}
		c.receipts[hash] = domain.ChainReceipt{GasUsed: "21000", Status: 1}
	}
	c.blocks[height] = block
	if height > c.height {
		c.height = height
	}
}

func (c *fakeChain) CurrentHeight(ctx context.Context) (uint64, error) {
	c.heightCalls++
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return c.height, nil
}

func (c *fakeChain) BlockWithTxHashes(ctx context.Context, height uint64) (domain.Block, error) {
	c.blockCalls++
	if c.onBlock != nil {
		if err := c.onBlock(ctx, height); err != nil {
			return domain.Block{}, err
		}
	}
	if c.failBlocks[height] {
		return domain.Block{}, errors.New("block fetch failed")
	}
	block, ok := c.blocks[height]
	if !ok {
		return domain.Block{Number: height, Timestamp: int64(1700000000 + height)}, nil
	}
	return block, nil
}

func (c *fakeChain) TransactionByHash(ctx context.Context, hash string) (domain.ChainTransaction, error) {
	if c.failTxs[hash] {
		return domain.ChainTransaction{}, errors.New("tx fetch failed")
	}
	tx, ok := c.txs[hash]
	if !ok {
		return domain.ChainTransaction{}, errors.New("unknown tx")
	}
	return tx, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash string) (domain.ChainReceipt, error) {
	receipt, ok := c.receipts[hash]
	if !ok {
		return domain.ChainReceipt{}, errors.New("unknown receipt")
	}
	return receipt, nil
}

type memSegments struct {
	segments  map[string]domain.BackupSegment
	cursor    domain.BackupCursor
	hasCursor bool
	seq       int

	cursorReadErr error
	writeErr      error
	listErr       error
}

func newMemSegments() *memSegments {
	return &memSegments{segments: make(map[string]domain.BackupSegment)}
}

func (m *memSegments) WriteSegment(ctx context.Context, segment domain.BackupSegment) (string, error) {
	if m.writeErr != nil {
		return "", m.writeErr
	}
	m.seq++
	id := fmt.Sprintf("segment_%012d_%019d", segment.LastBackupBlock, m.seq)
	m.segments[id] = segment
	return id, nil
}

func (m *memSegments) ListSegments(ctx context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memSegments) ReadSegment(ctx context.Context, id string) (domain.BackupSegment, error) {
	segment, ok := m.segments[id]
	if !ok {
		return domain.BackupSegment{}, fmt.Errorf("segment %s not found", id)
	}
	return segment, nil
}

func (m *memSegments) DeleteSegment(ctx context.Context, id string) error {
	if _, ok := m.segments[id]; !ok {
		return fmt.Errorf("segment %s not found", id)
	}
	delete(m.segments, id)
	return nil
}

func (m *memSegments) ReadCursor(ctx context.Context) (domain.BackupCursor, bool, error) {
	if m.cursorReadErr != nil {
		return domain.BackupCursor{}, false, m.cursorReadErr
	}
	return m.cursor, m.hasCursor, nil
}

func (m *memSegments) WriteCursor(ctx context.Context, cursor domain.BackupCursor) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.cursor = cursor
	m.hasCursor = true
	return nil
}

func (m *memSegments) Cleanup(ctx context.Context, maxFiles int) ([]string, error) {
	ids, err := m.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for len(ids) > maxFiles {
		if err := m.DeleteSegment(ctx, ids[0]); err != nil {
			return deleted, err
		}
		deleted = append(deleted, ids[0])
		ids = ids[1:]
	}
	return deleted, nil
}

type memDocs struct {
	records   map[string]domain.TransactionRecord
	ingestErr error
	statsErr  error
}

func newMemDocs() *memDocs {
	return &memDocs{records: make(map[string]domain.TransactionRecord)}
}

func (m *memDocs) Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if m.ingestErr != nil {
		return 0, m.ingestErr
	}
	admitted := 0
	for _, record := range records {
		if _, ok := m.records[record.TxHash]; ok {
			continue
		}
		m.records[record.TxHash] = record
		admitted++
	}
	return admitted, nil
}

func (m *memDocs) GetByHash(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	record, ok := m.records[hash]
	return record, ok, nil
}

func (m *memDocs) GetByBlock(ctx context.Context, blockNumber uint64) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	for _, record := range m.records {
		if record.BlockNumber == blockNumber {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memDocs) GetByAddress(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	address = strings.ToLower(address)
	var out []domain.TransactionRecord
	for _, record := range m.records {
		if strings.ToLower(record.From) == address || strings.ToLower(record.To) == address {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memDocs) Search(ctx context.Context, filter SearchFilter) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	for _, record := range m.records {
		if filter.From != "" && !strings.EqualFold(filter.From, record.From) {
			continue
		}
		if filter.To != "" && !strings.EqualFold(filter.To, record.To) {
			continue
		}
		if filter.FromBlock != nil && record.BlockNumber < *filter.FromBlock {
			continue
		}
		if filter.ToBlock != nil && record.BlockNumber > *filter.ToBlock {
			continue
		}
		if filter.Status != nil && record.Status != *filter.Status {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (m *memDocs) Stats(ctx context.Context) (domain.Summary, error) {
	if m.statsErr != nil {
		return domain.Summary{}, m.statsErr
	}
	summary := domain.Summary{TotalTransactions: len(m.records), LastUpdate: time.Now()}
	blocks := make(map[uint64]struct{})
	addresses := make(map[string]struct{})
	first := true
	for _, record := range m.records {
		blocks[record.BlockNumber] = struct{}{}
		addresses[strings.ToLower(record.From)] = struct{}{}
		if record.To != "" {
			addresses[strings.ToLower(record.To)] = struct{}{}
		}
		if first || record.BlockNumber < summary.MinBlock {
			summary.MinBlock = record.BlockNumber
		}
		if first || record.BlockNumber > summary.MaxBlock {
			summary.MaxBlock = record.BlockNumber
		}
		first = false
	}
	summary.TotalBlocks = len(blocks)
	summary.UniqueAddresses = len(addresses)
	return summary, nil
}

func (m *memDocs) ExportCSV(ctx context.Context, filter SearchFilter, w io.Writer) (int, error) {
	if len(m.records) == 0 {
		return 0, ErrNoData
	}
	return len(m.records), nil
}

func (m *memDocs) RebuildIndexes(ctx context.Context) error { return nil }

func (m *memDocs) Ping(ctx context.Context) error { return nil }

type auditEvent struct {
	kind      string
	segmentID string
	lastBlock uint64
	txCount   int
	deleted   []string
}

type recStream struct {
	events []auditEvent
}

func (r *recStream) PublishSegment(ctx context.Context, network string, chainID uint64, segmentID string, lastBlock uint64, txCount int) error {
	r.events = append(r.events, auditEvent{kind: "segment", segmentID: segmentID, lastBlock: lastBlock, txCount: txCount})
	return nil
}

func (r *recStream) PublishRetention(ctx context.Context, network string, chainID uint64, deleted []string) error {
	r.events = append(r.events, auditEvent{kind: "retention", deleted: deleted})
	return nil
}

func (r *recStream) PublishRecovery(ctx context.Context, network string, chainID uint64, report domain.RecoveryReport) error {
	r.events = append(r.events, auditEvent{kind: "recovery"})
	return nil
}

type memReports struct {
	artifacts map[string]any
	writeErr  error
}

func newMemReports() *memReports {
	return &memReports{artifacts: make(map[string]any)}
}

func (m *memReports) WriteReport(ctx context.Context, name string, payload any) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.artifacts[name] = payload
	return nil
}
