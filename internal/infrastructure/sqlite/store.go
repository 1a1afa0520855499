package sqlite

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"txvault/internal/application"
	"txvault/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed document store: a deduplicated primary table
// keyed by transaction hash plus derived block and address index tables.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			tx_hash TEXT PRIMARY KEY,
			block_number INTEGER NOT NULL,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			value TEXT NOT NULL,
			gas_used TEXT NOT NULL,
			gas_price TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status INTEGER NOT NULL,
			input TEXT NOT NULL,
			logs TEXT NOT NULL,
			receipt TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS block_index (
			block_number INTEGER NOT NULL,
			tx_hash TEXT NOT NULL,
			UNIQUE(block_number, tx_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS address_index (
			address TEXT NOT NULL,
			tx_hash TEXT NOT NULL,
			UNIQUE(address, tx_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_block_idx ON transactions(block_number)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ingest merges records into the primary table; hashes already present are
// dropped silently, so re-ingestion never changes stored state. Index rows
// are appended only for newly admitted records.
func (s *Store) Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions
		(tx_hash, block_number, from_addr, to_addr, value, gas_used, gas_price, timestamp, status, input, logs, receipt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	blockStmt, err := tx.PrepareContext(ctx, `INSERT INTO block_index (block_number, tx_hash) VALUES (?, ?)
		ON CONFLICT(block_number, tx_hash) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer blockStmt.Close()

	addrStmt, err := tx.PrepareContext(ctx, `INSERT INTO address_index (address, tx_hash) VALUES (?, ?)
		ON CONFLICT(address, tx_hash) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer addrStmt.Close()

	admitted := 0
	for _, record := range records {
		logs, err := json.Marshal(record.Logs)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		receipt := []byte("null")
		if len(record.Receipt) > 0 {
			receipt = record.Receipt
		}
		result, err := stmt.ExecContext(ctx,
			record.TxHash,
			record.BlockNumber,
			strings.ToLower(record.From),
			strings.ToLower(record.To),
			record.Value,
			record.GasUsed,
			record.GasPrice,
			record.Timestamp,
			record.Status,
			record.Input,
			string(logs),
			string(receipt),
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if affected == 0 {
			continue
		}
		admitted++
		if _, err := blockStmt.ExecContext(ctx, record.BlockNumber, record.TxHash); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := addrStmt.ExecContext(ctx, strings.ToLower(record.From), record.TxHash); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if record.To != "" {
			if _, err := addrStmt.ExecContext(ctx, strings.ToLower(record.To), record.TxHash); err != nil {
				_ = tx.Rollback()
				return 0, err
			}
		}
	}
	if admitted > 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state (key, value) VALUES ('last_update', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return admitted, nil
}

func (s *Store) GetByHash(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, selectColumns+` FROM transactions WHERE tx_hash = ?`, hash)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionRecord{}, false, nil
	}
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) GetByBlock(ctx context.Context, blockNumber uint64) ([]domain.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, selectColumnsQualified+` FROM transactions t
		JOIN block_index b ON b.tx_hash = t.tx_hash
		WHERE b.block_number = ?
		ORDER BY t.tx_hash ASC`, blockNumber)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *Store) GetByAddress(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, selectColumnsQualified+` FROM transactions t
		JOIN address_index a ON a.tx_hash = t.tx_hash
		WHERE a.address = ?
		ORDER BY t.block_number ASC, t.tx_hash ASC`, strings.ToLower(address))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// Search ANDs all provided predicates. Value bounds are compared as
// arbitrary-precision integers after the SQL prefilter because stored values
// exceed 64-bit range.
func (s *Store) Search(ctx context.Context, filter application.SearchFilter) ([]domain.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if filter.From != "" {
		clauses = append(clauses, "from_addr = ?")
		args = append(args, strings.ToLower(filter.From))
	}
	if filter.To != "" {
		clauses = append(clauses, "to_addr = ?")
		args = append(args, strings.ToLower(filter.To))
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, *filter.Status)
	}

	query := selectColumns + ` FROM transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY block_number ASC, tx_hash ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	records, err = filterValueRange(records, filter.MinValue, filter.MaxValue)
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *Store) Stats(ctx context.Context) (domain.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var summary domain.Summary
	var minBlock, maxBlock sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT block_number), MIN(block_number), MAX(block_number) FROM transactions`).
		Scan(&summary.TotalTransactions, &summary.TotalBlocks, &minBlock, &maxBlock)
	if err != nil {
		return domain.Summary{}, err
	}
	if minBlock.Valid {
		summary.MinBlock = uint64(minBlock.Int64)
	}
	if maxBlock.Valid {
		summary.MaxBlock = uint64(maxBlock.Int64)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT address) FROM address_index`).Scan(&summary.UniqueAddresses); err != nil {
		return domain.Summary{}, err
	}

	var lastUpdate string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = 'last_update'`).Scan(&lastUpdate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Summary{}, err
	}
	if lastUpdate != "" {
		if parsed, err := time.Parse(time.RFC3339, lastUpdate); err == nil {
			summary.LastUpdate = parsed
		}
	}
	return summary, nil
}

// ExportCSV writes the fixed 10-column layout; the csv writer quote-escapes
// input data with embedded delimiters. An empty result set is an error.
func (s *Store) ExportCSV(ctx context.Context, filter application.SearchFilter, w io.Writer) (int, error) {
	records, err := s.Search(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, application.ErrNoData
	}

	writer := csv.NewWriter(w)
	header := []string{"block_number", "tx_hash", "from", "to", "value", "gas_used", "gas_price", "timestamp", "status", "input"}
	if err := writer.Write(header); err != nil {
		return 0, err
	}
	for _, record := range records {
		row := []string{
			strconv.FormatUint(record.BlockNumber, 10),
			record.TxHash,
			record.From,
			record.To,
			record.Value,
			record.GasUsed,
			record.GasPrice,
			time.Unix(record.Timestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatUint(record.Status, 10),
			record.Input,
		}
		if err := writer.Write(row); err != nil {
			return 0, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// RebuildIndexes reconstructs both index tables purely from the primary
// table, never from prior index state.
func (s *Store) RebuildIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	statements := []string{
		`DELETE FROM block_index`,
		`DELETE FROM address_index`,
		`INSERT INTO block_index (block_number, tx_hash) SELECT block_number, tx_hash FROM transactions`,
		`INSERT INTO address_index (address, tx_hash) SELECT from_addr, tx_hash FROM transactions`,
		`INSERT INTO address_index (address, tx_hash) SELECT to_addr, tx_hash FROM transactions
			WHERE to_addr != '' ON CONFLICT(address, tx_hash) DO NOTHING`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

const selectColumns = `SELECT tx_hash, block_number, from_addr, to_addr, value, gas_used, gas_price, timestamp, status, input, logs, receipt`

const selectColumnsQualified = `SELECT t.tx_hash, t.block_number, t.from_addr, t.to_addr, t.value, t.gas_used, t.gas_price, t.timestamp, t.status, t.input, t.logs, t.receipt`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.TransactionRecord, error) {
	var record domain.TransactionRecord
	var logsRaw, receiptRaw string
	if err := row.Scan(
		&record.TxHash,
		&record.BlockNumber,
		&record.From,
		&record.To,
		&record.Value,
		&record.GasUsed,
		&record.GasPrice,
		&record.Timestamp,
		&record.Status,
		&record.Input,
		&logsRaw,
		&receiptRaw,
	); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := json.Unmarshal([]byte(logsRaw), &record.Logs); err != nil {
		return domain.TransactionRecord{}, err
	}
	if receiptRaw != "" && receiptRaw != "null" {
		record.Receipt = json.RawMessage(receiptRaw)
	}
	return record, nil
}

func collectRecords(rows *sql.Rows) ([]domain.TransactionRecord, error) {
	defer rows.Close()
	var records []domain.TransactionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func filterValueRange(records []domain.TransactionRecord, minValue, maxValue string) ([]domain.TransactionRecord, error) {
	if minValue == "" && maxValue == "" {
		return records, nil
	}
	var min, max *big.Int
	var err error
	if minValue != "" {
		if min, err = parseBigInt(minValue); err != nil {
			return nil, fmt.Errorf("invalid min value: %w", err)
		}
	}
	if maxValue != "" {
		if max, err = parseBigInt(maxValue); err != nil {
			return nil, fmt.Errorf("invalid max value: %w", err)
		}
	}
	filtered := records[:0:0]
	for _, record := range records {
		value, err := parseBigInt(record.Value)
		if err != nil {
			continue
		}
		if min != nil && value.Cmp(min) < 0 {
			continue
		}
		if max != nil && value.Cmp(max) > 0 {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered, nil
}

func parseBigInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", raw)
	}
	return value, nil
}
