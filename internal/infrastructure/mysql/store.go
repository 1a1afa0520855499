package mysql

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

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the MySQL document store backend, selected explicitly through
// configuration. Semantics match the sqlite backend.
type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
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
			tx_hash VARCHAR(66) NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			from_addr VARCHAR(42) NOT NULL,
			to_addr VARCHAR(42) NOT NULL,
			value VARCHAR(80) NOT NULL,
			gas_used VARCHAR(80) NOT NULL,
			gas_price VARCHAR(80) NOT NULL,
			timestamp BIGINT NOT NULL,
			status BIGINT UNSIGNED NOT NULL,
			input MEDIUMTEXT NOT NULL,
			logs MEDIUMTEXT NOT NULL,
			receipt MEDIUMTEXT NOT NULL,
			PRIMARY KEY (tx_hash),
			KEY transactions_block_idx (block_number),
			KEY transactions_from_idx (from_addr),
			KEY transactions_to_idx (to_addr)
		)`,
		`CREATE TABLE IF NOT EXISTS block_index (
			block_number BIGINT UNSIGNED NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			UNIQUE KEY block_index_unique (block_number, tx_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS address_index (
			address VARCHAR(42) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			UNIQUE KEY address_index_unique (address, tx_hash),
			KEY address_index_addr_idx (address)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			` + "`key`" + ` VARCHAR(64) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (` + "`key`" + `)
		)`,
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

func (s *Store) Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tracer := otel.Tracer("txvault/mysql")
	ctx, span := tracer.Start(ctx, "docstore.ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("records.count", len(records)))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, spanErr(span, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT IGNORE INTO transactions
		(tx_hash, block_number, from_addr, to_addr, value, gas_used, gas_price, timestamp, status, input, logs, receipt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, spanErr(span, err)
	}
	defer stmt.Close()
	blockStmt, err := tx.PrepareContext(ctx, `INSERT IGNORE INTO block_index (block_number, tx_hash) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, spanErr(span, err)
	}
	defer blockStmt.Close()
	addrStmt, err := tx.PrepareContext(ctx, `INSERT IGNORE INTO address_index (address, tx_hash) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, spanErr(span, err)
	}
	defer addrStmt.Close()

	admitted := 0
	for _, record := range records {
		logs, err := json.Marshal(record.Logs)
		if err != nil {
			_ = tx.Rollback()
			return 0, spanErr(span, err)
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
			return 0, spanErr(span, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, spanErr(span, err)
		}
		if affected == 0 {
			continue
		}
		admitted++
		if _, err := blockStmt.ExecContext(ctx, record.BlockNumber, record.TxHash); err != nil {
			_ = tx.Rollback()
			return 0, spanErr(span, err)
		}
		if _, err := addrStmt.ExecContext(ctx, strings.ToLower(record.From), record.TxHash); err != nil {
			_ = tx.Rollback()
			return 0, spanErr(span, err)
		}
		if record.To != "" {
			if _, err := addrStmt.ExecContext(ctx, strings.ToLower(record.To), record.TxHash); err != nil {
				_ = tx.Rollback()
				return 0, spanErr(span, err)
			}
		}
	}
	if admitted > 0 {
		if _, err := tx.ExecContext(ctx, "INSERT INTO state (`key`, value) VALUES ('last_update', ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
			time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return 0, spanErr(span, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, spanErr(span, err)
	}
	span.SetAttributes(attribute.Int("records.admitted", admitted))
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

	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM transactions t
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

	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM transactions t
		JOIN address_index a ON a.tx_hash = t.tx_hash
		WHERE a.address = ?
		ORDER BY t.block_number ASC, t.tx_hash ASC`, strings.ToLower(address))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *Store) Search(ctx context.Context, filter application.SearchFilter) ([]domain.TransactionRecord, error) {
	tracer := otel.Tracer("txvault/mysql")
	ctx, span := tracer.Start(ctx, "docstore.search")
	defer span.End()

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
		return nil, spanErr(span, err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, spanErr(span, err)
	}
	records, err = filterValueRange(records, filter.MinValue, filter.MaxValue)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	span.SetAttributes(attribute.Int("records.count", len(records)))
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
	err = s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE `key` = 'last_update'").Scan(&lastUpdate)
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

func (s *Store) ExportCSV(ctx context.Context, filter application.SearchFilter, w io.Writer) (int, error) {
	records, err := s.Search(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, application.ErrNoData
	}
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"block_number", "tx_hash", "from", "to", "value", "gas_used", "gas_price", "timestamp", "status", "input"}); err != nil {
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
		`INSERT IGNORE INTO address_index (address, tx_hash) SELECT to_addr, tx_hash FROM transactions WHERE to_addr != ''`,
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

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func filterValueRange(records []domain.TransactionRecord, minValue, maxValue string) ([]domain.TransactionRecord, error) {
	if minValue == "" && maxValue == "" {
		return records, nil
	}
	var minBound, maxBound *big.Int
	var err error
	if minValue != "" {
		if minBound, err = parseBigInt(minValue); err != nil {
			return nil, fmt.Errorf("invalid min value %q: %w", minValue, err)
		}
	}
	if maxValue != "" {
		if maxBound, err = parseBigInt(maxValue); err != nil {
			return nil, fmt.Errorf("invalid max value %q: %w", maxValue, err)
		}
	}
	filtered := records[:0]
	for _, record := range records {
		value, err := parseBigInt(record.Value)
		if err != nil {
			continue
		}
		if minBound != nil && value.Cmp(minBound) < 0 {
			continue
		}
		if maxBound != nil && value.Cmp(maxBound) > 0 {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered, nil
}

func parseBigInt(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("not a decimal integer")
	}
	return value, nil
}
