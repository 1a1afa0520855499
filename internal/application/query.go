package application

import (
	"context"
	"errors"
	"io"

	"txvault/internal/domain"
)

// ErrNoData is returned by exports against an empty store.
var ErrNoData = errors.New("no data to export")

// SearchFilter predicates are ANDed. Address comparisons are
// case-insensitive; value bounds are compared as arbitrary-precision
// integers.
type SearchFilter struct {
	From      string
	To        string
	FromBlock *uint64
	ToBlock   *uint64
	MinValue  string
	MaxValue  string
	Status    *uint64
	Limit     int
}

// DocumentStore is the indexed, queryable collection of ingested transaction
// records. Ingestion is idempotent: records whose hash is already present
// are dropped silently.
type DocumentStore interface {
	Ingest(ctx context.Context, records []domain.TransactionRecord) (int, error)
	GetByHash(ctx context.Context, hash string) (domain.TransactionRecord, bool, error)
	GetByBlock(ctx context.Context, blockNumber uint64) ([]domain.TransactionRecord, error)
	GetByAddress(ctx context.Context, address string) ([]domain.TransactionRecord, error)
	Search(ctx context.Context, filter SearchFilter) ([]domain.TransactionRecord, error)
	Stats(ctx context.Context) (domain.Summary, error)
	ExportCSV(ctx context.Context, filter SearchFilter, w io.Writer) (int, error)
	RebuildIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
}
