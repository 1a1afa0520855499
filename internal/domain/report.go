package domain

import "time"

type RecoveryMode string

const (
	RecoveryModeFull        RecoveryMode = "full"
	RecoveryModeIncremental RecoveryMode = "incremental"
	RecoveryModeSelective   RecoveryMode = "selective"
)

// RecoveryScope narrows a recovery run to a block range or an address set.
type RecoveryScope struct {
	StartBlock *uint64  `json:"start_block,omitempty"`
	EndBlock   *uint64  `json:"end_block,omitempty"`
	Addresses  []string `json:"addresses,omitempty"`
}

// RecoveryReport is the outcome of one recovery run. Valid is true iff no
// errors were recorded during the run.
type RecoveryReport struct {
	Mode             RecoveryMode  `json:"mode"`
	Scope            RecoveryScope `json:"scope"`
	SegmentsRead     int           `json:"segments_read"`
	RecordsScanned   int           `json:"records_scanned"`
	RecordsIngested  int           `json:"records_ingested"`
	Elapsed          time.Duration `json:"elapsed"`
	Warnings         []string      `json:"warnings,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	StateFingerprint string        `json:"state_fingerprint,omitempty"`
	Valid            bool          `json:"valid"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// ConsolidatedArchive is the output of merging segments offline: all records
// in deterministic order plus indices rebuilt from the records alone.
type ConsolidatedArchive struct {
	Network      string              `json:"network"`
	ChainID      uint64              `json:"chain_id"`
	Records      []TransactionRecord `json:"records"`
	BlockIndex   map[uint64][]string `json:"block_index"`
	AddressIndex map[string][]string `json:"address_index"`
	Summary      ArchiveSummary      `json:"summary"`
	CreatedAt    time.Time           `json:"created_at"`
}

type ArchiveSummary struct {
	SegmentCount    int    `json:"segment_count"`
	RecordCount     int    `json:"record_count"`
	UniqueHashes    int    `json:"unique_hashes"`
	MinBlock        uint64 `json:"min_block"`
	MaxBlock        uint64 `json:"max_block"`
	MinTimestamp    int64  `json:"min_timestamp"`
	MaxTimestamp    int64  `json:"max_timestamp"`
	UniqueAddresses int    `json:"unique_addresses"`
}
