package domain

import "time"

// BackupSegment is one immutable batch of transaction records written during
// a backup run.
type BackupSegment struct {
	Network         string              `json:"network"`
	ChainID         uint64              `json:"chain_id"`
	LastBackupBlock uint64              `json:"last_backup_block"`
	Transactions    []TransactionRecord `json:"transactions"`
	BackupTimestamp time.Time           `json:"backup_timestamp"`
}

// BackupCursor points at the highest fully-backed-up block. One record per
// network, mutated only after a successful segment flush.
type BackupCursor struct {
	Network         string    `json:"network"`
	ChainID         uint64    `json:"chain_id"`
	LastBackupBlock uint64    `json:"last_backup_block"`
	LastBackupTime  time.Time `json:"last_backup_time"`
	TotalSegments   int       `json:"total_segments"`
}
