package domain

import "time"

// Summary aggregates the document store contents.
type Summary struct {
	TotalTransactions int       `json:"total_transactions"`
	TotalBlocks       int       `json:"total_blocks"`
	UniqueAddresses   int       `json:"unique_addresses"`
	MinBlock          uint64    `json:"min_block"`
	MaxBlock          uint64    `json:"max_block"`
	LastUpdate        time.Time `json:"last_update"`
}
