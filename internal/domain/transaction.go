package domain

import "encoding/json"

// TransactionRecord is one backed-up on-chain transaction. Value, GasUsed and
// GasPrice are decimal strings because chain amounts exceed 64-bit range.
// Logs and Receipt are kept verbatim for audit and never interpreted here.
type TransactionRecord struct {
	BlockNumber uint64            `json:"block_number"`
	TxHash      string            `json:"tx_hash"`
	From        string            `json:"from"`
	To          string            `json:"to,omitempty"`
	Value       string            `json:"value"`
	GasUsed     string            `json:"gas_used"`
	GasPrice    string            `json:"gas_price"`
	Timestamp   int64             `json:"timestamp"`
	Status      uint64            `json:"status"`
	Logs        []json.RawMessage `json:"logs,omitempty"`
	Input       string            `json:"input,omitempty"`
	Receipt     json.RawMessage   `json:"receipt,omitempty"`
}
