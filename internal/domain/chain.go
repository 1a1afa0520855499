package domain

import "encoding/json"

// Block is a block header plus the hashes of its transactions.
type Block struct {
	Number    uint64
	Timestamp int64
	TxHashes  []string
}

// ChainTransaction is the node's view of a transaction body.
type ChainTransaction struct {
	Hash     string
	From     string
	To       string
	Value    string
	GasPrice string
	Input    string
}

// ChainReceipt is the node's view of a transaction receipt. Raw keeps the
// full payload for audit.
type ChainReceipt struct {
	GasUsed string
	Status  uint64
	Logs    []json.RawMessage
	Raw     json.RawMessage
}
