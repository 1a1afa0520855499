package streaming

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MessageTypeSegment   MessageType = "segment"
	MessageTypeRetention MessageType = "retention"
	MessageTypeRecovery  MessageType = "recovery"
)

type Message struct {
	Type            MessageType `json:"type"`
	Network         string      `json:"network"`
	ChainID         uint64      `json:"chain_id"`
	TraceID         string      `json:"trace_id,omitempty"`
	SegmentID       string      `json:"segment_id,omitempty"`
	LastBackupBlock uint64      `json:"last_backup_block,omitempty"`
	Transactions    int         `json:"transactions,omitempty"`
	RemovedSegments []string    `json:"removed_segments,omitempty"`
	RecoveryMode    string      `json:"recovery_mode,omitempty"`
	RecordsIngested int         `json:"records_ingested,omitempty"`
	Valid           bool        `json:"valid,omitempty"`
	Fingerprint     string      `json:"fingerprint,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.Network == "" {
		return nil, errors.New("network is required")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	if msg.Network == "" {
		return Message{}, errors.New("network is missing")
	}
	return msg, nil
}
