package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"txvault/internal/domain"
)

type Client struct {
	url        string
	httpClient *http.Client
	idCounter  uint64
}

type Config struct {
	URL string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{},
	}, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) BlockWithTxHashes(ctx context.Context, height uint64) (domain.Block, error) {
	var result rpcBlock
	if err := c.call(ctx, "eth_getBlockByNumber", []any{formatHexUint(height), false}, &result); err != nil {
		return domain.Block{}, err
	}
	number, err := parseHexUint(result.Number)
	if err != nil {
		return domain.Block{}, fmt.Errorf("block %d: bad number: %w", height, err)
	}
	timestamp, err := parseHexUint(result.Timestamp)
	if err != nil {
		return domain.Block{}, fmt.Errorf("block %d: bad timestamp: %w", height, err)
	}
	return domain.Block{
		Number:    number,
		Timestamp: int64(timestamp),
		TxHashes:  result.Transactions,
	}, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash string) (domain.ChainTransaction, error) {
	var result rpcTransaction
	if err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &result); err != nil {
		return domain.ChainTransaction{}, err
	}
	value, err := parseHexBig(result.Value)
	if err != nil {
		return domain.ChainTransaction{}, fmt.Errorf("tx %s: bad value: %w", hash, err)
	}
	gasPrice, err := parseHexBig(result.GasPrice)
	if err != nil {
		return domain.ChainTransaction{}, fmt.Errorf("tx %s: bad gas price: %w", hash, err)
	}
	return domain.ChainTransaction{
		Hash:     result.Hash,
		From:     strings.ToLower(result.From),
		To:       strings.ToLower(result.To),
		Value:    value,
		GasPrice: gasPrice,
		Input:    result.Input,
	}, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash string) (domain.ChainReceipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &raw); err != nil {
		return domain.ChainReceipt{}, err
	}
	var result rpcReceipt
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.ChainReceipt{}, err
	}
	gasUsed, err := parseHexBig(result.GasUsed)
	if err != nil {
		return domain.ChainReceipt{}, fmt.Errorf("receipt %s: bad gas used: %w", hash, err)
	}
	status, err := parseHexUint(result.Status)
	if err != nil {
		return domain.ChainReceipt{}, fmt.Errorf("receipt %s: bad status: %w", hash, err)
	}
	logs := make([]json.RawMessage, len(result.Logs))
	copy(logs, result.Logs)
	return domain.ChainReceipt{
		GasUsed: gasUsed,
		Status:  status,
		Logs:    logs,
		Raw:     raw,
	}, nil
}

type rpcBlock struct {
	Number       string   `json:"number"`
	Timestamp    string   `json:"timestamp"`
	Transactions []string `json:"transactions"`
}

type rpcTransaction struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	GasPrice string `json:"gasPrice"`
	Input    string `json:"input"`
}

type rpcReceipt struct {
	GasUsed string            `json:"gasUsed"`
	Status  string            `json:"status"`
	Logs    []json.RawMessage `json:"logs"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return errors.New("rpc result is empty")
	}
	return json.Unmarshal(decoded.Result, result)
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

// parseHexBig converts a 0x-prefixed quantity into its decimal string form.
// Values like wei amounts overflow uint64, so they stay strings end to end.
func parseHexBig(value string) (string, error) {
	if value == "" {
		return "0", nil
	}
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return "", errors.New("empty hex value")
	}
	parsed, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return "", fmt.Errorf("bad hex quantity %q", value)
	}
	return parsed.String(), nil
}

func formatHexUint(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
