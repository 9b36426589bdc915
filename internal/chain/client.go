// Package chain talks to the Neo N3 node that hosts the campus token
// contract. Balances on the platform are ledger state; the chain is the
// public mirror students can verify their rewards against.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a JSON-RPC client for a Neo N3 node.
type Client struct {
	rpcURL       string
	contractHash string
	signer       string
	httpClient   *http.Client
	networkID    uint32
	decimals     int
	confirmWait  time.Duration
}

// Config holds client configuration.
type Config struct {
	RPCURL        string
	ContractHash  string
	SignerAddress string
	NetworkID     uint32 // MainNet: 860833102, TestNet: 894710606
	Decimals      int
	Timeout       time.Duration
	ConfirmWait   time.Duration
}

// DefaultPollInterval is the interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// DefaultConfirmWait is the default timeout for waiting for transaction
// confirmation.
const DefaultConfirmWait = 2 * time.Minute

// NewClient creates a new Neo N3 client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	if cfg.ContractHash == "" {
		return nil, fmt.Errorf("token contract hash required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	confirmWait := cfg.ConfirmWait
	if confirmWait == 0 {
		confirmWait = DefaultConfirmWait
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = 8
	}

	return &Client{
		rpcURL:       cfg.RPCURL,
		contractHash: cfg.ContractHash,
		signer:       cfg.SignerAddress,
		httpClient:   &http.Client{Timeout: timeout},
		networkID:    cfg.NetworkID,
		decimals:     decimals,
		confirmWait:  confirmWait,
	}, nil
}

// Call makes an RPC call to the Neo N3 node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBlockCount returns the current block height.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}

	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// InvokeFunction invokes a contract function without broadcasting, which
// serves as the gas and validity check before submission.
func (c *Client) InvokeFunction(ctx context.Context, scriptHash, method string, params []ContractParam) (*InvokeResult, error) {
	args := []interface{}{scriptHash, method, params}
	if c.signer != "" {
		args = append(args, []Signer{{Account: c.signer, Scopes: "CalledByEntry"}})
	}

	result, err := c.Call(ctx, "invokefunction", args)
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, err
	}
	return &invokeResult, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{txHex})
	if err != nil {
		return "", err
	}

	var response struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", err
	}
	return response.Hash, nil
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error) {
	result, err := c.Call(ctx, "getapplicationlog", []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	var log ApplicationLog
	if err := json.Unmarshal(result, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// WaitForApplicationLog polls for a transaction application log until it is
// available or the context is done. A missing transaction is treated as
// transient and retried until the deadline expires.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			log, err := c.GetApplicationLog(ctx, txHash)
			if err != nil {
				if isNotFoundError(err) {
					continue
				}
				return nil, err
			}
			return log, nil
		}
	}
}
