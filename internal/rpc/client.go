// Package rpc implements a JSON-RPC 1.0 client for a Bitcoin-compatible
// full node, covering the two calls the coordinator needs:
// getblocktemplate and submitblock.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orebit/stratum/internal/config"

	"go.uber.org/zap"
)

// Client talks to a single node RPC endpoint over HTTP with Basic auth.
type Client struct {
	cfg        config.NodeConfig
	logger     *zap.Logger
	httpClient *http.Client
	idCounter  int64
}

// New creates a node RPC client.
func New(cfg config.NodeConfig, logger *zap.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: logger.Named("rpc"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError wraps failures in reaching the node (timeout,
// connection refused) — the template-refresh loop treats these as
// retryable and keeps the last-known job active.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// call issues a single JSON-RPC 1.0 request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.idCounter++
	req := request{
		JSONRPC: "1.0",
		ID:      c.idCounter,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.cfg.RPCUser, c.cfg.RPCPassword)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode >= 500 {
		return &TransportError{Err: fmt.Errorf("node returned status %d", resp.StatusCode)}
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode rpc result: %w", err)
		}
	}

	return nil
}

// RawTransaction is one member of getblocktemplate's "transactions" array.
type RawTransaction struct {
	Data    string `json:"data"`
	TxID    string `json:"txid"`
	Hash    string `json:"hash"`
	Fee     int64  `json:"fee"`
	Weight  int    `json:"weight"`
	SigOps  int    `json:"sigops"`
}

// BlockTemplateResult is the raw shape returned by getblocktemplate.
type BlockTemplateResult struct {
	Version                 int32            `json:"version"`
	PreviousBlockHash       string           `json:"previousblockhash"`
	Transactions            []RawTransaction `json:"transactions"`
	CoinbaseValue           int64            `json:"coinbasevalue"`
	Bits                    string           `json:"bits"`
	CurTime                 uint32           `json:"curtime"`
	Height                  int64            `json:"height"`
	Target                  string           `json:"target"`
	DefaultWitnessCommitment string          `json:"default_witness_commitment,omitempty"`
}

// GetBlockTemplate fetches a new candidate block template from the node.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplateResult, error) {
	params := []interface{}{
		map[string]interface{}{"rules": []string{"segwit"}},
	}

	var result BlockTemplateResult
	if err := c.call(ctx, "getblocktemplate", params, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// SubmitBlock submits a fully assembled block (as hex) to the node.
// A nil return means the node accepted the block. A non-nil, non-error
// return from the node (a rejection reason string) is surfaced as an
// error whose message is "block rejected: " followed by that reason
// verbatim.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	var result *string
	if err := c.call(ctx, "submitblock", []interface{}{blockHex}, &result); err != nil {
		return err
	}

	if result != nil && *result != "" {
		return fmt.Errorf("block rejected: %s", *result)
	}

	return nil
}
