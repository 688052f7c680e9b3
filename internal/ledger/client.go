package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is the narrow view of a ledger node the platform needs.
type Client interface {
	// Height returns the current chain height.
	Height(ctx context.Context) (uint64, error)
	// Events returns service events from fromHeight (inclusive) and the
	// next height to poll from.
	Events(ctx context.Context, fromHeight uint64) ([]Event, uint64, error)
	// SubmitTransaction broadcasts a signed transaction and returns its hash.
	SubmitTransaction(ctx context.Context, tx *Transaction) (string, error)
	// TransactionStatus reports inclusion of a submitted transaction.
	// Returns ErrTxNotFound while the node has not seen the hash yet.
	TransactionStatus(ctx context.Context, hash string) (*TxStatus, error)
}

// RPCClient talks JSON-RPC to a ledger node over HTTP.
type RPCClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Uint64
}

// NewRPCClient creates a client for the given node endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

const rpcCodeNotFound = -100

func (c *RPCClient) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: node returned status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcCodeNotFound {
			return ErrTxNotFound
		}
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) Height(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "getheight", []any{}, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (c *RPCClient) Events(ctx context.Context, fromHeight uint64) ([]Event, uint64, error) {
	var result struct {
		Events     []Event `json:"events"`
		NextHeight uint64  `json:"next_height"`
	}
	if err := c.call(ctx, "getevents", []any{fromHeight}, &result); err != nil {
		return nil, fromHeight, err
	}
	return result.Events, result.NextHeight, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *Transaction) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, "submittx", []any{tx}, &result); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, err)
	}
	if result.Hash == "" {
		return "", fmt.Errorf("%w: node returned empty hash", ErrSubmitFailed)
	}
	return result.Hash, nil
}

func (c *RPCClient) TransactionStatus(ctx context.Context, hash string) (*TxStatus, error) {
	var status TxStatus
	if err := c.call(ctx, "gettx", []any{hash}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
