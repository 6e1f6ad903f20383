package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/deckcloud/deckcloud/internal/safety"
)

const rpcTimeout = 12 * time.Second

// RPCError is a JSON-RPC level failure reported by the engine process.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("engine rpc error code=%d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// rpcClient speaks JSON-RPC 2.0 to one aria2 process over localhost HTTP.
type rpcClient struct {
	client   *http.Client
	endpoint string
	secret   string
}

func newRPCClient(endpoint, secret string) *rpcClient {
	return &rpcClient{
		client:   safety.NewHTTPClient(rpcTimeout),
		endpoint: endpoint,
		secret:   secret,
	}
}

// call performs one RPC. The secret token is always the first positional
// parameter, per the aria2 token auth scheme.
func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	full := append([]any{"token:" + c.secret}, params...)
	body, err := json.Marshal(rpcRequest{
		Version: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  full,
	})
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := safety.ReadAllWithLimit(resp.Body, 4<<20)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%s: %w", method, parsed.Error)
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
