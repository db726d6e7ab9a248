package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// lamportsPerSOL converts lamports to SOL.
var lamportsPerSOL = decimal.New(1, 9)

// RPCClient is a minimal Solana JSON-RPC client.
type RPCClient struct {
	url  string
	http *http.Client
	seq  atomic.Int64
}

// NewRPCClient creates a client for the given RPC endpoint.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	if out.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, out.Error.Code, out.Error.Message)
	}
	return json.Unmarshal(out.Result, result)
}

// Balance returns the SOL balance of owner.
func (c *RPCClient) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", &res, owner); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromUint64(res.Value).Div(lamportsPerSOL), nil
}

// TokenDecimals returns the decimals of an SPL mint.
func (c *RPCClient) TokenDecimals(ctx context.Context, mint string) (int32, error) {
	var res struct {
		Value struct {
			Decimals int32 `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenSupply", &res, mint); err != nil {
		return 0, err
	}
	return res.Value.Decimals, nil
}

// SignatureStatus is the confirmation state of one transaction.
type SignatureStatus struct {
	Found              bool
	ConfirmationStatus string // processed, confirmed, finalized
	Failed             bool
}

// SignatureStatus looks up a transaction signature.
func (c *RPCClient) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	var res struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	opts := map[string]bool{"searchTransactionHistory": true}
	if err := c.call(ctx, "getSignatureStatuses", &res, []string{signature}, opts); err != nil {
		return SignatureStatus{}, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	v := res.Value[0]
	failed := len(v.Err) > 0 && string(v.Err) != "null"
	return SignatureStatus{Found: true, ConfirmationStatus: v.ConfirmationStatus, Failed: failed}, nil
}
