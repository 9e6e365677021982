package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"leaseflow/address"
	"leaseflow/apperr"
)

var (
	ErrAccountNotFound = apperr.NotFound("account_not_found", "ledger account does not exist")
	ErrRPCUnavailable  = apperr.ExternalService("ledger_unavailable", "ledger rpc is unreachable")
)

// Blockhash is a recency token and the last block height at which a
// transaction carrying it is accepted.
type Blockhash struct {
	Hash            [32]byte
	LastValidHeight uint64
}

// Memcmp filters program accounts whose bytes at Offset equal Bytes.
type Memcmp struct {
	Offset int
	Bytes  []byte
}

// KeyedAccount is a program account together with its address.
type KeyedAccount struct {
	Address address.Address
	Data    []byte
}

// Client is the subset of ledger RPC the orchestration layer consumes.
type Client interface {
	GetAccount(ctx context.Context, addr address.Address) ([]byte, error)
	GetProgramAccounts(ctx context.Context, program address.Address, filters ...Memcmp) ([]KeyedAccount, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// RPCClient speaks JSON-RPC 2.0 over HTTP.
type RPCClient struct {
	URL        string
	Commitment string
	HTTP       *http.Client
	nextID     atomic.Int64
}

func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		URL:        strings.TrimRight(url, "/"),
		Commitment: "confirmed",
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return ErrRPCUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ErrRPCUnavailable.Wrap(fmt.Errorf("%s returned %d", method, resp.StatusCode))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return ErrRPCUnavailable.Wrap(fmt.Errorf("decode %s: %w", method, err))
	}
	if envelope.Error != nil {
		return ErrRPCUnavailable.Wrap(fmt.Errorf("%s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message))
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return ErrRPCUnavailable.Wrap(fmt.Errorf("decode %s result: %w", method, err))
	}
	return nil
}

type encodedAccount struct {
	Data []string `json:"data"`
}

func (a *encodedAccount) decode() ([]byte, error) {
	if len(a.Data) != 2 || a.Data[1] != "base64" {
		return nil, errors.New("ledger: account data is not base64 encoded")
	}
	return base64.StdEncoding.DecodeString(a.Data[0])
}

func (c *RPCClient) GetAccount(ctx context.Context, addr address.Address) ([]byte, error) {
	var out struct {
		Value *encodedAccount `json:"value"`
	}
	params := []any{addr.String(), map[string]any{"encoding": "base64", "commitment": c.Commitment}}
	if err := c.call(ctx, "getAccountInfo", params, &out); err != nil {
		return nil, err
	}
	if out.Value == nil {
		return nil, ErrAccountNotFound
	}
	data, err := out.Value.decode()
	if err != nil {
		return nil, ErrRPCUnavailable.Wrap(err)
	}
	return data, nil
}

func (c *RPCClient) GetProgramAccounts(ctx context.Context, program address.Address, filters ...Memcmp) ([]KeyedAccount, error) {
	rpcFilters := make([]any, 0, len(filters))
	for _, f := range filters {
		rpcFilters = append(rpcFilters, map[string]any{
			"memcmp": map[string]any{"offset": f.Offset, "bytes": base58.Encode(f.Bytes)},
		})
	}
	params := []any{program.String(), map[string]any{
		"encoding":   "base64",
		"commitment": c.Commitment,
		"filters":    rpcFilters,
	}}

	var out []struct {
		Pubkey  string         `json:"pubkey"`
		Account encodedAccount `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", params, &out); err != nil {
		return nil, err
	}
	accounts := make([]KeyedAccount, 0, len(out))
	for _, item := range out {
		addr, err := address.Parse(item.Pubkey)
		if err != nil {
			return nil, ErrRPCUnavailable.Wrap(err)
		}
		data, err := item.Account.decode()
		if err != nil {
			return nil, ErrRPCUnavailable.Wrap(err)
		}
		accounts = append(accounts, KeyedAccount{Address: addr, Data: data})
	}
	return accounts, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	var out struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": c.Commitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &out); err != nil {
		return Blockhash{}, err
	}
	raw, err := base58.Decode(out.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return Blockhash{}, ErrRPCUnavailable.Wrap(fmt.Errorf("invalid blockhash %q", out.Value.Blockhash))
	}
	var bh Blockhash
	copy(bh.Hash[:], raw)
	bh.LastValidHeight = out.Value.LastValidBlockHeight
	return bh, nil
}

func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	params := []any{map[string]any{"commitment": c.Commitment}}
	if err := c.call(ctx, "getBlockHeight", params, &height); err != nil {
		return 0, err
	}
	return height, nil
}
