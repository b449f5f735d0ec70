package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultctl/crypto"
	"vaultctl/native/custody"
	"vaultctl/native/timelock"
	"vaultctl/observability/metrics"

	"github.com/google/uuid"
)

// ErrMutationRejected wraps any failure reported by the remote state
// authority for a submitted mutation.
var ErrMutationRejected = errors.New("vault: mutation rejected")

// codePreconditionMismatch is the RPC error code the authority returns when
// a mutation's precondition (state version, staging status) no longer holds
// because a concurrent mutation landed first.
const codePreconditionMismatch = -32040

// StateReader fetches the current live and staged vault state.
type StateReader interface {
	FetchState(ctx context.Context) (*custody.State, error)
}

// StateMutator applies a single atomic remote state transition. The expected
// version is the precondition: the authority rejects the mutation when the
// state has moved past it.
type StateMutator interface {
	SubmitMutation(ctx context.Context, mutation timelock.Mutation, expectedVersion uint64) (string, error)
}

// Config controls how the Client connects to the vault RPC endpoint.
type Config struct {
	BaseURL     string
	Vault       crypto.PublicKey
	BearerToken string
	Timeout     time.Duration
}

// Client implements StateReader and StateMutator over the minimal subset of
// JSON-RPC 2.0 exposed by the vault program's RPC surface.
type Client struct {
	baseURL string
	vault   crypto.PublicKey
	bearer  string
	http    *http.Client
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("vault: base url is required")
	}
	if cfg.Vault.IsZero() {
		return nil, fmt.Errorf("vault: vault address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		vault:   cfg.Vault,
		bearer:  strings.TrimSpace(cfg.BearerToken),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsPreconditionMismatch reports whether err carries the authority's
// precondition-mismatch rejection, the only failure eligible for the single
// re-fetch-and-retry.
func IsPreconditionMismatch(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == codePreconditionMismatch
	}
	return false
}

// Call performs a JSON-RPC request against the configured endpoint.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if c == nil {
		return fmt.Errorf("vault: client is nil")
	}
	reqBody := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return fmt.Errorf("vault: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &buf)
	if err != nil {
		return fmt.Errorf("vault: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client", "vaultctl")
	if c.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vault: call rpc: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vault: rpc call failed with status %s", resp.Status)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("vault: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("vault: decode result: %w", err)
		}
	}
	return nil
}

type getStateParams struct {
	Vault crypto.PublicKey `json:"vault"`
}

// FetchState retrieves the full live and staged state of the configured
// vault.
func (c *Client) FetchState(ctx context.Context) (*custody.State, error) {
	state := &custody.State{}
	if err := c.Call(ctx, "vault_getState", getStateParams{Vault: c.vault}, state); err != nil {
		return nil, err
	}
	return state, nil
}

type submitMutationParams struct {
	Vault           crypto.PublicKey `json:"vault"`
	Field           custody.Field    `json:"field"`
	Value           []byte           `json:"value,omitempty"`
	ExpectedVersion uint64           `json:"expectedVersion"`
	IdempotencyKey  string           `json:"idempotencyKey"`
}

type submitMutationResult struct {
	TxID string `json:"txId"`
}

// SubmitMutation submits one atomic state transition and returns the
// transaction identifier. Rejections are wrapped in ErrMutationRejected with
// the field name preserved for diagnosis.
func (c *Client) SubmitMutation(ctx context.Context, mutation timelock.Mutation, expectedVersion uint64) (string, error) {
	params := submitMutationParams{
		Vault:           c.vault,
		Field:           mutation.Field,
		Value:           mutation.Value,
		ExpectedVersion: expectedVersion,
		IdempotencyKey:  uuid.NewString(),
	}
	metrics.Mutations().ObserveSubmitted(string(mutation.Field))
	var result submitMutationResult
	if err := c.Call(ctx, "vault_submitMutation", params, &result); err != nil {
		metrics.Mutations().ObserveRejected(string(mutation.Field))
		return "", fmt.Errorf("%w: field %s: %w", ErrMutationRejected, mutation.Field, err)
	}
	return result.TxID, nil
}
