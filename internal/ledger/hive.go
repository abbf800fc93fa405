package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/domain"
)

// MaxCustomJSONBytes is the ledger's hard cap on a custom_json payload.
const MaxCustomJSONBytes = 8192

// payloadVersion is the podping payload schema version written to the chain.
const payloadVersion = "1.1"

// HiveClient writes batches as custom_json operations through a Hive-style
// JSON-RPC endpoint. One instance is shared by all dispatch workers; the
// target endpoint is chosen per call.
type HiveClient struct {
	account    string
	opIDPrefix string
	medium     domain.Medium
	reason     domain.Reason
	httpClient *http.Client
	logger     *zap.Logger
}

type Options struct {
	Account     string
	OperationID string
	Medium      domain.Medium
	Reason      domain.Reason
	Timeout     time.Duration
}

func NewHiveClient(opts Options, logger *zap.Logger) *HiveClient {
	return &HiveClient{
		account:    opts.Account,
		opIDPrefix: opts.OperationID,
		medium:     opts.Medium,
		reason:     opts.Reason,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

// payload is the custom_json body carried on-chain.
type payload struct {
	Version string        `json:"version"`
	Medium  domain.Medium `json:"medium"`
	Reason  domain.Reason `json:"reason"`
	IRIs    []string      `json:"iris"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *struct {
		ID string `json:"id"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// OperationID is the custom_json id written with every batch,
// e.g. "pp_podcast_update".
func (c *HiveClient) OperationID() string {
	return fmt.Sprintf("%s_%s_%s", c.opIDPrefix, c.medium, c.reason)
}

// Submit encodes the batch as one custom_json operation and broadcasts it
// synchronously through the given endpoint.
func (c *HiveClient) Submit(ctx context.Context, batch *domain.Batch, endpoint string) (string, error) {
	body, err := json.Marshal(payload{
		Version: payloadVersion,
		Medium:  c.medium,
		Reason:  c.reason,
		IRIs:    batch.IRIs,
	})
	if err != nil {
		return "", &FatalError{Reason: "marshal payload", Err: err}
	}
	if len(body) > MaxCustomJSONBytes {
		return "", &FatalError{
			Reason: fmt.Sprintf("custom_json payload %d bytes exceeds limit %d", len(body), MaxCustomJSONBytes),
		}
	}

	op := []any{
		"custom_json",
		map[string]any{
			"required_auths":         []string{},
			"required_posting_auths": []string{c.account},
			"id":                     c.OperationID(),
			"json":                   string(body),
		},
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "condenser_api.broadcast_transaction_synchronous",
		Params:  []any{map[string]any{"operations": []any{op}}},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", &FatalError{Reason: "marshal rpc request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", &FatalError{Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &RetryableError{Reason: "endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &RetryableError{Reason: fmt.Sprintf("endpoint status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &FatalError{Reason: fmt.Sprintf("endpoint status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", &RetryableError{Reason: "decode response", Err: err}
	}
	if rpcResp.Error != nil {
		return "", classifyRPCError(rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil || rpcResp.Result.ID == "" {
		return "", &RetryableError{Reason: "response missing transaction id"}
	}

	c.logger.Debug("batch broadcast",
		zap.Uint64("seq", batch.Seq),
		zap.String("tx_id", rpcResp.Result.ID),
		zap.Int("payload_bytes", len(body)),
	)
	return rpcResp.Result.ID, nil
}

// VerifyAccount checks that the configured account exists on chain, so a
// misconfigured account fails at startup instead of exhausting the first
// batch. Called once before serving traffic; not part of the dispatch path.
func (c *HiveClient) VerifyAccount(ctx context.Context, endpoint string) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "condenser_api.get_accounts",
		Params:  []any{[]string{c.account}},
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint status %d", resp.StatusCode)
	}

	var out struct {
		Result []json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Result) == 0 {
		return fmt.Errorf("account %q not found on chain", c.account)
	}
	return nil
}

// classifyRPCError sorts a ledger RPC error into retryable vs fatal.
// Missing authority means the account can never post: fatal. The
// too-many-custom-jsons-per-block plugin exception clears on the next block,
// so it rides the normal retry/failover path.
func classifyRPCError(code int, message string) error {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "posting auth"),
		strings.Contains(msg, "missing required"),
		strings.Contains(msg, "payload exceeded"):
		return &FatalError{Reason: fmt.Sprintf("rpc error %d: %s", code, message)}
	default:
		return &RetryableError{Reason: fmt.Sprintf("rpc error %d: %s", code, message)}
	}
}

var _ Client = (*HiveClient)(nil)
