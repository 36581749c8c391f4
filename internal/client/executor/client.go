// Package executor talks to the external execution service that redeems a
// session delegation and submits the transaction on-chain.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"walletpilot-api/internal/guard"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client submits transactions to the execution service over HTTP. It
// satisfies the coordinator's Executor interface.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates an execution service client. The base URL comes from
// the EXECUTOR_URL environment variable when empty.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("EXECUTOR_URL")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     os.Getenv("EXECUTOR_API_KEY"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	Delegation     string `json:"delegation"`
	SessionAccount string `json:"sessionAccount"`
	SessionKey     string `json:"sessionKey"`
	ChainID        int64  `json:"chainId"`
	To             string `json:"to"`
	Value          string `json:"value"`
	Data           string `json:"data,omitempty"`
}

type executeResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error"`
}

// Execute submits the transaction and returns its hash. Transport errors
// and 5xx responses are retried with exponential backoff; execution
// rejections are not, since resubmitting a rejected transaction cannot
// succeed.
func (c *Client) Execute(ctx context.Context, perm *permissions.Permission, intent guard.TxIntent) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("execution service URL is not configured")
	}

	value := "0"
	if intent.Value != nil {
		value = intent.Value.String()
	}
	body, err := json.Marshal(executeRequest{
		Delegation:     perm.Delegation,
		SessionAccount: perm.SessionAccount,
		SessionKey:     perm.SessionKey,
		ChainID:        intent.ChainID,
		To:             intent.To,
		Value:          value,
		Data:           intent.Data,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal execute request")
	}

	var txHash string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to build execute request"))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "execute request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errors.Errorf("execution service returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			var er executeResponse
			_ = json.NewDecoder(resp.Body).Decode(&er)
			msg := er.Error
			if msg == "" {
				msg = fmt.Sprintf("execution service returned %d", resp.StatusCode)
			}
			return backoff.Permanent(errors.New(msg))
		}

		var er executeResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode execute response"))
		}
		if !er.Success || er.TxHash == "" {
			msg := er.Error
			if msg == "" {
				msg = "execution service returned no transaction hash"
			}
			return backoff.Permanent(errors.New(msg))
		}
		txHash = er.TxHash
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 20 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", err
	}

	logger.Debug("Transaction submitted via execution service",
		zap.String("tx_hash", txHash),
		zap.Int64("chain_id", intent.ChainID),
	)
	return txHash, nil
}

// HealthCheck verifies the execution service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("execution service URL is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "execution service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("execution service health returned %d", resp.StatusCode)
	}
	return nil
}
