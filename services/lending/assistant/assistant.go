// Package assistant answers borrower questions about a receipt by calling an
// external chat-completion endpoint. It never changes loan state.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gemfi/native/ledger"
)

const maxQuestionLength = 2000

var (
	ErrDisabled      = errors.New("assistant: not configured")
	ErrEmptyQuestion = errors.New("assistant: question required")
)

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client posts receipt-context prompts to the configured endpoint.
type Client struct {
	cfg    Config
	client *http.Client
}

// New returns nil when no endpoint is configured. A nil client answers
// ErrDisabled.
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Ask returns the assistant's answer to question about receipt.
func (c *Client) Ask(ctx context.Context, receipt ledger.Receipt, question string) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if len(question) > maxQuestionLength {
		question = question[:maxQuestionLength]
	}
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(receipt)},
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("assistant: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("assistant: decode: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("assistant: empty answer")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func systemPrompt(r ledger.Receipt) string {
	var b strings.Builder
	b.WriteString("You explain gem-collateralized loan receipts. Answer only from the receipt below and say so when it does not contain the answer.\n")
	fmt.Fprintf(&b, "Receipt %s (loan %d), status %s.\n", r.ReceiptID, r.LoanID, r.Status)
	fmt.Fprintf(&b, "Borrower %s, lender %s, settled in %s.\n", r.Borrower, r.Lender, r.Stablecoin)
	fmt.Fprintf(&b, "Principal %s %s at %s%% per year, issued %s, matures %s.\n",
		r.LoanAmount, r.Unit, r.InterestRate, r.IssuedAt.Format(time.RFC3339), r.MaturityAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "As of %s: accrued interest %s, outstanding %s.\n", r.AsOf.Format(time.RFC3339), r.AccruedInterest, r.Outstanding)
	for _, line := range r.Collateral {
		fmt.Fprintf(&b, "Collateral %s (%s) x%d valued %s.\n", line.AssetID, line.Kind, line.Quantity, line.Value)
	}
	return b.String()
}
