package taxbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal taxbridge HTTP API client. It holds the session
// token on behalf of the caller and transparently adopts the refreshed
// token the server returns on every guarded call.
type Client struct {
	BaseURL      string
	SessionToken string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run mirrors the API run model (partial).
type Run struct {
	ID           string   `json:"id"`
	Phone        string   `json:"phone"`
	Flow         string   `json:"flow"`
	Status       string   `json:"status"`
	Period       string   `json:"period,omitempty"`
	Amount       float64  `json:"amount,omitempty"`
	EstimatedTax float64  `json:"estimated_tax,omitempty"`
	Outcome      *Outcome `json:"outcome,omitempty"`
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Success       bool    `json:"success"`
	FailedStep    string  `json:"failed_step,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	ReceiptNumber string  `json:"receipt_number,omitempty"`
	PRN           string  `json:"prn,omitempty"`
	TaxAmount     float64 `json:"tax_amount,omitempty"`
	CheckoutURL   string  `json:"checkout_url,omitempty"`
	DeepLink      string  `json:"deep_link,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestCode asks for a verification code to be sent to the phone.
func (c *Client) RequestCode(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodPost, "verify/request", map[string]string{"phone": phone}, nil)
}

// ConfirmCode exchanges the code for a session. The token is retained on
// the client for subsequent calls and also returned.
func (c *Client) ConfirmCode(ctx context.Context, phone, code, displayName string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "verify/confirm", map[string]string{
		"phone": phone, "code": code, "display_name": displayName,
	}, &resp)
	if err != nil {
		return "", err
	}
	c.SessionToken = resp.Token
	return resp.Token, nil
}

// StartRun opens a filing run for the session's phone.
func (c *Client) StartRun(ctx context.Context, flow string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "filing/runs", map[string]string{"flow": flow}, &resp)
	return resp, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(id, ""), nil, &resp)
	return resp, err
}

// ValidateIdentity submits the taxpayer's identity details.
func (c *Client) ValidateIdentity(ctx context.Context, runID, idNumber string, yearOfBirth int) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "identity"), map[string]any{
		"id_number": idNumber, "year_of_birth": yearOfBirth,
	}, &resp)
	return resp, err
}

// CheckObligation advances the run through the obligation check.
func (c *Client) CheckObligation(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "obligation"), map[string]string{}, &resp)
	return resp, err
}

// ResolvePeriod advances the run through period resolution.
func (c *Client) ResolvePeriod(ctx context.Context, runID, filingType string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "period"), map[string]string{"filing_type": filingType}, &resp)
	return resp, err
}

// InputAmount reports a declared amount; the advisory estimate lands on
// the run asynchronously.
func (c *Client) InputAmount(ctx context.Context, runID string, amount float64) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "amount"), map[string]float64{"amount": amount}, &resp)
	return resp, err
}

// FileOptions are the variant-specific filing parameters.
type FileOptions struct {
	Amount     float64 `json:"amount,omitempty"`
	Properties int     `json:"properties,omitempty"`
	Mode       string  `json:"mode,omitempty"`
	PayNow     bool    `json:"pay_now,omitempty"`
}

// FileReturn submits the return.
func (c *Client) FileReturn(ctx context.Context, runID string, opts FileOptions) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "file"), opts, &resp)
	return resp, err
}

// InitiatePayment generates the payment reference and triggers the
// push-payment prompt.
func (c *Client) InitiatePayment(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "pay"), map[string]string{}, &resp)
	return resp, err
}

// Reset discards the run.
func (c *Client) Reset(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, c.runPath(runID, ""), nil, nil)
}

// SetVisible reports foreground visibility for the session.
func (c *Client) SetVisible(ctx context.Context, visible bool) error {
	return c.do(ctx, http.MethodPost, "session/visibility", map[string]bool{"visible": visible}, nil)
}

// Logout closes the session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "session/logout", map[string]string{}, nil); err != nil {
		return err
	}
	c.SessionToken = ""
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: c.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Guard redirects surface as errors, not silent detours.
				return http.ErrUseLastResponse
			},
		}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if refreshed := resp.Header.Get("X-Session-Token"); refreshed != "" {
		c.SessionToken = refreshed
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(id, action string) string {
	p := "filing/runs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
