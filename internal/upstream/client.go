package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"taxbridge/internal/domain"
)

// User-safe messages for transport failure classes. Raw upstream payloads
// and transport detail never reach the caller.
const (
	msgSessionExpired     = "Your session with the revenue authority has expired. Please try again."
	msgServiceUnavailable = "The service is currently unavailable. Please try again later."
	msgTimedOut           = "The request timed out. Please try again."
	msgTryAgain           = "Something went wrong. Please try again."
)

// Client talks to the revenue-authority API: JSON over HTTPS, envelope
// responses, bounded timeouts. All methods are safe to retry; none of them
// mutate state except the filing and payment calls.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Timeout      time.Duration
	HeavyTimeout time.Duration
	Logger       *log.Logger
}

// New creates a client with the default bounds: 30s for ordinary calls,
// 60s for filing and payment.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Timeout:      30 * time.Second,
		HeavyTimeout: 60 * time.Second,
	}
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// transportError classifies a failed exchange into one user-safe message.
type transportError struct {
	message string
}

func (e *transportError) Error() string { return e.message }

// LookupTaxpayer verifies a taxpayer by national ID + year of birth, or by
// PIN when idNumber is a PIN. Idempotent; no side effects upstream.
func (c *Client) LookupTaxpayer(ctx context.Context, idNumber string, yearOfBirth int) LookupResult {
	req := lookupRequest{YearOfBirth: yearOfBirth}
	if looksLikePIN(idNumber) {
		req.PIN = idNumber
	} else {
		req.IDNumber = idNumber
	}
	var data lookupData
	if err := c.post(ctx, "taxpayer/lookup", req, &data, false); err != nil {
		return LookupResult{Error: userMessage(err)}
	}
	return LookupResult{Success: true, Name: data.TaxpayerName, PIN: data.PIN}
}

// Obligations fetches the full obligation set for a PIN. The caller
// decides what a transport failure means; here it is just an error.
func (c *Client) Obligations(ctx context.Context, pin string) ([]domain.ObligationRecord, error) {
	var data obligationsData
	if err := c.post(ctx, "taxpayer/obligations", map[string]string{"pin": pin}, &data, false); err != nil {
		return nil, err
	}
	records := make([]domain.ObligationRecord, 0, len(data.Obligations))
	for _, o := range data.Obligations {
		records = append(records, domain.ObligationRecord{Name: o.Name, Code: o.Code, ID: o.ID})
	}
	return records, nil
}

// FilingPeriods fetches the periods eligible for filing. When the backend
// declines with a reason sentence, that sentence is returned verbatim.
func (c *Client) FilingPeriods(ctx context.Context, pin, obligationID, filingType string) PeriodsResult {
	var data periodsData
	err := c.post(ctx, "filing/periods", periodsRequest{PIN: pin, ObligationID: obligationID, FilingType: filingType}, &data, false)
	if err != nil {
		var se *semanticError
		if errors.As(err, &se) {
			return PeriodsResult{Reason: se.message}
		}
		return PeriodsResult{Reason: userMessage(err)}
	}
	return PeriodsResult{Periods: data.Periods}
}

// CalculateTax returns an advisory estimate. Calculation is advisory only;
// any failure collapses silently to zero.
func (c *Client) CalculateTax(ctx context.Context, pin, obligationID, obligationCode, period string, amount float64, frequency string) CalcResult {
	if amount <= 0 || period == "" {
		return CalcResult{}
	}
	var data calculateData
	err := c.post(ctx, "filing/calculate", calculateRequest{
		PIN:            pin,
		ObligationID:   obligationID,
		ObligationCode: obligationCode,
		Period:         period,
		Amount:         amount,
		Frequency:      frequency,
	}, &data, false)
	if err != nil {
		c.logger().Printf("tax calculation failed (ignored): %v", err)
		return CalcResult{}
	}
	return CalcResult{Tax: data.Tax}
}

// FileNil submits a NIL return for the period.
func (c *Client) FileNil(ctx context.Context, pin, period string) FilingResult {
	var data filingData
	if err := c.post(ctx, "filing/nil", nilFilingRequest{PIN: pin, Period: period}, &data, true); err != nil {
		return FilingResult{Message: userMessage(err)}
	}
	return FilingResult{Success: true, ReceiptNumber: data.ReceiptNumber, PRN: data.PRN}
}

// FileRental submits a monthly rental income return.
func (c *Client) FileRental(ctx context.Context, pin, period string, amount float64, properties int) FilingResult {
	var data filingData
	if err := c.post(ctx, "filing/rental", rentalFilingRequest{PIN: pin, Period: period, Amount: amount, Properties: properties}, &data, true); err != nil {
		return FilingResult{Message: userMessage(err)}
	}
	return FilingResult{Success: true, ReceiptNumber: data.ReceiptNumber, PRN: data.PRN}
}

// FileTurnover submits a turnover tax return.
func (c *Client) FileTurnover(ctx context.Context, pin, period string, amount float64, mode string) FilingResult {
	var data filingData
	if err := c.post(ctx, "filing/turnover", turnoverFilingRequest{PIN: pin, Period: period, Amount: amount, Mode: mode}, &data, true); err != nil {
		return FilingResult{Message: userMessage(err)}
	}
	return FilingResult{Success: true, ReceiptNumber: data.ReceiptNumber, PRN: data.PRN}
}

// GeneratePRN generates a payment reference for the obligation and period
// range.
func (c *Client) GeneratePRN(ctx context.Context, pin, obligationCode, periodFrom, periodTo string, amount float64) PRNResult {
	var data prnData
	err := c.post(ctx, "payment/prn", prnRequest{
		PIN:            pin,
		ObligationCode: obligationCode,
		PeriodFrom:     periodFrom,
		PeriodTo:       periodTo,
		Amount:         amount,
	}, &data, true)
	if err != nil {
		return PRNResult{Message: userMessage(err)}
	}
	return PRNResult{Success: true, PRN: data.PRN}
}

// Pay triggers a push-payment prompt to the phone for the PRN.
func (c *Client) Pay(ctx context.Context, phone, prn string) PayResult {
	var data payData
	if err := c.post(ctx, "payment/push", payRequest{Phone: phone, PRN: prn}, &data, true); err != nil {
		return PayResult{Message: userMessage(err)}
	}
	return PayResult{Success: true, CheckoutURL: data.CheckoutURL}
}

// semanticError is an upstream rejection: the envelope arrived but its
// code signals failure. Its message is intended for direct display.
type semanticError struct {
	code    int
	message string
}

func (e *semanticError) Error() string { return e.message }

func (c *Client) post(ctx context.Context, endpoint string, body, out any, heavy bool) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	timeout := c.Timeout
	if heavy {
		timeout = c.HeavyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return &transportError{message: msgTryAgain}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return &transportError{message: msgTryAgain}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return &transportError{message: msgTimedOut}
		}
		c.logger().Printf("upstream %s: %v", endpoint, err)
		return &transportError{message: msgTryAgain}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &transportError{message: msgSessionExpired}
	case resp.StatusCode == http.StatusNotFound:
		return &transportError{message: msgServiceUnavailable}
	case resp.StatusCode >= 500:
		return &transportError{message: msgTryAgain}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{message: msgTryAgain}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger().Printf("upstream %s: undecodable response", endpoint)
		return &transportError{message: msgTryAgain}
	}
	if env.Code != codeOK {
		msg := env.Message
		if msg == "" {
			msg = msgTryAgain
		}
		return &semanticError{code: env.Code, message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &transportError{message: msgTryAgain}
		}
	}
	return nil
}

// userMessage extracts the user-safe message from a classified error.
func userMessage(err error) string {
	var te *transportError
	if errors.As(err, &te) {
		return te.message
	}
	var se *semanticError
	if errors.As(err, &se) {
		return se.message
	}
	return msgTryAgain
}

// looksLikePIN reports whether the identifier follows the revenue
// authority's PIN shape (letter, nine digits, letter) rather than a
// national ID number.
func looksLikePIN(id string) bool {
	if len(id) != 11 {
		return false
	}
	if !isLetter(id[0]) || !isLetter(id[10]) {
		return false
	}
	for i := 1; i < 10; i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
