package upstream

import "encoding/json"

// envelope is the upstream response shape. Code carries semantic outcomes;
// anything other than codeOK is a failure whose Message is shown to the
// user. Unfamiliar codes are treated as plain failures, never a crash.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

const codeOK = 200

// LookupResult is the outcome of a taxpayer identity lookup.
type LookupResult struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	PIN     string `json:"pin,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PeriodsResult carries the filing periods eligible for a return, or the
// backend's reason sentence when none is available. Reason is passed
// through verbatim; it often contains the user's actionable next step.
type PeriodsResult struct {
	Periods []string `json:"periods"`
	Reason  string   `json:"reason,omitempty"`
}

// CalcResult is an advisory tax estimate. Failures collapse to zero.
type CalcResult struct {
	Tax float64 `json:"tax"`
}

// FilingResult is the outcome of a return submission. Some upstream
// variants return a PRN inline with the receipt.
type FilingResult struct {
	Success       bool   `json:"success"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
	PRN           string `json:"prn,omitempty"`
	Message       string `json:"message,omitempty"`
}

// PRNResult is the outcome of payment-reference generation.
type PRNResult struct {
	Success bool   `json:"success"`
	PRN     string `json:"prn,omitempty"`
	Message string `json:"message,omitempty"`
}

// PayResult is the outcome of a push-payment initiation.
type PayResult struct {
	Success     bool   `json:"success"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

type lookupRequest struct {
	IDNumber    string `json:"id_number,omitempty"`
	PIN         string `json:"pin,omitempty"`
	YearOfBirth int    `json:"year_of_birth,omitempty"`
}

type lookupData struct {
	TaxpayerName string `json:"taxpayer_name"`
	PIN          string `json:"pin"`
}

type obligationsData struct {
	Obligations []struct {
		Name string `json:"obligation_name"`
		Code string `json:"obligation_code"`
		ID   string `json:"obligation_id"`
	} `json:"obligations"`
}

type periodsRequest struct {
	PIN          string `json:"pin"`
	ObligationID string `json:"obligation_id"`
	FilingType   string `json:"filing_type"`
}

type periodsData struct {
	Periods []string `json:"periods"`
}

type calculateRequest struct {
	PIN            string  `json:"pin"`
	ObligationID   string  `json:"obligation_id"`
	ObligationCode string  `json:"obligation_code"`
	Period         string  `json:"period"`
	Amount         float64 `json:"amount"`
	Frequency      string  `json:"frequency,omitempty"`
}

type calculateData struct {
	Tax float64 `json:"tax"`
}

type nilFilingRequest struct {
	PIN    string `json:"pin"`
	Period string `json:"period"`
}

type rentalFilingRequest struct {
	PIN        string  `json:"pin"`
	Period     string  `json:"period"`
	Amount     float64 `json:"amount"`
	Properties int     `json:"properties"`
}

type turnoverFilingRequest struct {
	PIN    string  `json:"pin"`
	Period string  `json:"period"`
	Amount float64 `json:"amount"`
	Mode   string  `json:"mode"`
}

type filingData struct {
	ReceiptNumber string `json:"receipt_number"`
	PRN           string `json:"prn,omitempty"`
}

type prnRequest struct {
	PIN            string  `json:"pin"`
	ObligationCode string  `json:"obligation_code"`
	PeriodFrom     string  `json:"period_from"`
	PeriodTo       string  `json:"period_to"`
	Amount         float64 `json:"amount"`
}

type prnData struct {
	PRN string `json:"prn"`
}

type payRequest struct {
	Phone string `json:"phone"`
	PRN   string `json:"prn"`
}

type payData struct {
	CheckoutURL string `json:"checkout_url,omitempty"`
}
