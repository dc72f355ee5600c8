package domain

// Flow identifies which filing workflow a run follows.
type Flow string

const (
	FlowNil      Flow = "nil"
	FlowRental   Flow = "rental"
	FlowTurnover Flow = "turnover"
)

// TurnoverMode selects the turnover filing cadence.
type TurnoverMode string

const (
	TurnoverMonthly TurnoverMode = "monthly"
	TurnoverDaily   TurnoverMode = "daily"
)

// Run statuses. Terminal statuses never transition further.
const (
	StatusIdle               = "idle"
	StatusValidatingIdentity = "validating_identity"
	StatusCheckingObligation = "checking_obligation"
	StatusNoObligation       = "no_obligation"
	StatusResolvingPeriod    = "resolving_period"
	StatusNoPeriod           = "no_period"
	StatusAwaitingAmount     = "awaiting_amount"
	StatusFiling             = "filing"
	StatusFilingFailed       = "filing_failed"
	StatusGeneratingPRN      = "generating_prn"
	StatusPRNFailed          = "prn_failed"
	StatusInitiatingPayment  = "initiating_payment"
	StatusPaymentFailed      = "payment_failed"
	StatusNotifying          = "notifying"
	StatusSucceeded          = "succeeded"
)

// TaxpayerIdentity is the canonical identity resolved from the upstream
// lookup. Immutable for the life of a run.
type TaxpayerIdentity struct {
	NationalID  string `json:"national_id,omitempty"`
	YearOfBirth int    `json:"year_of_birth,omitempty"`
	FullName    string `json:"full_name"`
	PIN         string `json:"pin"`
}

// ObligationRecord is one tax obligation the taxpayer is registered for.
// The upstream API has no stable enum; Name is matched by keyword.
type ObligationRecord struct {
	Name string `json:"name"`
	Code string `json:"code"`
	ID   string `json:"id"`
}

// Outcome carries everything a terminal screen and the outbound
// notification need. Never mutated once the run reaches a terminal status.
type Outcome struct {
	Success       bool    `json:"success"`
	FailedStep    string  `json:"failed_step,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	ReceiptNumber string  `json:"receipt_number,omitempty"`
	PRN           string  `json:"prn,omitempty"`
	TaxAmount     float64 `json:"tax_amount,omitempty"`
	CheckoutURL   string  `json:"checkout_url,omitempty"`
}

// Run is the single-flight state threaded through one filing attempt.
// Owned by the orchestrator; discarded on reset except the phone number.
type Run struct {
	ID           string            `json:"id"`
	Phone        string            `json:"phone"`
	Flow         Flow              `json:"flow" enum:"nil,rental,turnover"`
	Status       string            `json:"status"`
	Taxpayer     *TaxpayerIdentity `json:"taxpayer,omitempty"`
	Obligation   *ObligationRecord `json:"obligation,omitempty"`
	Period       string            `json:"period,omitempty"`
	Amount       float64           `json:"amount,omitempty"`
	Properties   int               `json:"properties,omitempty"`
	TurnoverMode TurnoverMode      `json:"turnover_mode,omitempty"`
	EstimatedTax float64           `json:"estimated_tax,omitempty"`
	Outcome      *Outcome          `json:"outcome,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the run has reached a terminal status.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusNoObligation, StatusNoPeriod, StatusFilingFailed,
		StatusPRNFailed, StatusPaymentFailed, StatusSucceeded:
		return true
	}
	return false
}

// KnownNumber is a long-lived record of a phone number seen at
// verification. Survives logout; used to pre-fill re-verification.
type KnownNumber struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenAt  string `json:"last_seen_at" format:"date-time"`
}

// Event is one row of the append-only trail of run transitions.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Payload string `json:"payload_json"`
}
