package server

import (
	"taxbridge/internal/domain"
)

type VerifyRequestRequest struct {
	Phone string `json:"phone" example:"+254700000001"`
}

type VerifyRequestResponse struct {
	Status string `json:"status" example:"sent"`
}

type VerifyConfirmRequest struct {
	Phone       string `json:"phone" example:"+254700000001"`
	Code        string `json:"code" example:"104233"`
	DisplayName string `json:"display_name,omitempty"`
	// Redirect is the URI the guard recorded before sending the user here.
	Redirect string `json:"redirect,omitempty"`
}

type VerifyConfirmResponse struct {
	Token    string `json:"token"`
	Redirect string `json:"redirect"`
}

type SessionResponse struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
	RefreshedAt string `json:"refreshed_at" format:"date-time"`
	Visible     bool   `json:"visible"`
}

type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

type StartRunRequest struct {
	Flow domain.Flow `json:"flow" enum:"nil,rental,turnover"`
}

type IdentityRequest struct {
	IDNumber    string `json:"id_number"`
	YearOfBirth int    `json:"year_of_birth,omitempty"`
}

type PeriodRequest struct {
	FilingType string `json:"filing_type,omitempty"`
}

type AmountRequest struct {
	Amount float64 `json:"amount"`
}

type FileRequest struct {
	Amount     float64             `json:"amount,omitempty"`
	Properties int                 `json:"properties,omitempty"`
	Mode       domain.TurnoverMode `json:"mode,omitempty" enum:",monthly,daily"`
	PayNow     bool                `json:"pay_now,omitempty"`
}

type OutcomeResponse struct {
	Success       bool    `json:"success"`
	FailedStep    string  `json:"failed_step,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	ReceiptNumber string  `json:"receipt_number,omitempty"`
	PRN           string  `json:"prn,omitempty"`
	TaxAmount     float64 `json:"tax_amount,omitempty"`
	CheckoutURL   string  `json:"checkout_url,omitempty"`
	DeepLink      string  `json:"deep_link,omitempty"`
}

type RunResponse struct {
	ID           string                   `json:"id"`
	Phone        string                   `json:"phone"`
	Flow         domain.Flow              `json:"flow"`
	Status       string                   `json:"status"`
	Taxpayer     *domain.TaxpayerIdentity `json:"taxpayer,omitempty"`
	Obligation   *domain.ObligationRecord `json:"obligation,omitempty"`
	Period       string                   `json:"period,omitempty"`
	Amount       float64                  `json:"amount,omitempty"`
	Properties   int                      `json:"properties,omitempty"`
	TurnoverMode domain.TurnoverMode      `json:"turnover_mode,omitempty"`
	EstimatedTax float64                  `json:"estimated_tax,omitempty"`
	Outcome      *OutcomeResponse         `json:"outcome,omitempty"`
	CreatedAt    string                   `json:"created_at" format:"date-time"`
	UpdatedAt    string                   `json:"updated_at" format:"date-time"`
}

type paginatedRuns struct {
	Items []RunResponse `json:"items"`
}

func runResponse(r domain.Run, deepLink func(domain.Run) string) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		Phone:        r.Phone,
		Flow:         r.Flow,
		Status:       r.Status,
		Taxpayer:     r.Taxpayer,
		Obligation:   r.Obligation,
		Period:       r.Period,
		Amount:       r.Amount,
		Properties:   r.Properties,
		TurnoverMode: r.TurnoverMode,
		EstimatedTax: r.EstimatedTax,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Outcome != nil {
		out := OutcomeResponse{
			Success:       r.Outcome.Success,
			FailedStep:    r.Outcome.FailedStep,
			Reason:        r.Outcome.Reason,
			ReceiptNumber: r.Outcome.ReceiptNumber,
			PRN:           r.Outcome.PRN,
			TaxAmount:     r.Outcome.TaxAmount,
			CheckoutURL:   r.Outcome.CheckoutURL,
		}
		if r.Terminal() && deepLink != nil {
			out.DeepLink = deepLink(r)
		}
		resp.Outcome = &out
	}
	return resp
}

func mapRuns(runs []domain.Run, deepLink func(domain.Run) string) []RunResponse {
	res := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		res = append(res, runResponse(r, deepLink))
	}
	return res
}
