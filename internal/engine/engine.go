package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taxbridge/internal/config"
	"taxbridge/internal/domain"
	"taxbridge/internal/events"
	"taxbridge/internal/repo"
	"taxbridge/internal/upstream"
)

// Revenue is the slice of the upstream client the orchestrator needs.
type Revenue interface {
	LookupTaxpayer(ctx context.Context, idNumber string, yearOfBirth int) upstream.LookupResult
	Obligations(ctx context.Context, pin string) ([]domain.ObligationRecord, error)
	FilingPeriods(ctx context.Context, pin, obligationID, filingType string) upstream.PeriodsResult
	CalculateTax(ctx context.Context, pin, obligationID, obligationCode, period string, amount float64, frequency string) upstream.CalcResult
	FileNil(ctx context.Context, pin, period string) upstream.FilingResult
	FileRental(ctx context.Context, pin, period string, amount float64, properties int) upstream.FilingResult
	FileTurnover(ctx context.Context, pin, period string, amount float64, mode string) upstream.FilingResult
	GeneratePRN(ctx context.Context, pin, obligationCode, periodFrom, periodTo string, amount float64) upstream.PRNResult
	Pay(ctx context.Context, phone, prn string) upstream.PayResult
}

// Messenger delivers outcome notifications; best-effort.
type Messenger interface {
	Send(ctx context.Context, phone, message string)
}

var (
	ErrRunInFlight = errors.New("a filing is already in progress for this number")
	ErrRunFinished = errors.New("run already reached a terminal state")
)

// ValidationError is a user-correctable rejection: the user must fix
// their input; nothing is retried automatically.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// Engine sequences one filing run through identity validation, obligation
// discovery, period resolution, filing, payment and notification. It owns
// the single mutable run per phone number; everything except the phone is
// discarded at reset.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Revenue   Revenue
	Messenger Messenger
	Logger    *log.Logger
	Now       func() time.Time

	mu    sync.Mutex
	calcs map[string]*Calculator
}

func New(db *sql.DB, cfg *config.Config, revenue Revenue, messenger Messenger) *Engine {
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Revenue:   revenue,
		Messenger: messenger,
		Now:       time.Now,
		calcs:     map[string]*Calculator{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// ensureRunTransition validates a status move. Terminal statuses have no
// outgoing edges; every failure is user-driven, never auto-retried.
func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusIdle:
		if newStatus == domain.StatusValidatingIdentity {
			return nil
		}
	case domain.StatusValidatingIdentity:
		if newStatus == domain.StatusCheckingObligation || newStatus == domain.StatusIdle {
			return nil
		}
	case domain.StatusCheckingObligation:
		if newStatus == domain.StatusNoObligation || newStatus == domain.StatusResolvingPeriod {
			return nil
		}
	case domain.StatusResolvingPeriod:
		if newStatus == domain.StatusNoPeriod || newStatus == domain.StatusAwaitingAmount {
			return nil
		}
	case domain.StatusAwaitingAmount:
		if newStatus == domain.StatusFiling {
			return nil
		}
	case domain.StatusFiling:
		switch newStatus {
		case domain.StatusFilingFailed, domain.StatusGeneratingPRN, domain.StatusNotifying:
			return nil
		}
	case domain.StatusGeneratingPRN:
		if newStatus == domain.StatusPRNFailed || newStatus == domain.StatusInitiatingPayment {
			return nil
		}
	case domain.StatusInitiatingPayment:
		if newStatus == domain.StatusPaymentFailed || newStatus == domain.StatusNotifying {
			return nil
		}
	case domain.StatusNotifying:
		if newStatus == domain.StatusSucceeded {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// StartRun opens a new filing run for the phone. One live run per phone:
// a second start while one is outstanding is rejected.
func (e *Engine) StartRun(ctx context.Context, phone string, flow domain.Flow) (domain.Run, error) {
	switch flow {
	case domain.FlowNil, domain.FlowRental, domain.FlowTurnover:
	default:
		return domain.Run{}, ValidationError{Message: fmt.Sprintf("unknown filing flow %q", flow)}
	}
	if phone == "" {
		return domain.Run{}, ValidationError{Message: "phone number is required"}
	}
	if _, err := e.Repo.ActiveRunByPhone(ctx, phone); err == nil {
		return domain.Run{}, ErrRunInFlight
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		Phone:     phone,
		Flow:      flow,
		Status:    domain.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.ID, phone, events.EventPayload{"flow": flow}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// GetRun returns the run by id.
func (e *Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, id)
}

// ValidateIdentity resolves the canonical taxpayer for the run. A failed
// lookup leaves the run at idle so the user can correct their input and
// revalidate.
func (e *Engine) ValidateIdentity(ctx context.Context, runID, idNumber string, yearOfBirth int) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Terminal() {
		return run, ErrRunFinished
	}
	// Revalidation after an edit restarts from idle.
	if run.Status != domain.StatusIdle && run.Status != domain.StatusCheckingObligation {
		return run, fmt.Errorf("cannot validate identity from status %s", run.Status)
	}
	run.Status = domain.StatusValidatingIdentity

	res := e.Revenue.LookupTaxpayer(ctx, idNumber, yearOfBirth)
	if !res.Success {
		run.Status = domain.StatusIdle
		if err := e.saveRun(ctx, run, "identity.rejected", events.EventPayload{"error": res.Error}); err != nil {
			return run, err
		}
		return run, ValidationError{Message: res.Error}
	}
	run.Taxpayer = &domain.TaxpayerIdentity{
		NationalID:  idNumber,
		YearOfBirth: yearOfBirth,
		FullName:    res.Name,
		PIN:         res.PIN,
	}
	run.Status = domain.StatusCheckingObligation
	if err := e.saveRun(ctx, run, "identity.validated", events.EventPayload{"pin": res.PIN}); err != nil {
		return run, err
	}
	return run, nil
}

// CheckObligation decides whether the taxpayer holds the flow's obligation.
// A transport failure resolves to "not obligated" — the workflow renders
// the same terminal screen either way; the warning below is the only
// place an outage is distinguishable from absence.
func (e *Engine) CheckObligation(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.StatusResolvingPeriod); err != nil {
		return run, err
	}
	records, lookupErr := e.Revenue.Obligations(ctx, run.Taxpayer.PIN)
	if lookupErr != nil {
		e.logger().Printf("obligation fetch failed for run %s, treating as not obligated: %v", run.ID, lookupErr)
	}
	match, ok := MatchObligation(records, run.Flow, e.logger())
	if !ok {
		return e.finish(ctx, run, domain.StatusNoObligation, domain.Outcome{
			FailedStep: "obligation",
			Reason:     "no matching tax obligation found",
		})
	}
	run.Obligation = &match
	run.Status = domain.StatusResolvingPeriod
	if err := e.saveRun(ctx, run, "obligation.matched", events.EventPayload{"code": match.Code, "name": match.Name}); err != nil {
		return run, err
	}
	return run, nil
}

// ResolvePeriod fetches the eligible filing periods and selects the
// latest (the upstream list is assumed chronologically ascending). When
// none is available, the backend's reason is shown verbatim.
func (e *Engine) ResolvePeriod(ctx context.Context, runID, filingType string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.StatusAwaitingAmount); err != nil {
		return run, err
	}
	res := e.Revenue.FilingPeriods(ctx, run.Taxpayer.PIN, run.Obligation.ID, filingType)
	if len(res.Periods) == 0 {
		reason := res.Reason
		if reason == "" {
			reason = "no filing period is currently available"
		}
		return e.finish(ctx, run, domain.StatusNoPeriod, domain.Outcome{
			FailedStep: "period",
			Reason:     reason,
		})
	}
	run.Period = res.Periods[len(res.Periods)-1]
	run.Status = domain.StatusAwaitingAmount
	if err := e.saveRun(ctx, run, "period.resolved", events.EventPayload{"period": run.Period, "candidates": len(res.Periods)}); err != nil {
		return run, err
	}
	return run, nil
}

// InputAmount feeds one keystroke of the declared amount into the run's
// debounced calculator. The resulting estimate lands on the run record
// asynchronously; it never blocks or gates submission.
func (e *Engine) InputAmount(ctx context.Context, runID string, amount float64) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.StatusAwaitingAmount {
		return run, fmt.Errorf("cannot enter amount from status %s", run.Status)
	}
	run.Amount = amount
	if err := e.saveRun(ctx, run, "", nil); err != nil {
		return run, err
	}
	calc := e.calculatorFor(run)
	calc.Input(context.WithoutCancel(ctx), CalcRequest{
		PIN:            run.Taxpayer.PIN,
		ObligationID:   run.Obligation.ID,
		ObligationCode: run.Obligation.Code,
		Period:         run.Period,
		Amount:         amount,
		Frequency:      string(run.TurnoverMode),
	})
	return run, nil
}

func (e *Engine) calculatorFor(run domain.Run) *Calculator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.calcs[run.ID]; ok {
		return c
	}
	runID := run.ID
	c := NewCalculator(e.Config.CalculatorQuiet(),
		func(ctx context.Context, req CalcRequest) float64 {
			return e.Revenue.CalculateTax(ctx, req.PIN, req.ObligationID, req.ObligationCode, req.Period, req.Amount, req.Frequency).Tax
		},
		func(tax float64) {
			if err := e.storeEstimate(context.Background(), runID, tax); err != nil {
				e.logger().Printf("store estimate for run %s: %v", runID, err)
			}
		})
	e.calcs[runID] = c
	return c
}

// storeEstimate writes the estimate with a status condition so a slow
// calculation finishing after the run left awaiting_amount cannot touch
// the row.
func (e *Engine) storeEstimate(ctx context.Context, runID string, tax float64) error {
	return e.Repo.SetEstimatedTax(ctx, runID, tax, e.now().UTC().Format(time.RFC3339))
}

// FileOptions are the variant-specific filing parameters.
type FileOptions struct {
	Amount     float64
	Properties int
	Mode       domain.TurnoverMode
	PayNow     bool
}

// FileReturn submits the run's return. Filing failures are terminal; they
// are not retried automatically. On success the receipt number is
// retained for the terminal screen and the outbound notification.
func (e *Engine) FileReturn(ctx context.Context, runID string, opts FileOptions) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.StatusFiling); err != nil {
		return run, err
	}
	if run.Flow == domain.FlowTurnover {
		if opts.Mode == "" {
			opts.Mode = domain.TurnoverMonthly
		}
		if opts.Mode == domain.TurnoverDaily && !opts.PayNow {
			return run, ValidationError{Message: "daily turnover filing requires immediate payment"}
		}
		run.TurnoverMode = opts.Mode
	}
	if run.Flow != domain.FlowNil {
		if opts.Amount <= 0 {
			return run, ValidationError{Message: "a declared amount is required"}
		}
		run.Amount = opts.Amount
	}
	if run.Flow == domain.FlowRental {
		if opts.Properties <= 0 {
			return run, ValidationError{Message: "number of rental properties is required"}
		}
		run.Properties = opts.Properties
	}
	// Daily turnover never uses a resolver period; the filing target is
	// always today's date range.
	if run.Flow == domain.FlowTurnover && opts.Mode == domain.TurnoverDaily {
		run.Period = todayPeriod(e.now())
	}
	run.Status = domain.StatusFiling
	if err := e.saveRun(ctx, run, "filing.submitted", events.EventPayload{"flow": run.Flow, "period": run.Period}); err != nil {
		return run, err
	}

	var res upstream.FilingResult
	switch run.Flow {
	case domain.FlowNil:
		res = e.Revenue.FileNil(ctx, run.Taxpayer.PIN, run.Period)
	case domain.FlowRental:
		res = e.Revenue.FileRental(ctx, run.Taxpayer.PIN, run.Period, run.Amount, run.Properties)
	case domain.FlowTurnover:
		res = e.Revenue.FileTurnover(ctx, run.Taxpayer.PIN, run.Period, run.Amount, string(run.TurnoverMode))
	}
	if !res.Success {
		return e.finish(ctx, run, domain.StatusFilingFailed, domain.Outcome{
			FailedStep: "filing",
			Reason:     res.Message,
		})
	}
	outcome := domain.Outcome{
		ReceiptNumber: res.ReceiptNumber,
		PRN:           res.PRN,
		TaxAmount:     run.EstimatedTax,
	}
	if !opts.PayNow {
		outcome.Success = true
		return e.succeed(ctx, run, outcome)
	}
	run.Outcome = &outcome
	run.Status = domain.StatusGeneratingPRN
	if err := e.saveRun(ctx, run, "filing.accepted", events.EventPayload{"receipt": res.ReceiptNumber}); err != nil {
		return run, err
	}
	return run, nil
}

// InitiatePayment generates a PRN (unless the filing already returned one
// inline) and triggers the push-payment prompt. PRN generation must
// succeed before payment is attempted; either failure is terminal but
// keeps every artifact already obtained — a receipt always, and on
// payment failure the PRN too, so the user can pay manually.
func (e *Engine) InitiatePayment(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.StatusInitiatingPayment); err != nil {
		return run, err
	}
	outcome := domain.Outcome{TaxAmount: run.EstimatedTax}
	if run.Outcome != nil {
		outcome = *run.Outcome
	}
	amount := run.Amount
	if outcome.TaxAmount > 0 {
		amount = outcome.TaxAmount
	}

	if outcome.PRN == "" {
		from, to := splitPeriod(run.Period)
		res := e.Revenue.GeneratePRN(ctx, run.Taxpayer.PIN, run.Obligation.Code, from, to, amount)
		if !res.Success {
			outcome.FailedStep = "prn"
			outcome.Reason = res.Message
			return e.finish(ctx, run, domain.StatusPRNFailed, outcome)
		}
		outcome.PRN = res.PRN
	} else {
		// The filing variant returned a PRN inline; a second generation
		// call would be redundant.
		if err := e.appendEvent(ctx, run, "prn.reused", events.EventPayload{"prn": outcome.PRN}); err != nil {
			return run, err
		}
	}
	run.Outcome = &outcome
	run.Status = domain.StatusInitiatingPayment
	if err := e.saveRun(ctx, run, "prn.ready", events.EventPayload{"prn": outcome.PRN}); err != nil {
		return run, err
	}

	res := e.Revenue.Pay(ctx, run.Phone, outcome.PRN)
	if !res.Success {
		outcome.FailedStep = "payment"
		outcome.Reason = res.Message
		return e.finish(ctx, run, domain.StatusPaymentFailed, outcome)
	}
	outcome.Success = true
	outcome.CheckoutURL = res.CheckoutURL
	return e.succeed(ctx, run, outcome)
}

// Reset discards the run, preserving only the phone number (recorded in
// known_numbers at verification). The event trail keeps the history.
func (e *Engine) Reset(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	e.dropCalculator(runID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, runID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.reset", runID, run.Phone, events.EventPayload{"from_status": run.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

// succeed walks the run through notifying into succeeded and fires the
// notification without gating the terminal state.
func (e *Engine) succeed(ctx context.Context, run domain.Run, outcome domain.Outcome) (domain.Run, error) {
	if err := ensureRunTransition(run.Status, domain.StatusNotifying); err != nil {
		return run, err
	}
	run.Status = domain.StatusNotifying
	run.Outcome = &outcome
	if err := e.saveRun(ctx, run, "run.notifying", nil); err != nil {
		return run, err
	}
	run.Status = domain.StatusSucceeded
	if err := e.saveRun(ctx, run, "run.succeeded", events.EventPayload{
		"receipt": outcome.ReceiptNumber,
		"prn":     outcome.PRN,
	}); err != nil {
		return run, err
	}
	e.notify(run)
	e.dropCalculator(run.ID)
	return run, nil
}

// finish lands the run on a failure-terminal status. Partial successes
// keep their artifacts: the outcome carries any receipt or PRN already
// obtained alongside the failed step and reason.
func (e *Engine) finish(ctx context.Context, run domain.Run, status string, outcome domain.Outcome) (domain.Run, error) {
	if err := ensureRunTransition(run.Status, status); err != nil {
		return run, err
	}
	run.Status = status
	run.Outcome = &outcome
	if err := e.saveRun(ctx, run, "run."+status, events.EventPayload{
		"failed_step": outcome.FailedStep,
		"reason":      outcome.Reason,
	}); err != nil {
		return run, err
	}
	e.notify(run)
	e.dropCalculator(run.ID)
	return run, nil
}

func (e *Engine) dropCalculator(runID string) {
	e.mu.Lock()
	delete(e.calcs, runID)
	e.mu.Unlock()
}

// notify fires the outcome message in the background. Failures inside the
// messenger are its own concern; nothing here blocks the terminal state.
func (e *Engine) notify(run domain.Run) {
	if e.Messenger == nil {
		return
	}
	msg := OutcomeMessage(run)
	go e.Messenger.Send(context.Background(), run.Phone, msg)
}

// OutcomeMessage renders the notification text for a terminal run.
func OutcomeMessage(run domain.Run) string {
	var b strings.Builder
	pin := ""
	if run.Taxpayer != nil {
		pin = run.Taxpayer.PIN
	}
	switch run.Status {
	case domain.StatusSucceeded:
		fmt.Fprintf(&b, "Your %s filing for PIN %s was successful.", flowLabel(run.Flow), pin)
		if run.Outcome != nil {
			if run.Outcome.ReceiptNumber != "" {
				fmt.Fprintf(&b, " Receipt: %s.", run.Outcome.ReceiptNumber)
			}
			if run.Outcome.PRN != "" {
				fmt.Fprintf(&b, " Payment reference: %s.", run.Outcome.PRN)
			}
		}
	case domain.StatusNoObligation:
		fmt.Fprintf(&b, "PIN %s has no registered %s obligation. No return was filed.", pin, flowLabel(run.Flow))
	case domain.StatusNoPeriod:
		fmt.Fprintf(&b, "No filing period is available for PIN %s.", pin)
		if run.Outcome != nil && run.Outcome.Reason != "" {
			fmt.Fprintf(&b, " %s", run.Outcome.Reason)
		}
	default:
		fmt.Fprintf(&b, "Your %s filing for PIN %s could not be completed.", flowLabel(run.Flow), pin)
		if run.Outcome != nil {
			if run.Outcome.Reason != "" {
				fmt.Fprintf(&b, " %s", run.Outcome.Reason)
			}
			if run.Outcome.ReceiptNumber != "" {
				fmt.Fprintf(&b, " Your return was filed; receipt: %s.", run.Outcome.ReceiptNumber)
			}
			if run.Outcome.PRN != "" {
				fmt.Fprintf(&b, " You can pay manually with reference %s.", run.Outcome.PRN)
			}
		}
	}
	return b.String()
}

func flowLabel(flow domain.Flow) string {
	switch flow {
	case domain.FlowNil:
		return "NIL return"
	case domain.FlowRental:
		return "rental income"
	case domain.FlowTurnover:
		return "turnover tax"
	}
	return string(flow)
}

// saveRun persists the run and, when evtType is non-empty, appends an
// event in the same transaction.
func (e *Engine) saveRun(ctx context.Context, run domain.Run, evtType string, payload events.EventPayload) error {
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	if evtType != "" {
		if err := e.Events.Append(ctx, tx, evtType, run.ID, run.Phone, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e *Engine) appendEvent(ctx context.Context, run domain.Run, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, run.ID, run.Phone, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// splitPeriod breaks a "from - to" period token into its range ends. A
// period without a range separator is both ends of its own range.
func splitPeriod(period string) (string, string) {
	parts := strings.SplitN(period, " - ", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return period, period
}

func todayPeriod(now time.Time) string {
	day := now.UTC().Format("2006-01-02")
	return day + " - " + day
}
