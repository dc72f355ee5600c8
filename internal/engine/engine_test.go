package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taxbridge/internal/config"
	"taxbridge/internal/db"
	"taxbridge/internal/domain"
	"taxbridge/internal/engine"
	"taxbridge/internal/migrate"
	"taxbridge/internal/repo"
	"taxbridge/internal/upstream"
)

// fakeRevenue scripts upstream outcomes per method.
type fakeRevenue struct {
	lookup      upstream.LookupResult
	obligations []domain.ObligationRecord
	obligErrs   error
	periods     upstream.PeriodsResult
	calc        upstream.CalcResult
	filing      upstream.FilingResult
	prn         upstream.PRNResult
	pay         upstream.PayResult

	calcCalls   int
	filingCalls int
	lastPeriod  string
}

func (f *fakeRevenue) LookupTaxpayer(ctx context.Context, idNumber string, yearOfBirth int) upstream.LookupResult {
	return f.lookup
}

func (f *fakeRevenue) Obligations(ctx context.Context, pin string) ([]domain.ObligationRecord, error) {
	return f.obligations, f.obligErrs
}

func (f *fakeRevenue) FilingPeriods(ctx context.Context, pin, obligationID, filingType string) upstream.PeriodsResult {
	return f.periods
}

func (f *fakeRevenue) CalculateTax(ctx context.Context, pin, obligationID, obligationCode, period string, amount float64, frequency string) upstream.CalcResult {
	f.calcCalls++
	return f.calc
}

func (f *fakeRevenue) FileNil(ctx context.Context, pin, period string) upstream.FilingResult {
	f.filingCalls++
	f.lastPeriod = period
	return f.filing
}

func (f *fakeRevenue) FileRental(ctx context.Context, pin, period string, amount float64, properties int) upstream.FilingResult {
	f.filingCalls++
	f.lastPeriod = period
	return f.filing
}

func (f *fakeRevenue) FileTurnover(ctx context.Context, pin, period string, amount float64, mode string) upstream.FilingResult {
	f.filingCalls++
	f.lastPeriod = period
	return f.filing
}

func (f *fakeRevenue) GeneratePRN(ctx context.Context, pin, obligationCode, periodFrom, periodTo string, amount float64) upstream.PRNResult {
	return f.prn
}

func (f *fakeRevenue) Pay(ctx context.Context, phone, prn string) upstream.PayResult {
	return f.pay
}

// chanMessenger captures notifications for assertions.
type chanMessenger struct {
	msgs chan string
}

func (m *chanMessenger) Send(ctx context.Context, phone, message string) {
	m.msgs <- phone + "|" + message
}

func (m *chanMessenger) wait(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-m.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification arrived")
		return ""
	}
}

type testEnv struct {
	Engine    *engine.Engine
	Revenue   *fakeRevenue
	Messenger *chanMessenger
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("http://upstream.test", "test-secret")
	cfg.Calculator.QuietMillis = 10
	rev := &fakeRevenue{
		lookup: upstream.LookupResult{Success: true, Name: "JANE TESTER", PIN: "A123456789B"},
		obligations: []domain.ObligationRecord{
			{Name: "Income Tax - Resident Individual", Code: "IT1", ID: "ob-1"},
		},
		periods: upstream.PeriodsResult{Periods: []string{"2023-01-01 - 2023-12-31", "2024-01-01 - 2024-12-31"}},
		calc:    upstream.CalcResult{Tax: 5000},
		filing:  upstream.FilingResult{Success: true, ReceiptNumber: "R1"},
		prn:     upstream.PRNResult{Success: true, PRN: "PRN1"},
		pay:     upstream.PayResult{Success: true, CheckoutURL: "https://pay.test/x"},
	}
	msgr := &chanMessenger{msgs: make(chan string, 8)}
	eng := engine.New(conn, cfg, rev, msgr)
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Revenue: rev, Messenger: msgr, Ctx: context.Background()}
}

func advance(t *testing.T, env testEnv, runID string, filingType string) domain.Run {
	t.Helper()
	run, err := env.Engine.ValidateIdentity(env.Ctx, runID, "12345678", 1990)
	if err != nil {
		t.Fatalf("validate identity: %v", err)
	}
	run, err = env.Engine.CheckObligation(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("check obligation: %v", err)
	}
	run, err = env.Engine.ResolvePeriod(env.Ctx, run.ID, filingType)
	if err != nil {
		t.Fatalf("resolve period: %v", err)
	}
	return run
}

func TestNilFilingNoObligation(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.obligations = []domain.ObligationRecord{
		{Name: "Excise Duty", Code: "ED1", ID: "ob-9"},
	}
	run, err := env.Engine.StartRun(env.Ctx, "+254700000001", domain.FlowNil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run, err = env.Engine.ValidateIdentity(env.Ctx, run.ID, "12345678", 1990)
	if err != nil {
		t.Fatalf("validate identity: %v", err)
	}
	run, err = env.Engine.CheckObligation(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("check obligation: %v", err)
	}
	if run.Status != domain.StatusNoObligation {
		t.Fatalf("status = %s, want no_obligation", run.Status)
	}
	msg := env.Messenger.wait(t)
	if !strings.Contains(msg, "A123456789B") {
		t.Fatalf("notification %q should carry the PIN", msg)
	}
	if !strings.Contains(msg, "No return was filed") {
		t.Fatalf("notification %q should say nothing was filed", msg)
	}
}

func TestObligationTransportFailureTreatedAsNotObligated(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.obligations = nil
	env.Revenue.obligErrs = errors.New("connection refused")
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000001", domain.FlowNil)
	run, err := env.Engine.ValidateIdentity(env.Ctx, run.ID, "12345678", 1990)
	if err != nil {
		t.Fatalf("validate identity: %v", err)
	}
	run, err = env.Engine.CheckObligation(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("check obligation: %v", err)
	}
	if run.Status != domain.StatusNoObligation {
		t.Fatalf("status = %s, want no_obligation on transport failure", run.Status)
	}
	env.Messenger.wait(t)
}

func TestIdentityRejectionKeepsRunEditable(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.lookup = upstream.LookupResult{Error: "taxpayer details do not match"}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000001", domain.FlowNil)
	_, err := env.Engine.ValidateIdentity(env.Ctx, run.ID, "00000000", 1990)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	got, err := env.Engine.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.StatusIdle {
		t.Fatalf("status = %s, want idle after rejection", got.Status)
	}
	// correcting the input revalidates from idle
	env.Revenue.lookup = upstream.LookupResult{Success: true, Name: "JANE TESTER", PIN: "A123456789B"}
	got, err = env.Engine.ValidateIdentity(env.Ctx, run.ID, "12345678", 1990)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if got.Status != domain.StatusCheckingObligation {
		t.Fatalf("status = %s, want checking_obligation", got.Status)
	}
}

func TestRentalHappyPathWithPayment(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.obligations = []domain.ObligationRecord{
		{Name: "Monthly Rental Income (MRI)", Code: "MRI1", ID: "ob-2"},
	}
	run, err := env.Engine.StartRun(env.Ctx, "+254700000002", domain.FlowRental)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run = advance(t, env, run.ID, "original")
	if run.Status != domain.StatusAwaitingAmount {
		t.Fatalf("status = %s, want awaiting_amount", run.Status)
	}
	if run.Period != "2024-01-01 - 2024-12-31" {
		t.Fatalf("period = %q, want the latest", run.Period)
	}
	if _, err := env.Engine.InputAmount(env.Ctx, run.ID, 50000); err != nil {
		t.Fatalf("input amount: %v", err)
	}
	// the debounced estimate lands asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.Engine.GetRun(env.Ctx, run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.EstimatedTax == 5000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("estimate never arrived, got %v", got.EstimatedTax)
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, err = env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{Amount: 50000, Properties: 2, PayNow: true})
	if err != nil {
		t.Fatalf("file return: %v", err)
	}
	if run.Status != domain.StatusGeneratingPRN {
		t.Fatalf("status = %s, want generating_prn", run.Status)
	}
	run, err = env.Engine.InitiatePayment(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if run.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	out := run.Outcome
	if out == nil || !out.Success || out.ReceiptNumber != "R1" || out.PRN != "PRN1" {
		t.Fatalf("outcome = %+v", out)
	}
	msg := env.Messenger.wait(t)
	if !strings.Contains(msg, "R1") || !strings.Contains(msg, "PRN1") {
		t.Fatalf("notification %q should carry receipt and PRN", msg)
	}
}

func TestLateEstimateLeavesFinishedRunAlone(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.obligations = []domain.ObligationRecord{
		{Name: "Monthly Rental Income (MRI)", Code: "MRI1", ID: "ob-2"},
	}
	// widen the quiet window so the estimate completes after filing
	env.Engine.Config.Calculator.QuietMillis = 200
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000013", domain.FlowRental)
	run = advance(t, env, run.ID, "original")
	if _, err := env.Engine.InputAmount(env.Ctx, run.ID, 50000); err != nil {
		t.Fatalf("input amount: %v", err)
	}
	run, err := env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{Amount: 50000, Properties: 2})
	if err != nil {
		t.Fatalf("file return: %v", err)
	}
	if run.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	env.Messenger.wait(t)

	// the pending calculation fires well after the run finished
	time.Sleep(400 * time.Millisecond)
	got, err := env.Engine.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, a late estimate must not move the run", got.Status)
	}
	if got.EstimatedTax != 0 {
		t.Fatalf("estimated tax = %v, late estimate should be dropped", got.EstimatedTax)
	}
}

func TestFileWithoutPaymentSucceedsDirectly(t *testing.T) {
	env := newTestEnv(t)
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000003", domain.FlowNil)
	run = advance(t, env, run.ID, "original")
	run, err := env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{})
	if err != nil {
		t.Fatalf("file return: %v", err)
	}
	if run.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	env.Messenger.wait(t)
}

func TestDailyTurnoverSynthesizesTodayPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.obligations = []domain.ObligationRecord{
		{Name: "Turnover Tax (TOT)", Code: "TOT1", ID: "ob-3"},
	}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000004", domain.FlowTurnover)
	run = advance(t, env, run.ID, "original")

	// daily without pay-now is rejected up front
	_, err := env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{Amount: 1200, Mode: domain.TurnoverDaily})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for daily without pay-now, got %v", err)
	}

	run, err = env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{Amount: 1200, Mode: domain.TurnoverDaily, PayNow: true})
	if err != nil {
		t.Fatalf("file return: %v", err)
	}
	if env.Revenue.lastPeriod != "2026-03-02 - 2026-03-02" {
		t.Fatalf("filed period = %q, want today's range", env.Revenue.lastPeriod)
	}
	if run.Period != "2026-03-02 - 2026-03-02" {
		t.Fatalf("run period = %q", run.Period)
	}
}

func TestPaymentFailureKeepsReceiptAndPRN(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.pay = upstream.PayResult{Message: "The request timed out. Please try again."}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000005", domain.FlowNil)
	run = advance(t, env, run.ID, "original")
	run, err := env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{PayNow: true})
	if err != nil {
		t.Fatalf("file return: %v", err)
	}
	run, err = env.Engine.InitiatePayment(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if run.Status != domain.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed", run.Status)
	}
	out := run.Outcome
	if out == nil || out.Success || out.ReceiptNumber != "R1" || out.PRN != "PRN1" {
		t.Fatalf("partial outcome should keep receipt and PRN: %+v", out)
	}
	msg := env.Messenger.wait(t)
	if !strings.Contains(msg, "PRN1") {
		t.Fatalf("notification %q should offer the PRN for manual payment", msg)
	}
}

func TestPRNFailureIsTerminalWithReceipt(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.prn = upstream.PRNResult{Message: "Something went wrong. Please try again."}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000006", domain.FlowNil)
	run = advance(t, env, run.ID, "original")
	run, _ = env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{PayNow: true})
	run, err := env.Engine.InitiatePayment(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if run.Status != domain.StatusPRNFailed {
		t.Fatalf("status = %s, want prn_failed", run.Status)
	}
	if run.Outcome == nil || run.Outcome.ReceiptNumber != "R1" {
		t.Fatalf("receipt should survive PRN failure: %+v", run.Outcome)
	}
	env.Messenger.wait(t)
}

func TestInlinePRNSkipsGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.filing = upstream.FilingResult{Success: true, ReceiptNumber: "R2", PRN: "INLINE-PRN"}
	env.Revenue.prn = upstream.PRNResult{Message: "should not be called"}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000007", domain.FlowNil)
	run = advance(t, env, run.ID, "original")
	run, _ = env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{PayNow: true})
	run, err := env.Engine.InitiatePayment(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if run.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (inline PRN reused)", run.Status)
	}
	if run.Outcome.PRN != "INLINE-PRN" {
		t.Fatalf("PRN = %q, want the inline one", run.Outcome.PRN)
	}
	env.Messenger.wait(t)
}

func TestNoPeriodShowsBackendReason(t *testing.T) {
	env := newTestEnv(t)
	env.Revenue.periods = upstream.PeriodsResult{Reason: "Return already filed for the current period."}
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000008", domain.FlowNil)
	run, err := env.Engine.ValidateIdentity(env.Ctx, run.ID, "12345678", 1990)
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.CheckObligation(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.ResolvePeriod(env.Ctx, run.ID, "original")
	if err != nil {
		t.Fatalf("resolve period: %v", err)
	}
	if run.Status != domain.StatusNoPeriod {
		t.Fatalf("status = %s, want no_period", run.Status)
	}
	if run.Outcome.Reason != "Return already filed for the current period." {
		t.Fatalf("reason = %q, want the backend sentence verbatim", run.Outcome.Reason)
	}
	env.Messenger.wait(t)
}

func TestSecondRunRejectedWhileActive(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartRun(env.Ctx, "+254700000009", domain.FlowNil); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.StartRun(env.Ctx, "+254700000009", domain.FlowRental)
	if !errors.Is(err, engine.ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}
	// a different phone is unaffected
	if _, err := env.Engine.StartRun(env.Ctx, "+254700000010", domain.FlowNil); err != nil {
		t.Fatalf("other phone blocked: %v", err)
	}
}

func TestResetDiscardsRunKeepsPhone(t *testing.T) {
	env := newTestEnv(t)
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000011", domain.FlowNil)
	seen := env.Engine.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.UpsertKnownNumber(env.Ctx, run.Phone, "Jane", seen); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Reset(env.Ctx, run.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.Engine.GetRun(env.Ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("run should be gone, got %v", err)
	}
	known, err := env.Engine.Repo.GetKnownNumber(env.Ctx, run.Phone)
	if err != nil {
		t.Fatalf("known number should survive reset: %v", err)
	}
	if known.Phone != run.Phone {
		t.Fatalf("phone = %q", known.Phone)
	}
	// a fresh run can start immediately
	if _, err := env.Engine.StartRun(env.Ctx, run.Phone, domain.FlowNil); err != nil {
		t.Fatalf("restart after reset: %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	run, _ := env.Engine.StartRun(env.Ctx, "+254700000012", domain.FlowNil)
	// cannot file before the period is resolved
	if _, err := env.Engine.FileReturn(env.Ctx, run.ID, engine.FileOptions{}); err == nil {
		t.Fatalf("expected transition error")
	}
	// cannot pay from idle either
	if _, err := env.Engine.InitiatePayment(env.Ctx, run.ID); err == nil {
		t.Fatalf("expected transition error")
	}
}
