package repo

import (
	"context"
	"database/sql"
	"errors"

	"taxbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,phone,flow,status,
	COALESCE(national_id,''),COALESCE(year_of_birth,0),COALESCE(full_name,''),COALESCE(pin,''),
	COALESCE(obligation_name,''),COALESCE(obligation_code,''),COALESCE(obligation_id,''),
	COALESCE(period,''),COALESCE(amount,0),COALESCE(properties,0),COALESCE(turnover_mode,''),
	COALESCE(estimated_tax,0),success,COALESCE(failed_step,''),COALESCE(reason,''),
	COALESCE(receipt_number,''),COALESCE(prn,''),COALESCE(tax_amount,0),COALESCE(checkout_url,''),
	created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var tp domain.TaxpayerIdentity
	var ob domain.ObligationRecord
	var out domain.Outcome
	var success sql.NullBool
	err := row.Scan(&r.ID, &r.Phone, &r.Flow, &r.Status,
		&tp.NationalID, &tp.YearOfBirth, &tp.FullName, &tp.PIN,
		&ob.Name, &ob.Code, &ob.ID,
		&r.Period, &r.Amount, &r.Properties, &r.TurnoverMode,
		&r.EstimatedTax, &success, &out.FailedStep, &out.Reason,
		&out.ReceiptNumber, &out.PRN, &out.TaxAmount, &out.CheckoutURL,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if tp.PIN != "" || tp.FullName != "" {
		r.Taxpayer = &tp
	}
	if ob.ID != "" || ob.Code != "" {
		r.Obligation = &ob
	}
	if success.Valid {
		out.Success = success.Bool
		r.Outcome = &out
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,phone,flow,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Phone, run.Flow, run.Status, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	var (
		nationalID, fullName, pin   any
		yearOfBirth                 any
		obName, obCode, obID        any
		success, failedStep, reason any
		receipt, prn, checkout      any
		taxAmount                   any
	)
	if run.Taxpayer != nil {
		nationalID = nullable(run.Taxpayer.NationalID)
		fullName = nullable(run.Taxpayer.FullName)
		pin = nullable(run.Taxpayer.PIN)
		if run.Taxpayer.YearOfBirth != 0 {
			yearOfBirth = run.Taxpayer.YearOfBirth
		}
	}
	if run.Obligation != nil {
		obName = nullable(run.Obligation.Name)
		obCode = nullable(run.Obligation.Code)
		obID = nullable(run.Obligation.ID)
	}
	if run.Outcome != nil {
		success = run.Outcome.Success
		failedStep = nullable(run.Outcome.FailedStep)
		reason = nullable(run.Outcome.Reason)
		receipt = nullable(run.Outcome.ReceiptNumber)
		prn = nullable(run.Outcome.PRN)
		checkout = nullable(run.Outcome.CheckoutURL)
		if run.Outcome.TaxAmount != 0 {
			taxAmount = run.Outcome.TaxAmount
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE runs SET
		status=?, national_id=?, year_of_birth=?, full_name=?, pin=?,
		obligation_name=?, obligation_code=?, obligation_id=?,
		period=?, amount=?, properties=?, turnover_mode=?, estimated_tax=?,
		success=?, failed_step=?, reason=?, receipt_number=?, prn=?, tax_amount=?, checkout_url=?,
		updated_at=?
		WHERE id=?`,
		run.Status, nationalID, yearOfBirth, fullName, pin,
		obName, obCode, obID,
		nullable(run.Period), run.Amount, run.Properties, nullable(string(run.TurnoverMode)), run.EstimatedTax,
		success, failedStep, reason, receipt, prn, taxAmount, checkout,
		run.UpdatedAt, run.ID)
	return err
}

// SetEstimatedTax records an advisory estimate, but only while the run is
// still collecting the amount. Estimates land asynchronously; one that
// completes after the run has moved on is dropped here rather than
// clobbering the later state.
func (r Repo) SetEstimatedTax(ctx context.Context, id string, tax float64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET estimated_tax=?, updated_at=? WHERE id=? AND status=?`,
		tax, updatedAt, id, domain.StatusAwaitingAmount)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ActiveRunByPhone returns the phone's run that has not reached a terminal
// status, if any. At most one exists; the orchestrator enforces that.
func (r Repo) ActiveRunByPhone(ctx context.Context, phone string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE phone=? AND status NOT IN ('no_obligation','no_period','filing_failed','prn_failed','payment_failed','succeeded')
		ORDER BY created_at DESC LIMIT 1`, phone))
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpsertKnownNumber(ctx context.Context, phone, displayName, seenAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO known_numbers(phone,display_name,last_seen_at) VALUES (?,?,?)
		ON CONFLICT(phone) DO UPDATE SET display_name=COALESCE(NULLIF(excluded.display_name,''),display_name), last_seen_at=excluded.last_seen_at`,
		phone, nullable(displayName), seenAt)
	return err
}

func (r Repo) GetKnownNumber(ctx context.Context, phone string) (domain.KnownNumber, error) {
	var k domain.KnownNumber
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT phone,display_name,last_seen_at FROM known_numbers WHERE phone=?`, phone).
		Scan(&k.Phone, &name, &k.LastSeenAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if name.Valid {
		k.DisplayName = name.String
	}
	return k, err
}

func (r Repo) LatestEvents(ctx context.Context, n int, evtType, runID string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(phone,''),payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if runID != "" {
		conds = append(conds, "run_id=?")
		args = append(args, runID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Phone, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
