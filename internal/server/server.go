package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taxbridge/internal/config"
	"taxbridge/internal/domain"
	"taxbridge/internal/engine"
	"taxbridge/internal/notify"
	"taxbridge/internal/repo"
	"taxbridge/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Sessions *session.Manager
	Notifier *notify.Notifier
	App      *config.Config
	Logger   *log.Logger
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"phone is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type srv struct {
	cfg      Config
	monitors *monitorSet
}

// New returns an HTTP handler exposing the taxbridge API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	s := &srv{cfg: cfg, monitors: newMonitorSet()}

	router := chi.NewRouter()
	router.Use(newGuardMiddleware(cfg.Sessions, cfg.Logger))
	hcfg := huma.DefaultConfig("Taxbridge API", "0.1.0")
	api := humachi.New(router, hcfg)

	s.registerHealth(api)
	s.registerVerify(api)
	s.registerSession(api)
	s.registerRuns(api)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Message, nil)
	}
	if errors.Is(err, engine.ErrRunInFlight) {
		return newAPIError(http.StatusConflict, "run_in_flight", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrRunFinished) {
		return newAPIError(http.StatusConflict, "run_finished", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition") || strings.Contains(lowered, "cannot") && strings.Contains(lowered, "status"):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func sessionOrUnauthorized(ctx context.Context) (session.Session, huma.StatusError) {
	s, ok := sessionFromContext(ctx)
	if !ok {
		return session.Session{}, newAPIError(http.StatusUnauthorized, "unauthorized", "verified session required", nil)
	}
	return s, nil
}

func (s *srv) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *srv) verificationCode(phone string) string {
	if s.cfg.App != nil && s.cfg.App.Session.VerificationCode != "" {
		return s.cfg.App.Session.VerificationCode
	}
	return s.cfg.Sessions.VerificationCode(phone, s.cfg.Now())
}

func (s *srv) codeMatches(phone, code string) bool {
	if s.cfg.App != nil && s.cfg.App.Session.VerificationCode != "" {
		return code == s.cfg.App.Session.VerificationCode
	}
	return s.cfg.Sessions.CheckVerificationCode(phone, code, s.cfg.Now())
}

func (s *srv) registerVerify(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-request",
		Method:      http.MethodPost,
		Path:        "/verify/request",
		Summary:     "Request a phone verification code",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body VerifyRequestRequest `json:"body"`
	}) (*struct {
		Body VerifyRequestResponse `json:"body"`
	}, error) {
		phone := strings.TrimSpace(input.Body.Phone)
		if phone == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phone is required", nil)
		}
		code := s.verificationCode(phone)
		if s.cfg.Notifier != nil {
			go s.cfg.Notifier.Send(context.Background(), phone, "Your taxbridge verification code is "+code)
		}
		return &struct {
			Body VerifyRequestResponse `json:"body"`
		}{Body: VerifyRequestResponse{Status: "sent"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-confirm",
		Method:      http.MethodPost,
		Path:        "/verify/confirm",
		Summary:     "Confirm a verification code and open a session",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body VerifyConfirmRequest `json:"body"`
	}) (*struct {
		SetCookie []http.Cookie         `header:"Set-Cookie"`
		Body      VerifyConfirmResponse `json:"body"`
	}, error) {
		phone := strings.TrimSpace(input.Body.Phone)
		if phone == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phone is required", nil)
		}
		if !s.codeMatches(phone, input.Body.Code) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_code", "verification code does not match", nil)
		}
		token, err := s.cfg.Sessions.Issue(phone, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		seenAt := s.cfg.Now().UTC().Format(time.RFC3339)
		if err := s.cfg.Engine.Repo.UpsertKnownNumber(ctx, phone, input.Body.DisplayName, seenAt); err != nil {
			return nil, handleError(err)
		}
		s.monitors.open(phone, token, s.cfg.Sessions, s.cfg.App, s.cfg.Logger)
		return &struct {
			SetCookie []http.Cookie         `header:"Set-Cookie"`
			Body      VerifyConfirmResponse `json:"body"`
		}{
			SetCookie: []http.Cookie{
				{
					Name:     sessionCookie,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				},
				*knownPhoneCookieFor(phone),
			},
			Body: VerifyConfirmResponse{
				Token:    token,
				Redirect: session.VerifiedRedirect(input.Body.Redirect, phone),
			},
		}, nil
	})
}

func (s *srv) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, authErr := sessionOrUnauthorized(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			Phone:       sess.Phone,
			DisplayName: sess.DisplayName,
			RefreshedAt: sess.RefreshedAt.UTC().Format(time.RFC3339),
			Visible:     s.monitors.visible(sess.Phone),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-visibility",
		Method:      http.MethodPost,
		Path:        "/session/visibility",
		Summary:     "Report foreground visibility",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body VisibilityRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, authErr := sessionOrUnauthorized(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s.monitors.setVisible(sess.Phone, input.Body.Visible)
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			Phone:       sess.Phone,
			DisplayName: sess.DisplayName,
			RefreshedAt: sess.RefreshedAt.UTC().Format(time.RFC3339),
			Visible:     input.Body.Visible,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/session/logout",
		Summary:     "Close the session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie       `header:"Set-Cookie"`
		Body      map[string]string `json:"body"`
	}, error) {
		sess, authErr := sessionOrUnauthorized(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s.monitors.close(sess.Phone)
		return &struct {
			SetCookie http.Cookie       `header:"Set-Cookie"`
			Body      map[string]string `json:"body"`
		}{
			SetCookie: http.Cookie{
				Name:     sessionCookie,
				Value:    "",
				Path:     "/",
				MaxAge:   -1,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			},
			Body: map[string]string{"status": "logged_out"},
		}, nil
	})
}

// ownRun loads the run and rejects access from any session other than the
// one that started it.
func (s *srv) ownRun(ctx context.Context, runID string) (domain.Run, huma.StatusError) {
	sess, authErr := sessionOrUnauthorized(ctx)
	if authErr != nil {
		return domain.Run{}, authErr
	}
	run, err := s.cfg.Engine.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, handleError(err)
	}
	if run.Phone != sess.Phone {
		return domain.Run{}, newAPIError(http.StatusNotFound, "not_found", "run not found", nil)
	}
	return run, nil
}

func (s *srv) deepLink(run domain.Run) string {
	if s.cfg.Notifier == nil {
		return ""
	}
	return s.cfg.Notifier.DeepLink(run.Phone, engine.OutcomeMessage(run))
}

func (s *srv) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/filing/runs",
		Summary:       "Start a filing run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		sess, authErr := sessionOrUnauthorized(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.StartRun(ctx, sess.Phone, input.Body.Flow)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/filing/runs",
		Summary:     "List this session's runs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		sess, authErr := sessionOrUnauthorized(ctx)
		if authErr != nil {
			return nil, authErr
		}
		runs, err := s.cfg.Engine.Repo.ListRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		mine := runs[:0:0]
		for _, r := range runs {
			if r.Phone == sess.Phone {
				mine = append(mine, r)
			}
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: mapRuns(mine, s.deepLink)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/filing/runs/{id}",
		Summary:     "Get a filing run",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, authErr := s.ownRun(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-identity",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/identity",
		Summary:     "Validate taxpayer identity",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body IdentityRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.IDNumber) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id_number is required", nil)
		}
		run, err := s.cfg.Engine.ValidateIdentity(ctx, input.ID, input.Body.IDNumber, input.Body.YearOfBirth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-obligation",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/obligation",
		Summary:     "Check the tax obligation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.CheckObligation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-period",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/period",
		Summary:     "Resolve the filing period",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body PeriodRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.ResolvePeriod(ctx, input.ID, input.Body.FilingType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "input-amount",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/amount",
		Summary:     "Enter a declared amount",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AmountRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.InputAmount(ctx, input.ID, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "file-return",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/file",
		Summary:     "Submit the return",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body FileRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.FileReturn(ctx, input.ID, engine.FileOptions{
			Amount:     input.Body.Amount,
			Properties: input.Body.Properties,
			Mode:       input.Body.Mode,
			PayNow:     input.Body.PayNow,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "initiate-payment",
		Method:      http.MethodPost,
		Path:        "/filing/runs/{id}/pay",
		Summary:     "Generate the payment reference and prompt payment",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		run, err := s.cfg.Engine.InitiatePayment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, s.deepLink)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-run",
		Method:      http.MethodDelete,
		Path:        "/filing/runs/{id}",
		Summary:     "Discard a filing run",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := s.ownRun(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Engine.Reset(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
