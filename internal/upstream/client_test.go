package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestLookupTaxpayerSuccess(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200,
		`{"code":200,"message":"ok","data":{"taxpayer_name":"JANE TESTER","pin":"A123456789B"}}`))
	defer srv.Close()
	c := New(srv.URL, "k")
	res := c.LookupTaxpayer(context.Background(), "12345678", 1990)
	if !res.Success || res.Name != "JANE TESTER" || res.PIN != "A123456789B" {
		t.Fatalf("result = %+v", res)
	}
}

func TestLookupRoutesPINShape(t *testing.T) {
	cases := map[string]bool{
		"A123456789B": true,
		"a123456789z": true,
		"12345678":    false,
		"A12345678B":  false, // eight digits
		"AB23456789C": false, // letter where a digit belongs
	}
	for id, want := range cases {
		if got := looksLikePIN(id); got != want {
			t.Fatalf("looksLikePIN(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestSemanticFailureMessageVerbatim(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200,
		`{"code":400,"message":"Return already filed for the current period."}`))
	defer srv.Close()
	c := New(srv.URL, "k")
	res := c.FilingPeriods(context.Background(), "A123456789B", "ob-1", "original")
	if len(res.Periods) != 0 {
		t.Fatalf("periods = %v", res.Periods)
	}
	if res.Reason != "Return already filed for the current period." {
		t.Fatalf("reason = %q, want the backend sentence verbatim", res.Reason)
	}
}

func TestUnfamiliarEnvelopeCodeIsPlainFailure(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `{"code":731,"message":"strange state"}`))
	defer srv.Close()
	c := New(srv.URL, "k")
	res := c.FileNil(context.Background(), "A123456789B", "2024-01-01 - 2024-12-31")
	if res.Success {
		t.Fatalf("unfamiliar code must fail")
	}
	if res.Message != "strange state" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, msgSessionExpired},
		{http.StatusNotFound, msgServiceUnavailable},
		{http.StatusInternalServerError, msgTryAgain},
		{http.StatusBadGateway, msgTryAgain},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(jsonHandler(tc.status, `{}`))
		c := New(srv.URL, "k")
		res := c.LookupTaxpayer(context.Background(), "12345678", 1990)
		srv.Close()
		if res.Success {
			t.Fatalf("status %d must fail", tc.status)
		}
		if res.Error != tc.want {
			t.Fatalf("status %d message = %q, want %q", tc.status, res.Error, tc.want)
		}
	}
}

func TestTimeoutMapsToTimedOutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(srv.URL, "k")
	c.Timeout = 50 * time.Millisecond
	res := c.LookupTaxpayer(context.Background(), "12345678", 1990)
	if res.Success {
		t.Fatalf("timeout must fail")
	}
	if res.Error != msgTimedOut {
		t.Fatalf("message = %q, want %q", res.Error, msgTimedOut)
	}
}

func TestUndecodableResponseIsSafeFailure(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `<html>gateway error</html>`))
	defer srv.Close()
	c := New(srv.URL, "k")
	res := c.GeneratePRN(context.Background(), "A123456789B", "IT1", "2024-01-01", "2024-12-31", 5000)
	if res.Success {
		t.Fatalf("undecodable body must fail")
	}
	if res.Message != msgTryAgain {
		t.Fatalf("message = %q, want %q", res.Message, msgTryAgain)
	}
}

func TestCalculateTaxFailureCollapsesToZero(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(500, `{}`))
	defer srv.Close()
	c := New(srv.URL, "k")
	res := c.CalculateTax(context.Background(), "A123456789B", "ob-1", "IT1", "2024-01-01 - 2024-12-31", 50000, "")
	if res.Tax != 0 {
		t.Fatalf("tax = %v, want 0 on failure", res.Tax)
	}
	// no network call for invalid input either
	res = c.CalculateTax(context.Background(), "A123456789B", "ob-1", "IT1", "", 50000, "")
	if res.Tax != 0 {
		t.Fatalf("tax = %v for missing period", res.Tax)
	}
}

func TestObligationsDecodesRecords(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200,
		`{"code":200,"data":{"obligations":[{"obligation_name":"Turnover Tax (TOT)","obligation_code":"TOT1","obligation_id":"ob-3"}]}}`))
	defer srv.Close()
	c := New(srv.URL, "k")
	records, err := c.Obligations(context.Background(), "A123456789B")
	if err != nil {
		t.Fatalf("obligations: %v", err)
	}
	if len(records) != 1 || records[0].Code != "TOT1" {
		t.Fatalf("records = %+v", records)
	}
}
