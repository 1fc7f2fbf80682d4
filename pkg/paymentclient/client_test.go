package paymentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSetupContributionGrantDecodesResponse(t *testing.T) {
	var got GrantSetupRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/incoming-payment-setup" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"continue_uri": "https://auth/continue/1",
			"continue_token": {"value": "tok-1"},
			"quote_id": "quote-1",
			"recurring_grant": {"interact": {"redirect": "https://auth/interact/1"}}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL + "/")
	resp, err := client.SetupContributionGrant(context.Background(), GrantSetupRequest{
		Value:                15000,
		StartDate:            "2025-01-01T00:00:00Z",
		PaymentPeriods:       5,
		PaymentPeriodLength:  "M",
		LengthBetweenPeriods: "1",
		UserID:               "u1",
		StokvelID:            "s1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Value != 15000 || got.PaymentPeriods != 5 || got.PaymentPeriodLength != "M" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
	if resp.ContinueToken.Value != "tok-1" || resp.QuoteID != "quote-1" || resp.ContinueURI != "https://auth/continue/1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.RedirectURL() != "https://auth/interact/1" {
		t.Fatalf("expected redirect url, got %q", resp.RedirectURL())
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok-2","manageurl":"https://manage/2"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithInitialDelay(time.Millisecond))
	value := int64(100)
	resp, err := client.ProcessRecurringPayment(context.Background(), RecurringPaymentRequest{ContributionValue: &value})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if resp.Token != "tok-2" || resp.ManageURL != "https://manage/2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithInitialDelay(time.Millisecond), WithMaxRetries(2))
	_, err := client.ProcessRecurringPayoutWithInterest(context.Background(), RecurringPaymentRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", calls)
	}
	if IsClientError(err) {
		t.Fatalf("expected a server error, got %v", err)
	}
}

func TestClientErrorsAreTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithInitialDelay(time.Millisecond))
	_, err := client.CreateInitialPayment(context.Background(), InitialPaymentRequest{QuoteID: "q"})
	if !IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestInitialPaymentFailedFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"t","manageurl":"m","payment":{"failed":true}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).CreateInitialPayment(context.Background(), InitialPaymentRequest{})
	if err == nil {
		t.Fatal("expected failed payment to be reported as an error")
	}
}

func TestMissingBaseURL(t *testing.T) {
	_, err := NewClient("").SetupAdhocGrant(context.Background(), AdhocSetupRequest{})
	if err == nil {
		t.Fatal("expected error for unconfigured base URL")
	}
}
