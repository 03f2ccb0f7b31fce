package thrower

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func testMediator() *httpMediator {
	return newHTTPMediator(MediatorConfig{
		Timeout:     time.Second,
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
		BreakerName: "test",
	})
}

func TestDeliverPostsFormAndSucceeds(t *testing.T) {
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		gotContent = r.PostForm.Get("content")
		w.Write([]byte("ACK/Jasmin"))
	}))
	defer srv.Close()

	m := testMediator()
	form := url.Values{"id": {"msg-1"}, "content": {"Hello"}}
	if err := m.deliver(context.Background(), "deliver_sm", http.MethodPost, srv.URL, form); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotContent != "Hello" {
		t.Errorf("content = %q, want Hello", gotContent)
	}
}

func TestDeliverGetEncodesQuery(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.URL.Query().Get("id")
	}))
	defer srv.Close()

	m := testMediator()
	if err := m.deliver(context.Background(), "dlr", http.MethodGet, srv.URL, url.Values{"id": {"msg-2"}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotID != "msg-2" {
		t.Errorf("id = %q, want msg-2", gotID)
	}
}

func TestDeliverRetriesServerErrorsThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	m := testMediator()
	if err := m.deliver(context.Background(), "deliver_sm", http.MethodPost, srv.URL, url.Values{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := testMediator()
	err := m.deliver(context.Background(), "deliver_sm", http.MethodPost, srv.URL, url.Values{})
	if err == nil {
		t.Fatal("expected a permanent failure on 404")
	}
	if isRetryable(err) {
		t.Errorf("404 should be classified non-retryable")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want exactly 1 for a 4xx", got)
	}
}

func TestDeliverExhaustsRetryBudget(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := testMediator()
	if err := m.deliver(context.Background(), "deliver_sm", http.MethodPost, srv.URL, url.Values{}); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want MaxRetries (3)", got)
	}
}
