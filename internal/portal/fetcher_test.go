package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const dashboardPage = `<html><body>
<div class="devices">
  <a class="device-card" href="/device?receiptLineKey=RLK-4242&amp;tab=overview">AQA Perla</a>
</div>
</body></html>`

// fetcherPortal extends the login flow with dashboard, device page,
// and AJAX chart endpoints keyed by receiptLineKey.
func fetcherPortalHandler(p *fakePortal, dashboardHits *atomic.Int32) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginFormBody)
	})
	mux.HandleFunc("POST /login", p.handleLogin)
	mux.HandleFunc("GET /dashboard", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		// The login POST's followed redirect also lands here; only
		// count the fetcher's own discovery requests, which arrive
		// without a login Referer.
		if !strings.Contains(r.Header.Get("Referer"), "/login") {
			dashboardHits.Add(1)
		}
		fmt.Fprint(w, dashboardPage)
	}))
	mux.HandleFunc("GET /device", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("receiptLineKey") != "RLK-4242" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, testDevicePage)
	}))
	mux.HandleFunc("POST /device/ajaxChart", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			http.Error(w, "not an XHR", http.StatusBadRequest)
			return
		}
		if !strings.Contains(r.Header.Get("Referer"), "receiptLineKey=RLK-4242") {
			http.Error(w, "bad referer", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("receiptLineKey") != "RLK-4242" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, testAjaxPayload)
	}))
	return mux
}

func newTestFetcher(t *testing.T) (*Fetcher, *fakePortal, *atomic.Int32) {
	t.Helper()
	p := newFakePortal("user@example.com", "secret")
	var dashboardHits atomic.Int32
	ts := httptest.NewServer(fetcherPortalHandler(p, &dashboardHits))
	t.Cleanup(ts.Close)

	s := newTestSession(t, ts.URL)
	return NewFetcher(s, testLogger(t)), p, &dashboardHits
}

func TestFetcher_ReceiptLineKeyDiscoveredOnceAndCached(t *testing.T) {
	f, _, dashboardHits := newTestFetcher(t)
	ctx := context.Background()

	for range 3 {
		key, err := f.ReceiptLineKey(ctx)
		if err != nil {
			t.Fatalf("ReceiptLineKey: %v", err)
		}
		if key != "RLK-4242" {
			t.Fatalf("key = %q, want RLK-4242", key)
		}
	}
	if got := dashboardHits.Load(); got != 1 {
		t.Errorf("dashboard fetched %d times, want 1", got)
	}
}

func TestFetcher_FetchLiveMetrics(t *testing.T) {
	f, _, _ := newTestFetcher(t)

	body, err := f.FetchLiveMetrics(context.Background())
	if err != nil {
		t.Fatalf("FetchLiveMetrics: %v", err)
	}
	if !strings.Contains(string(body), `"dataset"`) {
		t.Errorf("body missing dataset envelope: %q", truncate(string(body), 120))
	}
}

func TestFetcher_LiveMetricsMaintenancePageIsTransportError(t *testing.T) {
	// A vendor outage serves an HTML maintenance page with status 200
	// from the AJAX endpoint. That is the portal failing, not our
	// parsers, so it must classify as transport.
	p := newFakePortal("user@example.com", "secret")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginFormBody)
	})
	mux.HandleFunc("POST /login", p.handleLogin)
	mux.HandleFunc("GET /dashboard", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, dashboardPage)
	}))
	mux.HandleFunc("POST /device/ajaxChart", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>maintenance en cours</body></html>`)
	}))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := NewFetcher(newTestSession(t, ts.URL), testLogger(t))
	_, err := f.FetchLiveMetrics(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v (%T), want *TransportError", err, err)
	}
	if !strings.Contains(terr.Error(), "content type") {
		t.Errorf("error = %q, want content type mention", terr.Error())
	}
}

func TestIsJSONContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/problem+json", true},
		{"text/json", true},
		{"text/html; charset=utf-8", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isJSONContentType(tt.ct); got != tt.want {
			t.Errorf("isJSONContentType(%q) = %t, want %t", tt.ct, got, tt.want)
		}
	}
}

func TestFetcher_FetchConfigurationPage(t *testing.T) {
	f, _, _ := newTestFetcher(t)

	body, err := f.FetchConfigurationPage(context.Background())
	if err != nil {
		t.Fatalf("FetchConfigurationPage: %v", err)
	}
	if !strings.Contains(string(body), "N° série") {
		t.Errorf("body missing serial marker: %q", truncate(string(body), 120))
	}
}

func TestFetcher_NoDeviceOnDashboard(t *testing.T) {
	p := newFakePortal("user@example.com", "secret")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginFormBody)
	})
	mux.HandleFunc("POST /login", p.handleLogin)
	mux.HandleFunc("GET /dashboard", p.requireSession(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>Aucun appareil enregistré</p></body></html>`)
	}))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := NewFetcher(newTestSession(t, ts.URL), testLogger(t))
	_, err := f.ReceiptLineKey(context.Background())
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v (%T), want *ParseError", err, err)
	}
	if perr.Field != "receipt_line_key" {
		t.Errorf("ParseError.Field = %q, want receipt_line_key", perr.Field)
	}
}

func TestExtractReceiptLineKey(t *testing.T) {
	tests := []struct {
		name    string
		page    string
		want    string
		wantErr bool
	}{
		{
			name: "key with trailing params",
			page: `<a href="/device?receiptLineKey=ABC&other=1">x</a>`,
			want: "ABC",
		},
		{
			name: "first of several devices wins",
			page: `<a href="/device?receiptLineKey=FIRST">a</a><a href="/device?receiptLineKey=SECOND">b</a>`,
			want: "FIRST",
		},
		{
			name:    "no anchor",
			page:    `<div>receiptLineKey=NOPE</div>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractReceiptLineKey([]byte(tt.page))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractReceiptLineKey = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractReceiptLineKey: %v", err)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
