package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/refdata"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	h := NewHandler(app.NewGate(), 0)

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestReady_States(t *testing.T) {
	g := app.NewGate()
	h := NewHandler(g, 0)

	rr := do(t, h, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("starting: status = %d", rr.Code)
	}
	var resp ReadyResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "starting" {
		t.Errorf("status = %q, want starting", resp.Status)
	}

	failed := app.NewGate()
	failed.Open(nil, errors.New("model unavailable"))
	rr = do(t, NewHandler(failed, 0), http.MethodGet, "/ready", "")
	json.NewDecoder(rr.Body).Decode(&resp)
	if rr.Code != http.StatusServiceUnavailable || resp.Status != "failed" || resp.Error == "" {
		t.Errorf("failed: status=%d body=%+v", rr.Code, resp)
	}

	ready, a := readyGate(t)
	rr = do(t, NewHandler(ready, 0), http.MethodGet, "/ready", "")
	resp = ReadyResponse{}
	json.NewDecoder(rr.Body).Decode(&resp)
	if rr.Code != http.StatusOK || resp.Status != "ready" {
		t.Fatalf("ready: status=%d body=%+v", rr.Code, resp)
	}
	if resp.Codes != a.Store.Len() || resp.Complaints != a.Matcher.Len() || resp.Model != "test-embed" {
		t.Errorf("ready body = %+v", resp)
	}
}

func TestV1_WaitsForInitializationWithinTimeout(t *testing.T) {
	h := NewHandler(app.NewGate(), 20*time.Millisecond)

	rr := do(t, h, http.MethodGet, "/v1/codes/P0300", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if got := errorType(t, rr); got != "unavailable_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestV1_InitFailure(t *testing.T) {
	g := app.NewGate()
	g.Open(nil, errors.New("no complaints loaded"))

	rr := do(t, NewHandler(g, 0), http.MethodPost, "/v1/resolve", `{"text":"P0300"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "no complaints loaded") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestResolve_Code(t *testing.T) {
	g, _ := readyGate(t)
	h := NewHandler(g, time.Second)

	rr := do(t, h, http.MethodPost, "/v1/resolve", `{"text":" 0300 "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp ResolveResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "code_found" || resp.Code == nil || resp.Code.Code != "P0300" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Code.Severity != refdata.SeverityHigh {
		t.Errorf("severity = %q", resp.Code.Severity)
	}
	if !strings.Contains(resp.Reply, "P0300") {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestResolve_CodeNotFound(t *testing.T) {
	g, _ := readyGate(t)

	rr := do(t, NewHandler(g, 0), http.MethodPost, "/v1/resolve", `{"text":"p9999"}`)
	var resp ResolveResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Kind != "code_not_found" || resp.Match != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Reply, "Code 'P9999' not found") {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestResolve_ComplaintWithAlternatives(t *testing.T) {
	g, a := readyGate(t)
	c := a.Store.Complaints()[2]

	body, _ := json.Marshal(ResolveRequest{Text: c.Text(), Alternatives: 2})
	rr := do(t, NewHandler(g, 0), http.MethodPost, "/v1/resolve", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp ResolveResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Kind != "complaint_matched" || resp.Match == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Match.Index != 2 || !resp.Match.Confident {
		t.Errorf("match = %+v", resp.Match)
	}
	if len(resp.Alternatives) != 2 {
		t.Fatalf("got %d alternatives, want 2", len(resp.Alternatives))
	}
	for _, alt := range resp.Alternatives {
		if alt.Index == 2 {
			t.Error("winner repeated among alternatives")
		}
		if alt.Score > resp.Match.Score {
			t.Errorf("alternative %d outranks the winner", alt.Index)
		}
	}
}

func TestResolve_BadRequests(t *testing.T) {
	g, _ := readyGate(t)
	h := NewHandler(g, 0)

	for _, body := range []string{`{"text":"   "}`, `not json`, `{}`} {
		rr := do(t, h, http.MethodPost, "/v1/resolve", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
			continue
		}
		if got := errorType(t, rr); got != "invalid_request_error" {
			t.Errorf("body %q: error type = %q", body, got)
		}
	}
}

func TestGetCode(t *testing.T) {
	g, _ := readyGate(t)
	h := NewHandler(g, 0)

	rr := do(t, h, http.MethodGet, "/v1/codes/c0040", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var e refdata.CodeEntry
	json.NewDecoder(rr.Body).Decode(&e)
	if e.Code != "C0040" || len(e.Causes) == 0 {
		t.Errorf("entry = %+v", e)
	}

	rr = do(t, h, http.MethodGet, "/v1/codes/P9999", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := errorType(t, rr); got != "not_found_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestListCodes(t *testing.T) {
	g, a := readyGate(t)
	h := NewHandler(g, 0)

	list := func(path string) []refdata.CodeSummary {
		t.Helper()
		rr := do(t, h, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rr.Code)
		}
		var out []refdata.CodeSummary
		json.NewDecoder(rr.Body).Decode(&out)
		return out
	}

	if got := list("/v1/codes"); len(got) != a.Store.Len() {
		t.Errorf("all: got %d codes, want %d", len(got), a.Store.Len())
	}
	if got := list("/v1/codes?q=misfire"); len(got) != 3 {
		t.Errorf("q=misfire: got %v", got)
	}
	low := list("/v1/codes?severity=low")
	if len(low) != 2 || low[0].Code != "P0128" || low[1].Code != "P0442" {
		t.Errorf("severity=low: got %v", low)
	}
	if got := list("/v1/codes?q=misfire&severity=low"); len(got) != 0 {
		t.Errorf("combined filter: got %v", got)
	}

	rr := do(t, h, http.MethodGet, "/v1/codes?severity=apocalyptic", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad severity: status = %d", rr.Code)
	}
}

func TestRandomCode(t *testing.T) {
	g, a := readyGate(t)

	rr := do(t, NewHandler(g, 0), http.MethodGet, "/v1/codes/random", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp RandomResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if _, ok := a.Store.LookupCode(resp.Code); !ok {
		t.Errorf("random code %q not in table", resp.Code)
	}
	if !strings.Contains(resp.Reply, "Random OBD Code") {
		t.Errorf("reply = %q", resp.Reply)
	}
}
