package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"homerbot/internal/automation"
	"homerbot/internal/clock"
	"homerbot/internal/otp"
	"homerbot/internal/session"
	"homerbot/internal/storage"
	logx "homerbot/pkg/logx"
)

type testDriver struct {
	mu        sync.Mutex
	pending   automation.InputKind
	submitted []string
}

func (d *testDriver) Init(ctx context.Context) error { return nil }
func (d *testDriver) Login(ctx context.Context) automation.Result {
	// Stay pending so handler tests control the state explicitly.
	return automation.Result{}
}
func (d *testDriver) PendingInputType() automation.InputKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
func (d *testDriver) PendingInputData() any { return map[string]any{"phoneMask": "*1234"} }
func (d *testDriver) SubmitInput(value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == automation.InputNone {
		return false
	}
	d.submitted = append(d.submitted, value)
	d.pending = automation.InputNone
	return true
}
func (d *testDriver) Transfer(ctx context.Context) automation.Result {
	return automation.Result{Success: true}
}
func (d *testDriver) Stats() automation.Stats {
	return automation.Stats{LifetimeMinutes: 5}
}
func (d *testDriver) Close(ctx context.Context, deleteData bool) error { return nil }

type testEnv struct {
	router  chi.Router
	reg     *session.Registry
	drivers []*testDriver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	reg := session.NewRegistry(session.Config{}, clk, nil, logx.Nop())
	bridge := otp.NewBridge(otp.NewMemoryStore(clk), reg, nil, time.Minute, logx.Nop())

	env := &testEnv{reg: reg}
	factory := func(username, phone string) (automation.Driver, error) {
		d := &testDriver{}
		env.drivers = append(env.drivers, d)
		return d, nil
	}

	h := NewHandler(reg, bridge, storage.Disabled(), factory, logx.Nop())
	r := chi.NewRouter()
	h.routes(r, rateLimit(100))
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad JSON response %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec, out
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec, out := e.do(t, http.MethodPost, "/auth/login", `{"username":"alice","phone":"79991112233"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := out["sessionId"].(string)
	if id == "" {
		t.Fatal("login returned no sessionId")
	}
	return id
}

// Clients decode the documented flat bodies; the payload fields sit next
// to the success flag, not under a wrapper.
func TestLoginBodyIsFlat(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/auth/login", `{"username":"alice","phone":"79991112233"}`)
	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.SessionID == "" {
		t.Fatalf("flat decode = %+v, want success with sessionId", resp)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	id := env.login(t)

	if _, err := env.reg.Get(id); err != nil {
		t.Fatalf("session not registered: %v", err)
	}

	rec, out := env.do(t, http.MethodPost, "/auth/login", `{"username":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty username status = %d, want 400", rec.Code)
	}
	if ok, _ := out["success"].(bool); ok {
		t.Fatal("success true on validation failure")
	}
}

func TestPendingInput(t *testing.T) {
	env := newTestEnv(t)
	id := env.login(t)

	rec, out := env.do(t, http.MethodGet, "/auth/pending-input?sessionId="+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["pendingType"] != nil {
		t.Fatalf("pendingType = %v, want null", out["pendingType"])
	}
	if auth, _ := out["authenticated"].(bool); auth {
		t.Fatal("fresh session reports authenticated")
	}

	// Driver starts asking for a passcode.
	env.drivers[0].mu.Lock()
	env.drivers[0].pending = automation.InputSMSCode
	env.drivers[0].mu.Unlock()

	_, out = env.do(t, http.MethodGet, "/auth/pending-input?sessionId="+id, "")
	if out["pendingType"] != string(automation.InputSMSCode) {
		t.Fatalf("pendingType = %v, want sms_code", out["pendingType"])
	}
	if out["pendingData"] == nil {
		t.Fatal("pendingData missing while input pending")
	}

	rec, _ = env.do(t, http.MethodGet, "/auth/pending-input?sessionId=unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestSubmitInput(t *testing.T) {
	env := newTestEnv(t)
	id := env.login(t)

	// No input pending yet.
	rec, _ := env.do(t, http.MethodPost, "/auth/submit-input", `{"sessionId":"`+id+`","value":"1234"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no-pending status = %d, want 400", rec.Code)
	}

	env.drivers[0].mu.Lock()
	env.drivers[0].pending = automation.InputSMSCode
	env.drivers[0].mu.Unlock()

	rec, _ = env.do(t, http.MethodPost, "/auth/submit-input", `{"sessionId":"`+id+`","value":"1234"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := env.drivers[0].submitted; len(got) != 1 || got[0] != "1234" {
		t.Fatalf("driver got %v, want [1234]", got)
	}

	rec, _ = env.do(t, http.MethodPost, "/auth/submit-input", `{"sessionId":"unknown","value":"1234"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestNotifyCode(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.do(t, http.MethodPost, "/auth/notify-code", `{"message":"Код подтверждения: 4321"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if queued, _ := out["queued"].(bool); !queued {
		t.Fatal("code with no waiter should be queued")
	}

	rec, _ = env.do(t, http.MethodPost, "/auth/notify-code", `{"message":"hello there"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no-code status = %d, want 400", rec.Code)
	}
}

func TestSessionStats(t *testing.T) {
	env := newTestEnv(t)
	id := env.login(t)

	// Stats are driver-reported and available for any known session.
	rec, out := env.do(t, http.MethodGet, "/session/stats?sessionId="+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unauthenticated stats status = %d, want 200", rec.Code)
	}
	if auth, _ := out["authenticated"].(bool); auth {
		t.Fatal("fresh session reports authenticated")
	}
	if _, present := out["authenticatedAt"]; present {
		t.Fatal("authenticatedAt present before authentication")
	}

	if err := env.reg.MarkAuthenticated(id); err != nil {
		t.Fatalf("mark: %v", err)
	}
	rec, out = env.do(t, http.MethodGet, "/session/stats?sessionId="+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if auth, _ := out["authenticated"].(bool); !auth {
		t.Fatal("authenticated flag not set")
	}
	if out["authenticatedAt"] == nil {
		t.Fatal("authenticatedAt missing after authentication")
	}
	stats := out["stats"].(map[string]any)
	if stats["lifetimeMinutes"] != float64(5) {
		t.Fatalf("lifetimeMinutes = %v, want 5", stats["lifetimeMinutes"])
	}

	rec, _ = env.do(t, http.MethodGet, "/session/stats?sessionId=unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t)
	id := env.login(t)

	rec, out := env.do(t, http.MethodPost, "/auth/logout", `{"sessionId":"`+id+`","deleteData":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if ok, _ := out["success"].(bool); !ok {
		t.Fatal("logout not successful")
	}

	// Logging out a gone session is still a success.
	rec, out = env.do(t, http.MethodPost, "/auth/logout", `{"sessionId":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat logout status = %d", rec.Code)
	}
	if ok, _ := out["success"].(bool); !ok {
		t.Fatal("repeat logout not successful")
	}
}

func TestRecentTransfersWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/transfers/recent", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	rec, out := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["sessions"] != float64(1) {
		t.Fatalf("sessions = %v, want 1", out["sessions"])
	}
}

func TestNotifyCodeRateLimit(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	reg := session.NewRegistry(session.Config{}, clk, nil, logx.Nop())
	bridge := otp.NewBridge(otp.NewMemoryStore(clk), reg, nil, time.Minute, logx.Nop())
	h := NewHandler(reg, bridge, storage.Disabled(), nil, logx.Nop())

	r := chi.NewRouter()
	h.routes(r, rateLimit(1)) // 1/s, burst 2

	body := `{"message":"Код подтверждения: 1111"}`
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/notify-code", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third burst request = %d, want 429", codes[2])
	}
}
