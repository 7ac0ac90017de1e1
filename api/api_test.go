package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/musabulbul/kurumtakip/api"
	"github.com/musabulbul/kurumtakip/credstore"
	"github.com/musabulbul/kurumtakip/dispatch"
	"github.com/musabulbul/kurumtakip/internal/uuid"
	"github.com/musabulbul/kurumtakip/protocol/loopback"
	"github.com/musabulbul/kurumtakip/session"
	"github.com/musabulbul/kurumtakip/tenant"
	"github.com/musabulbul/kurumtakip/tenant/memory"
)

type testEnv struct {
	server   *httptest.Server
	registry *session.Registry
	store    *memory.Store
	credsURL string
}

type envOptions struct {
	connectDelay   time.Duration
	connectTimeout time.Duration
	pairingLimit   int
	tenantCacheTTL time.Duration
}

func setupServer(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.connectTimeout == 0 {
		opts.connectTimeout = 2 * time.Second
	}

	store := memory.NewStore()
	store.Put(tenant.DefaultCollection, "acme", tenant.Document{"session_id": "s-acme", "name": "Acme"})
	store.Put(tenant.DefaultCollection, "42", tenant.Document{"session_id": float64(905551234567)})
	store.Put(tenant.DefaultCollection, "blank", tenant.Document{"name": "No session"})
	store.Put(tenant.DefaultCollection, "evil", tenant.Document{"session_id": "../escape"})
	resolver := tenant.NewResolver(store, tenant.WithCacheTTL(opts.tenantCacheTTL))

	credsURL := "mem://localhost/api-" + uuid.Short()
	registry := session.NewRegistry(t.TempDir(),
		&loopback.Dialer{ConnectDelay: opts.connectDelay},
		session.WithCredentialStore(credstore.New(credsURL)),
	)
	t.Cleanup(func() { registry.Close() })

	d := dispatch.New(
		dispatch.WithConnectTimeout(opts.connectTimeout),
		dispatch.WithPairingSettle(0),
	)
	apiOpts := []api.Option{
		api.WithDispatcher(d),
		api.WithDefaultDelays(0, 10*time.Millisecond),
	}
	if opts.pairingLimit > 0 {
		apiOpts = append(apiOpts, api.WithPairingLimit(opts.pairingLimit))
	}
	a := api.New(resolver, registry, apiOpts...)
	r := chi.NewRouter()
	r.Mount("/", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, registry: registry, store: store, credsURL: credsURL}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
		}
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	assert.Equal(t, code, decode[api.ErrorResponse](t, resp).Error)
}

// pair requests a code for tenant and confirms it on the loopback client.
func (e *testEnv) pair(t *testing.T, tenantID, sessionID string) {
	t.Helper()
	resp := doJSON(t, http.MethodGet, e.server.URL+"/get-code?phone=905551234567&tenant_id="+tenantID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	s, ok := e.registry.Get(sessionID)
	require.True(t, ok)
	require.NoError(t, s.Client().(*loopback.Client).ConfirmPairing(context.Background()))
}

func TestHealth(t *testing.T) {
	env := setupServer(t, envOptions{})
	resp := doJSON(t, http.MethodGet, env.server.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.True(t, decode[api.HealthResponse](t, resp).OK)
}

func TestGetCodeValidation(t *testing.T) {
	env := setupServer(t, envOptions{})
	base := env.server.URL + "/get-code"

	tests := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{"phone missing", "?tenant_id=acme", http.StatusBadRequest, api.CodePhoneRequired},
		{"tenant missing", "?phone=905551234567", http.StatusBadRequest, api.CodeTenantIDRequired},
		{"tenant unknown", "?phone=905551234567&tenant_id=nobody", http.StatusNotFound, api.CodeTenantNotFound},
		{"session field missing", "?phone=905551234567&tenant_id=blank", http.StatusUnprocessableEntity, api.CodeSessionIDMissing},
		{"session id unsafe", "?phone=905551234567&tenant_id=evil", http.StatusUnprocessableEntity, api.CodeSessionIDInvalid},
		{"phone without digits", "?phone=abc&tenant_id=acme", http.StatusBadRequest, api.CodePhoneInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, doJSON(t, http.MethodGet, base+tt.query, nil), tt.status, tt.code)
		})
	}
	_, ok := env.registry.Get("../escape")
	assert.False(t, ok, "unsafe ids never start a session")
}

func TestLegacyErrorCodes(t *testing.T) {
	env := setupServer(t, envOptions{})
	resp := doJSON(t, http.MethodGet, env.server.URL+"/get-code?phone=905551234567", nil)
	requireError(t, resp, http.StatusBadRequest, "kurum_id_required")
	resp = doJSON(t, http.MethodGet, env.server.URL+"/get-code?phone=905551234567&kurum_id=nobody", nil)
	requireError(t, resp, http.StatusNotFound, "kurum_not_found")
}

func TestInvalidSessionIDIsNotCached(t *testing.T) {
	env := setupServer(t, envOptions{tenantCacheTTL: time.Hour})
	url := env.server.URL + "/get-code?phone=905551234567&tenant_id=evil"

	requireError(t, doJSON(t, http.MethodGet, url, nil), http.StatusUnprocessableEntity, api.CodeSessionIDInvalid)

	env.store.Put(tenant.DefaultCollection, "evil", tenant.Document{"session_id": "s-fixed"})
	resp := doJSON(t, http.MethodGet, url, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	_, ok := env.registry.Get("s-fixed")
	assert.True(t, ok)
}

func TestGetCodeIssuesAndPersists(t *testing.T) {
	env := setupServer(t, envOptions{})

	resp := doJSON(t, http.MethodGet, env.server.URL+"/get-code?phone=%2B90+555+123+45+67&kurum_id=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.PairingCodeResponse](t, resp)
	assert.Len(t, got.Code, 8)

	_, ok := env.registry.Get("s-acme")
	require.True(t, ok, "session started on first use")

	exists, err := afs.New().Exists(context.Background(), url.Join(url.Join(env.credsURL, "s-acme"), loopback.CredentialsFile))
	require.NoError(t, err)
	assert.True(t, exists, "credential changes reach the blob store")
}

func TestGetCodeAlreadyRegistered(t *testing.T) {
	env := setupServer(t, envOptions{})
	env.pair(t, "acme", "s-acme")

	resp := doJSON(t, http.MethodGet, env.server.URL+"/get-code?phone=905551234567&tenant_id=acme", nil)
	requireError(t, resp, http.StatusConflict, api.CodeAlreadyRegistered)
}

func TestGetCodeThrottled(t *testing.T) {
	env := setupServer(t, envOptions{pairingLimit: 2})
	codeURL := env.server.URL + "/get-code?phone=905551234567&tenant_id=acme"

	for range 2 {
		resp := doJSON(t, http.MethodGet, codeURL, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, codeURL, nil)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	requireError(t, resp, http.StatusTooManyRequests, api.CodeTooManyRequests)

	// Other tenants are unaffected.
	resp = doJSON(t, http.MethodGet, env.server.URL+"/get-code?phone=905551234567&tenant_id=42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageValidation(t *testing.T) {
	env := setupServer(t, envOptions{})
	base := env.server.URL + "/send-message"

	requireError(t, doJSON(t, http.MethodPost, base, `{"recipient":`), http.StatusBadRequest, api.CodeInvalidJSON)
	requireError(t, doJSON(t, http.MethodPost, base, `{"recipient":true}`), http.StatusBadRequest, api.CodeInvalidJSON)
	requireError(t, doJSON(t, http.MethodPost, base, ""), http.StatusBadRequest, api.CodeRecipientRequired)
	requireError(t, doJSON(t, http.MethodPost, base, map[string]any{"recipient": "905551234567"}), http.StatusBadRequest, api.CodeRecipientRequired)
	requireError(t, doJSON(t, http.MethodPost, base, map[string]any{"message": "hi"}), http.StatusBadRequest, api.CodeRecipientRequired)
	requireError(t, doJSON(t, http.MethodPost, base, map[string]any{"recipient": "905551234567", "message": "hi"}),
		http.StatusBadRequest, api.CodeTenantIDRequired)
	requireError(t, doJSON(t, http.MethodPost, base, map[string]any{"recipient": "905551234567", "message": "hi", "tenant_id": "nobody"}),
		http.StatusNotFound, api.CodeTenantNotFound)
}

func TestSendMessage(t *testing.T) {
	env := setupServer(t, envOptions{})
	env.pair(t, "acme", "s-acme")

	resp := doJSON(t, http.MethodPost, env.server.URL+"/send-message", map[string]any{
		"recipient": "+90 555 123 45 67",
		"message":   "Randevunuz yarın 10:00",
		"tenant_id": "acme",
		"delay_min": 0,
		"delay_max": "0.02",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.SendMessageResponse](t, resp)
	assert.True(t, got.OK)
	assert.GreaterOrEqual(t, got.DelayedMS, int64(0))
	assert.LessOrEqual(t, got.DelayedMS, int64(20))

	s, ok := env.registry.Get("s-acme")
	require.True(t, ok)
	sent := s.Client().(*loopback.Client).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "905551234567@s.whatsapp.net", sent[0].Recipient)
	assert.Equal(t, "Randevunuz yarın 10:00", sent[0].Text)
}

func TestSendMessageNumericFields(t *testing.T) {
	env := setupServer(t, envOptions{})
	env.pair(t, "42", "905551234567")

	resp := doJSON(t, http.MethodPost, env.server.URL+"/send-message",
		`{"recipient": 905321112233, "message": "hi", "kurum_id": 42, "delay_min": 0, "delay_max": 0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[api.SendMessageResponse](t, resp).DelayedMS)

	s, _ := env.registry.Get("905551234567")
	sent := s.Client().(*loopback.Client).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "905321112233@s.whatsapp.net", sent[0].Recipient)
}

func TestSendMessageUnregisteredFails(t *testing.T) {
	env := setupServer(t, envOptions{})
	resp := doJSON(t, http.MethodPost, env.server.URL+"/send-message", map[string]any{
		"recipient": "905551234567", "message": "hi", "tenant_id": "acme",
	})
	requireError(t, resp, http.StatusInternalServerError, api.CodeSendMessageFailed)
}

func TestSendMessageConnectionTimeout(t *testing.T) {
	env := setupServer(t, envOptions{connectDelay: time.Hour, connectTimeout: 50 * time.Millisecond})

	start := time.Now()
	resp := doJSON(t, http.MethodPost, env.server.URL+"/send-message", map[string]any{
		"recipient": "905551234567", "message": "hi", "tenant_id": "acme",
	})
	requireError(t, resp, http.StatusGatewayTimeout, "whatsapp_connection_timeout")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSessions(t *testing.T) {
	env := setupServer(t, envOptions{})
	base := env.server.URL + "/sessions"

	list := decode[api.ListSessionsResponse](t, doJSON(t, http.MethodGet, base, nil))
	assert.Empty(t, list.Sessions)
	assert.Equal(t, 0, list.TotalCount)

	env.pair(t, "acme", "s-acme")
	env.pair(t, "42", "905551234567")

	list = decode[api.ListSessionsResponse](t, doJSON(t, http.MethodGet, base+"?limit=1", nil))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "905551234567", list.Sessions[0].ID)
	assert.Equal(t, 2, list.TotalCount)
	assert.True(t, list.HasMore)

	resp := doJSON(t, http.MethodGet, base+"/s-acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[session.Snapshot](t, resp)
	assert.Equal(t, "s-acme", snap.ID)
	assert.True(t, snap.Registered)

	requireError(t, doJSON(t, http.MethodGet, base+"/unknown", nil), http.StatusNotFound, api.CodeSessionNotFound)
	requireError(t, doJSON(t, http.MethodGet, base+"/..", nil), http.StatusUnprocessableEntity, api.CodeSessionIDInvalid)
}

func TestSessionEvents(t *testing.T) {
	env := setupServer(t, envOptions{})
	env.pair(t, "acme", "s-acme")
	s, _ := env.registry.Get("s-acme")
	require.NoError(t, s.WaitForOpen(context.Background(), time.Second))

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/sessions/s-acme/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first api.SessionEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "state", first.Type)
	assert.Equal(t, session.StateOpen, first.State)

	s.Client().(*loopback.Client).Drop(nil)

	var got []session.State
	for len(got) < 3 {
		var ev api.SessionEvent
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "transition", ev.Type)
		require.NotNil(t, ev.Transition)
		got = append(got, ev.Transition.To)
	}
	assert.Equal(t, []session.State{session.StateClosed, session.StateConnecting, session.StateOpen}, got)

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "s-acme", "unknown", 1), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocsServed(t *testing.T) {
	env := setupServer(t, envOptions{})
	resp := doJSON(t, http.MethodGet, env.server.URL+"/openapi.yaml", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))

	resp = doJSON(t, http.MethodGet, env.server.URL+"/docs", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
