package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/musabulbul/kurumtakip/dispatch"
	"github.com/musabulbul/kurumtakip/session"
)

const maxSendBodySize = 64 << 10

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true})
}

// GetCode handles GET /get-code.
// Resolves the tenant's session, starting it if needed, and requests a
// pairing code for the phone number.
func (a *API) GetCode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	phone := strings.TrimSpace(q.Get("phone"))
	if phone == "" {
		writeError(w, http.StatusBadRequest, CodePhoneRequired)
		return
	}
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		tenantID = q.Get("kurum_id")
	}

	ctx, span := a.tracer.Start(r.Context(), "api.get_code", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	s, err := a.session(ctx, tenantID)
	if err != nil {
		a.fail(ctx, w, r, AuditPairingCodeFailed, tenantID, err, CodePairingCodeFailed)
		return
	}
	if blocked, retryAfter := a.pairing.check(tenantID); blocked {
		a.audit.logFailure(AuditPairingCodeFailed, r, tenantID, CodeTooManyRequests, errPairingThrottled)
		writeRateLimited(w, retryAfter)
		return
	}
	a.pairing.record(tenantID)
	code, err := a.dispatcher.PairingCode(ctx, s, phone)
	if err != nil {
		a.fail(ctx, w, r, AuditPairingCodeFailed, tenantID, err, CodePairingCodeFailed)
		return
	}

	a.audit.logEvent(AuditPairingCodeIssued, r, tenantID, s.ID())
	writeJSON(w, http.StatusOK, PairingCodeResponse{Code: code})
}

// SendMessage handles POST /send-message.
// Waits for the tenant's session to open, applies the jitter delay and sends
// the text. The response reports the delay that was applied.
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SendMessageRequest](w, r, maxSendBodySize)
	if !ok {
		return
	}
	recipient := strings.TrimSpace(string(req.Recipient))
	if recipient == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, CodeRecipientRequired)
		return
	}
	tenantID := req.tenant()

	ctx, span := a.tracer.Start(r.Context(), "api.send_message", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	s, err := a.session(ctx, tenantID)
	if err != nil {
		a.fail(ctx, w, r, AuditMessageFailed, tenantID, err, CodeSendMessageFailed)
		return
	}

	minDelay := dispatch.Seconds(req.DelayMin, a.minDelay)
	maxDelay := dispatch.Seconds(req.DelayMax, a.maxDelay)
	delay, err := a.dispatcher.Send(ctx, s, recipient, string(req.Message), minDelay, maxDelay)
	if err != nil {
		a.fail(ctx, w, r, AuditMessageFailed, tenantID, err, CodeSendMessageFailed)
		return
	}

	a.audit.logEvent(AuditMessageSent, r, tenantID, s.ID(), slog.Int64("delayed_ms", delay.Milliseconds()))
	writeJSON(w, http.StatusOK, SendMessageResponse{OK: true, DelayedMS: delay.Milliseconds()})
}

// ListSessions handles GET /sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	all := a.sessions.List()
	limit, offset := parsePagination(r)
	start, end, pgMeta := paginateSlice(len(all), limit, offset)

	snapshots := make([]session.Snapshot, 0, end-start)
	for _, s := range all[start:end] {
		snapshots = append(snapshots, s.Snapshot())
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: snapshots, PaginationMeta: pgMeta})
}

// GetSession handles GET /sessions/{sessionID}.
// Only sessions that were already started are reported; this never starts one.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeSessionIDInvalid)
		return nil, false
	}
	s, ok := a.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeSessionNotFound)
		return nil, false
	}
	return s, true
}

// session resolves tenantID and returns its live session.
func (a *API) session(ctx context.Context, tenantID string) (*session.Session, error) {
	sessionID, err := a.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("session.id", sessionID))
	s, err := a.sessions.GetOrInit(ctx, sessionID)
	if errors.Is(err, session.ErrInvalidSessionID) {
		// The tenant document is wrong; a corrected one must be read on the next request.
		a.tenants.Invalidate(tenantID)
	}
	return s, err
}

// fail classifies err, audits it and writes the error response.
func (a *API) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, event AuditEvent, tenantID string, err error, fallback string) {
	status, code := classifyError(err, fallback)
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	a.audit.logFailure(event, r, tenantID, code, err)
	writeError(w, status, code)
}
