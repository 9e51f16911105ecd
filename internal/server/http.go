package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/admin3-rules/internal/checkout"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/metrics"
	"github.com/matt-riley/admin3-rules/internal/middleware"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/service"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	defaultListLimit        = 100
	maxListLimit            = 1000
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the public rules and checkout API and the admin API.
type HTTPServer struct {
	service         Service
	engine          Engine
	checkout        Checkout
	metrics         *metrics.Metrics
	logger          *slog.Logger
	maxBodyBytes    int64
	checkoutLimiter *middleware.RateLimiter
	sessionOpts     []middleware.SessionOption
}

// Option configures an HTTPServer.
type Option func(*HTTPServer)

// WithMetrics records per-route request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// default of 1 MiB.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithCheckoutLimiter throttles order submissions per session.
func WithCheckoutLimiter(rl *middleware.RateLimiter) Option {
	return func(s *HTTPServer) { s.checkoutLimiter = rl }
}

// WithSessionOptions configures the checkout session cookie.
func WithSessionOptions(opts ...middleware.SessionOption) Option {
	return func(s *HTTPServer) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

func NewHTTPServer(svc Service, eng Engine, co Checkout, opts ...Option) *HTTPServer {
	if svc == nil {
		panic("service is nil")
	}
	if eng == nil {
		panic("engine is nil")
	}
	if co == nil {
		panic("checkout is nil")
	}

	s := &HTTPServer{
		service:      svc,
		engine:       eng,
		checkout:     co,
		logger:       slog.Default(),
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PublicHandler serves the storefront-facing endpoints.
func (s *HTTPServer) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	session := middleware.HTTPSession(s.sessionOpts...)
	limit := middleware.CheckoutRateLimit(s.checkoutLimiter)

	s.handle(mux, "POST /rules/engine/execute", session(http.HandlerFunc(s.handleExecute)))
	s.handle(mux, "POST /rules/acknowledge", session(http.HandlerFunc(s.handleAcknowledge)))
	s.handle(mux, "POST /rules/preferences", session(http.HandlerFunc(s.handlePreferences)))
	s.handle(mux, "POST /orders/checkout", session(limit(http.HandlerFunc(s.handleSubmitOrder))))
	s.handle(mux, "GET /checkout/state", session(http.HandlerFunc(s.handleCheckoutState)))
	s.handle(mux, "GET /healthz", http.HandlerFunc(s.handleHealthz))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// AdminHandler serves the /v1 authoring API. Callers wrap it with bearer
// authentication; the principal is recorded as the audit actor.
func (s *HTTPServer) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /v1/rules", http.HandlerFunc(s.handleCreateRule))
	s.handle(mux, "GET /v1/rules", http.HandlerFunc(s.handleListRules))
	s.handle(mux, "GET /v1/rules/{code}", http.HandlerFunc(s.handleGetRule))
	s.handle(mux, "PUT /v1/rules/{code}", http.HandlerFunc(s.handleUpdateRule))
	s.handle(mux, "DELETE /v1/rules/{code}", http.HandlerFunc(s.handleDeleteRule))
	s.handle(mux, "GET /v1/rules/{code}/versions", http.HandlerFunc(s.handleListRuleVersions))

	s.handle(mux, "POST /v1/templates", http.HandlerFunc(s.handleCreateTemplate))
	s.handle(mux, "GET /v1/templates", http.HandlerFunc(s.handleListTemplates))
	s.handle(mux, "GET /v1/templates/{name}", http.HandlerFunc(s.handleGetTemplate))
	s.handle(mux, "PUT /v1/templates/{name}", http.HandlerFunc(s.handleUpdateTemplate))
	s.handle(mux, "DELETE /v1/templates/{name}", http.HandlerFunc(s.handleDeleteTemplate))

	s.handle(mux, "POST /v1/schemas", http.HandlerFunc(s.handleCreateSchema))
	s.handle(mux, "GET /v1/schemas", http.HandlerFunc(s.handleListSchemas))

	s.handle(mux, "GET /v1/entry-points", http.HandlerFunc(s.handleListEntryPoints))
	s.handle(mux, "GET /v1/executions", http.HandlerFunc(s.handleListExecutions))
	s.handle(mux, "GET /v1/audit-log", http.HandlerFunc(s.handleListAuditLog))
	s.handle(mux, "POST /v1/engine/dry-run", http.HandlerFunc(s.handleDryRun))

	return mux
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) instrument(route string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		status := strconv.Itoa(rec.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type executeRequest struct {
	EntryPoint string          `json:"entryPoint"`
	Context    json.RawMessage `json:"context"`
}

type executeResponse struct {
	*engine.Result
	Checkout *checkout.StepResult `json:"checkout,omitempty"`
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	ep, data, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}

	if ep.IsCheckout() {
		sessionID, _ := middleware.SessionIDFromContext(r.Context())
		step, err := s.checkout.RunStep(r.Context(), sessionID, ep, data)
		if err != nil {
			if errors.Is(err, checkout.ErrInvalidTransition) {
				s.writeTransitionError(w, r, sessionID, err)
				return
			}
			s.writeServiceError(w, err)
			return
		}
		writeExecuteResult(w, executeResponse{Result: step.Result, Checkout: step})
		return
	}

	result, err := s.engine.Execute(r.Context(), string(ep), data)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeExecuteResult(w, executeResponse{Result: result})
}

func (s *HTTPServer) handleDryRun(w http.ResponseWriter, r *http.Request) {
	ep, data, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.Execute(r.Context(), string(ep), data, engine.DryRun())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeExecuteResult(w, executeResponse{Result: result})
}

func (s *HTTPServer) decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (core.EntryPoint, any, bool) {
	var request executeRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return "", nil, false
	}
	if strings.TrimSpace(request.EntryPoint) == "" {
		writeJSONError(w, http.StatusBadRequest, "entryPoint is required")
		return "", nil, false
	}
	ep, err := core.ParseEntryPoint(request.EntryPoint)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	data, err := decodeContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return ep, data, true
}

// decodeContext decodes an execution context. An absent context is an empty
// object; anything other than an object is rejected.
func decodeContext(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	data, err := core.DecodeJSON(raw)
	if err != nil {
		return nil, errors.New("invalid context")
	}
	if _, ok := data.(map[string]any); !ok {
		return nil, errors.New("context must be a JSON object")
	}
	return data, nil
}

func writeExecuteResult(w http.ResponseWriter, resp executeResponse) {
	status := http.StatusOK
	if resp.Result != nil && resp.Result.AllSchemaInvalid() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (s *HTTPServer) writeTransitionError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	body := map[string]any{"error": err.Error()}
	if session, loadErr := s.checkout.Session(r.Context(), sessionID); loadErr == nil {
		body["checkout"] = map[string]any{"state": session.State}
	}
	writeJSON(w, http.StatusConflict, body)
}

type acknowledgeRequest struct {
	EntryPoint   string `json:"entry_point_location"`
	AckKey       string `json:"ackKey"`
	MessageID    string `json:"message_id"`
	Acknowledged *bool  `json:"acknowledged"`
}

func (s *HTTPServer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var request acknowledgeRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	acknowledged := true
	if request.Acknowledged != nil {
		acknowledged = *request.Acknowledged
	}

	sessionID, _ := middleware.SessionIDFromContext(r.Context())
	session, err := s.checkout.Acknowledge(r.Context(), sessionID, core.AcknowledgmentRecord{
		EntryPoint:   core.EntryPoint(request.EntryPoint),
		AckKey:       request.AckKey,
		MessageID:    request.MessageID,
		Acknowledged: acknowledged,
		IPAddress:    middleware.ExtractIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkout": session})
}

type preferencesRequest struct {
	Preferences map[string]json.RawMessage `json:"preferences"`
	// UserID is accepted from storefront clients; the order carries the user.
	UserID *int64 `json:"user_id,omitempty"`
}

func (s *HTTPServer) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var request preferencesRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Preferences) == 0 {
		writeJSONError(w, http.StatusBadRequest, "preferences is required")
		return
	}

	sessionID, _ := middleware.SessionIDFromContext(r.Context())
	session, err := s.checkout.SetPreferences(r.Context(), sessionID, request.Preferences)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkout": session})
}

type submitOrderRequest struct {
	CartID  int64           `json:"cart_id"`
	UserID  *int64          `json:"user_id,omitempty"`
	Context json.RawMessage `json:"context"`
}

type submitOrderResponse struct {
	Success bool              `json:"success"`
	Order   *repository.Order `json:"order,omitempty"`
	Blocked bool              `json:"blocked,omitempty"`
	Missing []core.AckID      `json:"missing_acknowledgments,omitempty"`
}

func (s *HTTPServer) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var request submitOrderRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.CartID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "cart_id is required")
		return
	}
	data, err := decodeContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID, _ := middleware.SessionIDFromContext(r.Context())
	result, err := s.checkout.SubmitOrder(r.Context(), sessionID, checkout.OrderRequest{
		CartID:  request.CartID,
		UserID:  request.UserID,
		Context: data,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if result.Blocked {
		writeJSON(w, http.StatusOK, submitOrderResponse{Blocked: true, Missing: result.Missing})
		return
	}
	writeJSON(w, http.StatusCreated, submitOrderResponse{Success: true, Order: result.Order})
}

func (s *HTTPServer) handleCheckoutState(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := middleware.SessionIDFromContext(r.Context())
	session, err := s.checkout.Session(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(rule.Code) == "" {
		writeJSONError(w, http.StatusBadRequest, "rule_code is required")
		return
	}

	created, err := s.service.CreateRule(r.Context(), rule, actor(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context(), r.URL.Query().Get("entry_point"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	code, ok := pathValue(w, r, "code")
	if !ok {
		return
	}
	rule, err := s.service.GetRule(r.Context(), code)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	code, ok := pathValue(w, r, "code")
	if !ok {
		return
	}

	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(rule.Code) != "" && rule.Code != code {
		writeJSONError(w, http.StatusBadRequest, "path code and body rule_code must match")
		return
	}
	rule.Code = code

	updated, err := s.service.UpdateRule(r.Context(), rule, actor(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	code, ok := pathValue(w, r, "code")
	if !ok {
		return
	}
	if err := s.service.DeleteRule(r.Context(), code, actor(r.Context())); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListRuleVersions(w http.ResponseWriter, r *http.Request) {
	code, ok := pathValue(w, r, "code")
	if !ok {
		return
	}
	versions, err := s.service.ListRuleVersions(r.Context(), code)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *HTTPServer) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t core.Template
	if err := s.decodeJSONBody(w, r, &t); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(t.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateTemplate(r.Context(), t, actor(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.service.ListTemplates(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *HTTPServer) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := pathValue(w, r, "name")
	if !ok {
		return
	}
	t, err := s.service.GetTemplate(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := pathValue(w, r, "name")
	if !ok {
		return
	}

	var t core.Template
	if err := s.decodeJSONBody(w, r, &t); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(t.Name) != "" && t.Name != name {
		writeJSONError(w, http.StatusBadRequest, "path name and body name must match")
		return
	}
	t.Name = name

	updated, err := s.service.UpdateTemplate(r.Context(), t, actor(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := pathValue(w, r, "name")
	if !ok {
		return
	}
	if err := s.service.DeleteTemplate(r.Context(), name, actor(r.Context())); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSchemaRequest struct {
	Code   string          `json:"schema_code"`
	Schema json.RawMessage `json:"schema"`
}

func (s *HTTPServer) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var request createSchemaRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Code) == "" {
		writeJSONError(w, http.StatusBadRequest, "schema_code is required")
		return
	}
	if len(request.Schema) == 0 {
		writeJSONError(w, http.StatusBadRequest, "schema is required")
		return
	}

	created, err := s.service.CreateSchemaVersion(r.Context(), request.Code, request.Schema, actor(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.service.ListSchemas(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (s *HTTPServer) handleListEntryPoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.service.ListEntryPoints(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *HTTPServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.service.ListExecutions(r.Context(), r.URL.Query().Get("entry_point"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	entries, err := s.service.ListAuditLog(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(limit, maxListLimit), nil
}

func pathValue(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := strings.TrimSpace(r.PathValue(name))
	if value == "" {
		writeJSONError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return value, true
}

func actor(ctx context.Context) string {
	if principal, ok := middleware.PrincipalFromContext(ctx); ok {
		return principal
	}
	return ""
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status := serviceErrorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(status, err))
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidTemplate),
		errors.Is(err, service.ErrInvalidSchema),
		errors.Is(err, core.ErrUnknownEntryPoint),
		errors.Is(err, checkout.ErrNotCheckoutStep),
		errors.Is(err, checkout.ErrSessionRequired),
		errors.Is(err, checkout.ErrInvalidAcknowledgment),
		errors.Is(err, checkout.ErrInvalidPreference),
		errors.Is(err, checkout.ErrCartMismatch):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, service.ErrTemplateNotFound),
		errors.Is(err, service.ErrSchemaNotFound),
		errors.Is(err, checkout.ErrCartNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRuleExists),
		errors.Is(err, service.ErrTemplateExists),
		errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, checkout.ErrAlreadyOrdered),
		errors.Is(err, repository.ErrCartOrdered):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrValidationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func serviceErrorMessage(status int, err error) string {
	switch {
	case status == http.StatusRequestTimeout:
		return "request canceled"
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		return "internal server error"
	default:
		return err.Error()
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSONBody(w, r, dst, s.maxBodyBytes)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return fmt.Errorf("decode json body: %w", err)
}
