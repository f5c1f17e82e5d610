package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/dispatch"
	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// maxBodyBytes bounds operation input size
const maxBodyBytes = 1 << 20

// SessionManager is the slice of the session store the server needs for the
// credential-level endpoints.
type SessionManager interface {
	Resolve(ctx context.Context, token string) (*tenant.Identity, error)
	SetCurrentTenant(ctx context.Context, token string, tenantID *int64) error
	Revoke(ctx context.Context, token string) error
}

// Server adapts HTTP requests onto the dispatcher
type Server struct {
	router     *mux.Router
	dispatcher *dispatch.Dispatcher
	sessions   SessionManager
	logger     *observability.Logger
}

// NewServer creates the HTTP adapter. Sessions may be nil when the session
// endpoints are served elsewhere.
func NewServer(dispatcher *dispatch.Dispatcher, sessions SessionManager, logger *observability.Logger, middlewares ...func(http.Handler) http.Handler) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: dispatcher,
		sessions:   sessions,
		logger:     logger,
	}

	for _, mw := range middlewares {
		s.router.Use(mw)
	}

	s.router.HandleFunc("/v1/operations/{name}", s.handleOperation).Methods("POST")
	if sessions != nil {
		s.router.HandleFunc("/v1/session", s.handleWhoAmI).Methods("GET")
		s.router.HandleFunc("/v1/session/tenant", s.handleSwitchTenant).Methods("POST")
		s.router.HandleFunc("/v1/session/logout", s.handleLogout).Methods("POST")
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleOperation runs one dispatch and renders its envelope
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	requestedTenant, err := httputil.RequestedTenant(r)
	if err != nil {
		httputil.WriteError(w, errs.New(errs.KindInvalidInput, err.Error()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, errs.New(errs.KindInvalidInput, "request body too large"))
		return
	}

	result := s.dispatcher.Dispatch(r.Context(), name, body, dispatch.Session{
		Token:    httputil.BearerToken(r),
		TenantID: requestedTenant,
	})

	httputil.WriteJSON(w, statusFor(result), result)
}

// statusFor maps the envelope onto an HTTP status
func statusFor(result dispatch.Result) int {
	if result.Status == dispatch.StatusOK {
		return http.StatusOK
	}
	return errs.HTTPStatus(errs.New(result.Kind, result.Message))
}

// handleWhoAmI returns the session's identity
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":           ident.UserID,
		"current_tenant_id": ident.CurrentTenantID,
	})
}

// handleSwitchTenant changes the session's selected tenant. The permission
// snapshot for the old tenant dies with the selection; the next operation
// establishes a fresh context against the new tenant.
func (s *Server) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var input struct {
		TenantID *int64 `json:"tenant_id"`
	}
	if err := httputil.ParseJSON(r, &input); err != nil {
		httputil.WriteError(w, errs.New(errs.KindInvalidInput, "malformed input"))
		return
	}

	if err := s.sessions.SetCurrentTenant(r.Context(), httputil.BearerToken(r), input.TenantID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"current_tenant_id": input.TenantID})
}

// handleLogout revokes the session
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteError(w, errs.New(errs.KindUnauthenticated, "missing session token"))
		return
	}
	if err := s.sessions.Revoke(r.Context(), token); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*tenant.Identity, bool) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteError(w, errs.New(errs.KindUnauthenticated, "missing session token"))
		return nil, false
	}
	ident, err := s.sessions.Resolve(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return ident, true
}
