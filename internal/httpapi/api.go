package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"channelhub.cn/internal/audit"
	"channelhub.cn/internal/auth"
	"channelhub.cn/internal/obs"
)

// ReadyProbe — readiness check (pings the DB when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// IdentityProvider is the external identity dependency of the Feishu routes:
// code exchange for single-user login plus the org tree for bulk sync.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (auth.ExternalProfile, error)
	auth.Directory
}

// API is the HTTP layer over the session service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	provider   IdentityProvider
	readyProbe ReadyProbe
	version    string
	production bool
}

// Options carries the optional API wiring.
type Options struct {
	Provider   IdentityProvider
	ReadyProbe ReadyProbe
	Version    string
	Production bool
}

func New(svc *auth.Service, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		provider:   opts.Provider,
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		production: opts.Production,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/auth/register", a.handleRegister)
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/auth/feishu/login", a.handleFeishuLogin)
	a.mux.Handle("/auth/feishu/sync", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleFeishuSync)))
	a.mux.HandleFunc("/auth/me", a.handleMe)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full handler: authn wraps the mux, metrics wrap both.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "channelhub-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleAuthError maps the service sentinels onto the HTTP taxonomy. Anything
// unrecognized is logged in full and answered with a generic 500.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var policy *auth.PolicyError
	switch {
	case errors.As(err, &policy):
		payload := map[string]any{
			"error":      "password does not meet the policy",
			"violations": policy.Violations,
		}
		if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
	case errors.Is(err, auth.ErrDuplicateIdentity):
		writeError(w, r, http.StatusBadRequest, "username or email already registered")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrRevokedToken):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrForbiddenAccount):
		writeError(w, r, http.StatusForbidden, "account access denied")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		obs.Logger().Printf(`{"level":"error","msg":"internal error","path":%q,"error":%q}`, r.URL.Path, err.Error())
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
