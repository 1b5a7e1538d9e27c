package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	goSession "github.com/ngthtrong/goSession"
	"github.com/ngthtrong/goSession/middleware"
)

// Engine is the subset of *goSession.Engine the handlers call.
type Engine interface {
	Login(ctx context.Context, email, password string, device goSession.DeviceInfo) (*goSession.Issuance, error)
	Exchange(ctx context.Context, code string, device goSession.DeviceInfo) (*goSession.Issuance, error)
	Refresh(ctx context.Context, refreshToken string) (*goSession.Issuance, error)
	Logout(ctx context.Context, refreshToken string) error
	ValidateAccess(ctx context.Context, accessToken string) (*goSession.AuthResult, error)
	ListSessions(ctx context.Context, userID string) ([]goSession.SessionInfo, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
}

// CookieConfig describes the refresh token cookie.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	// CSRFHeader must be present with a non-empty value on refresh.
	CSRFHeader string
}

type Config struct {
	// Prefix is prepended to every route, e.g. "/auth".
	Prefix string
	Cookie CookieConfig
	// RefreshLifetime sets the cookie MaxAge.
	RefreshLifetime time.Duration
	// DeviceHeader optionally names a header carrying a client device id.
	DeviceHeader string
	// TrustForwardedFor takes the client IP from X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool
	MaxBodyBytes      int64
	Logger            *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Prefix: "/auth",
		Cookie: CookieConfig{
			Name:       "gs_refresh",
			Path:       "/auth",
			Secure:     true,
			SameSite:   http.SameSiteStrictMode,
			CSRFHeader: "X-Session-Refresh",
		},
		RefreshLifetime: 7 * 24 * time.Hour,
		DeviceHeader:    "X-Device-ID",
		MaxBodyBytes:    64 << 10,
	}
}

// Handler serves the session routes.
type Handler struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(engine Engine, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = def.Cookie.Name
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = cfg.Prefix
		if cfg.Cookie.Path == "" {
			cfg.Cookie.Path = "/"
		}
	}
	if cfg.Cookie.SameSite == 0 {
		cfg.Cookie.SameSite = def.Cookie.SameSite
	}
	if cfg.Cookie.CSRFHeader == "" {
		cfg.Cookie.CSRFHeader = def.Cookie.CSRFHeader
	}
	if cfg.RefreshLifetime <= 0 {
		cfg.RefreshLifetime = def.RefreshLifetime
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{engine: engine, cfg: cfg, logger: logger, mux: http.NewServeMux()}
	guard := middleware.Guard(engine)

	p := cfg.Prefix
	h.mux.HandleFunc("POST "+p+"/login", h.login)
	h.mux.HandleFunc("POST "+p+"/exchange", h.exchange)
	h.mux.HandleFunc("POST "+p+"/refresh", h.refresh)
	h.mux.HandleFunc("POST "+p+"/logout", h.logout)
	h.mux.Handle("GET "+p+"/sessions", guard(http.HandlerFunc(h.listSessions)))
	h.mux.Handle("DELETE "+p+"/sessions/{id}", guard(http.HandlerFunc(h.revokeSession)))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	ctx := h.requestContext(r)
	iss, err := h.engine.Login(ctx, body.Email, body.Password, h.device(r))
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	h.issue(w, iss)
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	ctx := h.requestContext(r)
	iss, err := h.engine.Exchange(ctx, body.Code, h.device(r))
	if err != nil {
		h.fail(w, r, "exchange", err)
		return
	}
	h.issue(w, iss)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	// The custom header cannot be set cross-site without a CORS preflight.
	if strings.TrimSpace(r.Header.Get(h.cfg.Cookie.CSRFHeader)) == "" {
		h.logger.Info("httpapi: refresh without csrf header", "kind", "csrf_header_missing")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	cookie, err := r.Cookie(h.cfg.Cookie.Name)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	iss, err := h.engine.Refresh(h.requestContext(r), cookie.Value)
	if err != nil {
		// A refused token is spent. Throttled or unanswered requests never
		// reached the rotation, so the cookie stays for a retry.
		if !goSession.IsUnavailable(err) && !errors.Is(err, goSession.ErrRateLimited) {
			h.clearCookie(w)
		}
		h.fail(w, r, "refresh", err)
		return
	}
	h.issue(w, iss)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cfg.Cookie.Name); err == nil && cookie.Value != "" {
		if err := h.engine.Logout(h.requestContext(r), cookie.Value); err != nil {
			h.logger.Warn("httpapi: logout failed", "kind", goSession.ErrorKind(err), "error", err)
		}
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.AuthResultFromContext(r.Context())
	sessions, err := h.engine.ListSessions(r.Context(), auth.UserID)
	if err != nil {
		h.fail(w, r, "list_sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.AuthResultFromContext(r.Context())
	err := h.engine.RevokeSession(h.requestContext(r), auth.UserID, r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, goSession.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		h.fail(w, r, "revoke_session", err)
	}
}

func (h *Handler) issue(w http.ResponseWriter, iss *goSession.Issuance) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Cookie.Name,
		Value:    iss.RefreshToken,
		Path:     h.cfg.Cookie.Path,
		Domain:   h.cfg.Cookie.Domain,
		MaxAge:   int(h.cfg.RefreshLifetime / time.Second),
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: h.cfg.Cookie.SameSite,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: iss.AccessToken,
		TokenType:   iss.TokenType,
		ExpiresIn:   iss.ExpiresIn,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Cookie.Name,
		Value:    "",
		Path:     h.cfg.Cookie.Path,
		Domain:   h.cfg.Cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: h.cfg.Cookie.SameSite,
	})
}

// fail answers with a generic body. The specific kind only reaches the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	status, code := statusFor(err)
	level := slog.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case errors.Is(err, goSession.ErrTokenReuseDetected):
		level = slog.LevelWarn
	}
	h.logger.LogAttrs(r.Context(), level, "httpapi: request refused",
		slog.String("route", route),
		slog.String("kind", goSession.ErrorKind(err)),
		slog.Int("status", status),
	)
	writeError(w, status, code)
}

func statusFor(err error) (int, string) {
	switch {
	case goSession.IsUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case goSession.IsClientVisibleForbidden(err):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, goSession.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusUnauthorized, "unauthorized"
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return false
	}
	return true
}

func (h *Handler) requestContext(r *http.Request) context.Context {
	ctx := goSession.WithClientIP(r.Context(), h.clientIP(r))
	return goSession.WithUserAgent(ctx, r.UserAgent())
}

func (h *Handler) device(r *http.Request) goSession.DeviceInfo {
	d := goSession.DeviceInfo{UserAgent: r.UserAgent(), IP: h.clientIP(r)}
	if h.cfg.DeviceHeader != "" {
		d.DeviceID = r.Header.Get(h.cfg.DeviceHeader)
	}
	return d
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
