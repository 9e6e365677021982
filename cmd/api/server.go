package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"leaseflow/address"
	"leaseflow/application"
	"leaseflow/attempt"
	"leaseflow/auth"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/disclosure"
	"leaseflow/dispute"
	"leaseflow/escrow"
	"leaseflow/flow"
	"leaseflow/httpx"
	"leaseflow/lease"
	"leaseflow/listing"
	"leaseflow/metrics"
	"leaseflow/ratelimit"
)

type ctxKey string

const (
	ctxKeyWallet ctxKey = "wallet"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Challenge(addr address.Address) (auth.Challenge, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (address.Address, auth.Role, error)
}

type listingService interface {
	Create(ctx context.Context, in listing.CreateInput) (flow.Result, error)
	Get(ctx context.Context, addr address.Address) (listing.View, error)
	Update(ctx context.Context, in listing.UpdateInput) (flow.Result, error)
	Toggle(ctx context.Context, owner, addr address.Address) (flow.Result, error)
}

type applicationService interface {
	Apply(ctx context.Context, in application.ApplyInput) (flow.Result, error)
	Approve(ctx context.Context, owner, addr address.Address) (flow.Result, error)
	Reject(ctx context.Context, owner, addr address.Address) (flow.Result, error)
	Withdraw(ctx context.Context, applicant, addr address.Address) (flow.Result, error)
	Cancel(ctx context.Context, caller, addr address.Address) (flow.Result, error)
	Get(ctx context.Context, addr address.Address) (application.View, error)
	ForListing(ctx context.Context, listing address.Address) ([]application.View, error)
}

type leaseService interface {
	Create(ctx context.Context, in lease.CreateInput) (flow.Result, error)
	Sign(ctx context.Context, tenant, addr address.Address) (flow.Result, error)
	PayRent(ctx context.Context, tenant, addr address.Address) (flow.Result, error)
	Terminate(ctx context.Context, caller, addr address.Address) (flow.Result, error)
	Get(ctx context.Context, addr address.Address) (lease.View, error)
}

type escrowService interface {
	Initiate(ctx context.Context, caller, addr address.Address, landlordAmount, tenantAmount uint64) (flow.Result, error)
	Confirm(ctx context.Context, caller, addr address.Address) (flow.Result, error)
	Get(ctx context.Context, addr address.Address) (escrow.View, error)
}

type disputeService interface {
	Raise(ctx context.Context, in dispute.RaiseInput) (flow.Result, error)
	Resolve(ctx context.Context, in dispute.ResolveInput) (flow.Result, error)
	Get(ctx context.Context, addr address.Address) (dispute.View, error)
	List(ctx context.Context, lease address.Address) ([]dispute.View, error)
}

type disclosureService interface {
	Create(ctx context.Context, in disclosure.CreateInput) (disclosure.Created, error)
	Poll(ctx context.Context, requestID string, party address.Address) (disclosure.PollResult, error)
	HandleCallback(ctx context.Context, requestID, status string, data map[string]string) (disclosure.PollResult, error)
}

type attemptService interface {
	ReportFailure(ctx context.Context, report attempt.FailureReport) (attempt.FailureOutcome, error)
	Confirm(ctx context.Context, params attempt.ConfirmParams, verify attempt.VerifyFunc) (attempt.Attempt, error)
	CheckFresh(ctx context.Context, id string, party address.Address) error
	StageUpload(ctx context.Context, owner address.Address, id contentstore.ContentID, kind string) error
	CleanupStaged(ctx context.Context, owner address.Address, requested compensation.Artifacts) (compensation.Report, []contentstore.ContentID, error)
}

// Server holds the HTTP surface. Every dependency is an interface so
// handlers can be exercised with stubs.
type Server struct {
	authService        authService
	listingService     listingService
	applicationService applicationService
	leaseService       leaseService
	escrowService      escrowService
	disputeService     disputeService
	disclosureService  disclosureService
	attemptService     attemptService
	content            contentstore.Store
	verifyAttempt      attempt.VerifyFunc
	callbackSecretHash string
	limiter            *ratelimit.MapLimiter
	metrics            *metrics.Metrics
	ws                 http.Handler
	logger             *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	// The websocket endpoint takes over the connection, so it stays outside
	// the response-wrapping middleware.
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(httpx.RequestID)
		r.Use(s.recoverer)
		r.Use(s.instrument)
		s.mountAPI(r)
	})
	return r
}

func (s *Server) mountAPI(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/challenge", s.handleChallenge)
		api.Post("/auth/login", s.handleLogin)
		api.Post("/disclosures/callback", s.handleDisclosureCallback)

		api.Group(func(p chi.Router) {
			p.Use(s.requireAuth)
			if s.limiter != nil {
				p.Use(s.limiter.Middleware(rateKey, s.writeRateLimited))
			}

			p.Post("/uploads", s.handleUpload)
			p.Post("/cleanup", s.handleCleanup)

			p.Post("/listings", s.handleCreateListing)
			p.Get("/listings/{addr}", s.handleGetListing)
			p.Patch("/listings/{addr}", s.handleUpdateListing)
			p.Post("/listings/{addr}/toggle", s.handleToggleListing)
			p.Get("/listings/{addr}/applications", s.handleListingApplications)

			p.Post("/applications", s.handleApply)
			p.Get("/applications/{addr}", s.handleGetApplication)
			p.Post("/applications/{addr}/{action}", s.handleApplicationAction)

			p.Post("/leases", s.handleCreateLease)
			p.Get("/leases/{addr}", s.handleGetLease)
			p.Get("/leases/{addr}/disputes", s.handleLeaseDisputes)
			p.Post("/leases/{addr}/{action}", s.handleLeaseAction)

			p.Get("/escrows/{addr}", s.handleGetEscrow)
			p.Post("/escrows/{addr}/release", s.handleInitiateRelease)
			p.Post("/escrows/{addr}/confirm", s.handleConfirmRelease)

			p.Post("/disputes", s.handleRaiseDispute)
			p.Get("/disputes/{addr}", s.handleGetDispute)
			p.With(requireRole(auth.RoleArbitrator)).Post("/disputes/{addr}/resolve", s.handleResolveDispute)

			p.Post("/disclosures", s.handleCreateDisclosure)
			p.Get("/disclosures/{id}", s.handlePollDisclosure)

			p.Post("/attempts/{id}/failure", s.handleAttemptFailure)
			p.Post("/attempts/{id}/confirm", s.handleAttemptConfirm)
			p.Get("/attempts/{id}/freshness", s.handleAttemptFreshness)
		})
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		wallet, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyWallet, wallet)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got, _ := r.Context().Value(ctxKeyRole).(auth.Role); got != role {
				httpx.WriteError(w, r, http.StatusForbidden, "forbidden", "role "+string(role)+" required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func walletFrom(ctx context.Context) address.Address {
	wallet, _ := ctx.Value(ctxKeyWallet).(address.Address)
	return wallet
}

// rateKey limits per wallet, falling back to the client IP.
func rateKey(r *http.Request) string {
	if wallet := walletFrom(r.Context()); !wallet.IsZero() {
		return wallet.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	httpx.WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.HTTPRequest(r.Method, route, rec.status)
		s.log().Debug("http request",
			"method", r.Method, "route", route, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", httpx.RequestIDFrom(r.Context()))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log().Error("handler panic", "path", r.URL.Path, "panic", v)
				httpx.WriteError(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrInvalidToken) {
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		return
	}
	httpx.WriteAppError(w, r, s.log(), err)
}
