package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/morphlab/adapt/internal/pkg/logger"
	"github.com/morphlab/adapt/internal/store"
)

// businessContextKey carries the authenticated tenant through a request.
type businessContextKey struct{}

func withBusiness(ctx context.Context, b *store.Business) context.Context {
	return context.WithValue(ctx, businessContextKey{}, b)
}

func businessFrom(ctx context.Context) *store.Business {
	b, _ := ctx.Value(businessContextKey{}).(*store.Business)
	return b
}

// SetupRoutes configures the full HTTP surface. The legacy /tagAi,
// /rewardTag and /sync/link paths live outside /api but carry the same
// authentication as the integrated routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// The embed script calls from merchant pages, so every origin is
	// allowed at the CORS layer; the per-tenant allow-list is enforced
	// during authentication instead.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	// Health and registration (no auth required)
	r.Get("/", h.Health)
	r.Get("/health", h.Health)
	r.Post("/api/business/register", h.RegisterBusiness)

	// Legacy embed-script paths
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/tagAi", h.Optimize)
		r.Post("/rewardTag", h.Reward)
		r.Post("/sync/link", h.LinkIdentity)
	})

	// Integrated API (protected)
	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Post("/optimize", h.Optimize)
		r.Post("/reward", h.Reward)
		r.Post("/component/reward", h.Reward)

		r.Route("/events", func(r chi.Router) {
			r.Post("/track", h.TrackEvent)
			r.Post("/batch", h.BatchEvents)
		})

		r.Get("/users/all", h.ListUsers)
		r.Route("/user/{userID}", func(r chi.Router) {
			r.Get("/journey", h.GetUserJourney)
			r.Get("/cross-site-profile", h.CrossSiteProfile)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/dashboard", h.GetDashboard)
			r.Get("/recent-logs", h.GetRecentLogs)
		})

		r.Get("/variants/all", h.ListVariants)
		r.Get("/variant/{userID}/{componentID}", h.GetVariantRecord)

		r.Get("/business/usage", h.GetUsage)

		r.Route("/agreements", func(r chi.Router) {
			r.Get("/", h.ListAgreements)
			r.Post("/", h.ProposeAgreement)
			r.Post("/{agreementID}/accept", h.AcceptAgreement)
			r.Post("/{agreementID}/revoke", h.RevokeAgreement)
		})
	})

	return r
}

// requireAPIKey authenticates the tenant from the X-API-Key header and
// the caller's origin, then applies the per-key request bucket. The
// resolved business rides the request context.
func (h *Handlers) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}

		biz, err := h.resolver.Authenticate(r.Context(), apiKey, origin)
		if err != nil {
			logger.Warn("request rejected",
				"api_key", apiKey,
				"origin", origin,
				"error", err)
			respondFailure(w, err)
			return
		}

		if !h.limiter.Allow(r.Context(), biz.APIKey) {
			retry := h.limiter.RetryAfter()
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			respondError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded for this api key")
			return
		}

		next.ServeHTTP(w, r.WithContext(withBusiness(r.Context(), biz)))
	})
}
