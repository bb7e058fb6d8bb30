// Command authdemo is a runnable demonstration service wiring config
// loading, discovery caching, key material management, and token
// verification behind a chi router, exercising the library end-to-end:
// a protected endpoint and a refresh-triggering endpoint.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/icanbwell/oidc-auth-lib/internal/authconfig"
	"github.com/icanbwell/oidc-auth-lib/internal/authmw"
	"github.com/icanbwell/oidc-auth-lib/internal/discovery"
	"github.com/icanbwell/oidc-auth-lib/internal/keyset"
	"github.com/icanbwell/oidc-auth-lib/internal/verifier"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "authdemo").Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	// AUTH_CONFIG_FILE selects the YAML provider; otherwise fall back to
	// the numbered environment-variable provider.
	var configProvider authconfig.ConfigProvider
	if path := env("AUTH_CONFIG_FILE", ""); path != "" {
		configProvider = &authconfig.YAMLProvider{Path: path}
		log.Info().Str("path", path).Msg("loading auth providers from YAML")
	} else {
		configProvider = &authconfig.EnvProvider{}
		log.Info().Msg("loading auth providers from AUTH_PROVIDER_* environment variables")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	discoveryCache := discovery.NewCache(httpClient)

	keyManager := keyset.NewManager(configProvider, discoveryCache, httpClient)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := keyManager.EnsureInitialized(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key material at startup")
	}
	cancel()

	tokenVerifier := verifier.NewTokenVerifier(keyManager)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env("CORS_ALLOWED_ORIGINS", "*")},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: false,
	}))

	r.Post("/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
		if err := keyManager.Refresh(req.Context()); err != nil {
			log.Error().Err(err).Msg("refresh failed")
			http.Error(w, "refresh failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(authmw.Middleware(tokenVerifier))

		protected.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
			dt, ok := authmw.DecodedTokenFromContext(req.Context())
			if !ok {
				http.Error(w, "no decoded token in context", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"sub":         dt.Subject,
				"provider_id": dt.ProviderID,
				"aud":         dt.Audience,
				"iss":         dt.Issuer,
			})
		})
	})

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
