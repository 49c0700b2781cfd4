// Command mailverify-server exposes the verify(email) contract from
// spec.md §6 over HTTP, using gorilla/mux for routing. It demonstrates
// the request/response shape a production router is expected to
// honor; it does not implement CSV upload or a durable job table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optimode/mailverify"
)

// httpVerifyDeadline bounds one /verify request; slightly above the
// Coordinator's own OuterDeadline so a real timeout is reported as a
// scored TIMEOUT result body (still with status 504) rather than this
// handler's own deadline-exceeded error body.
const httpVerifyDeadline = 30 * time.Second

type verifyRequest struct {
	Email string `json:"email"`
}

type server struct {
	verifier *mailverify.Verifier
	router   *mux.Router
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment/defaults")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	v, err := mailverify.New(mailverify.Config{
		SmtpHeloDomain:      getEnv("SMTP_HELO_DOMAIN", "mailverify.local"),
		ProbeEmail:          getEnv("PROBE_EMAIL", "verify@mailverify.local"),
		MaxConcurrencyPerMX: getEnvInt("MAX_CONCURRENCY_PER_MX", mailverify.DefaultMaxConcurrencyPerMX),
		SmtpTimeoutMs:       getEnvInt("SMTP_TIMEOUT_MS", mailverify.DefaultSmtpTimeoutMs),
		GrayRetryAfterSec:   getEnvInt("GRAY_RETRY_AFTER_SEC", mailverify.DefaultGrayRetryAfterSec),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
	}, mailverify.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build verifier")
	}

	s := &server{verifier: v, router: mux.NewRouter()}
	s.routes()

	addr := fmt.Sprintf(":%s", getEnv("PORT", "8080"))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("mailverify-server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
}

func (s *server) routes() {
	s.router.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), httpVerifyDeadline)
	defer cancel()

	result, err := s.verifier.Verify(ctx, req.Email)
	switch {
	case err == nil && result.Status == mailverify.StatusTimeout:
		writeJSON(w, http.StatusGatewayTimeout, result)
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, mailverify.ErrInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, mailverify.ErrAdmissionRejected):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "verification deadline exceeded"})
	default:
		log.Error().Err(err).Str("email", req.Email).Msg("verify failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}
