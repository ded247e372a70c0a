package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/device"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/scene"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/twofactor"
	"github.com/levenlabs/go-lflag"
)

// tokenVerifier is a function that validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the HomeSpace system. It orchestrates
// interactions between the device toggler, the scene executor, the 2FA
// service, and storage.
type Server struct {
	storage   storage.Store
	toggler   *device.Toggler
	scenes    *scene.Executor
	twofactor *twofactor.Service
	clock     clock.Clock

	listenAddr string
	httpServer *http.Server

	verifier   tokenVerifier
	bypassAuth bool
	serverName string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(s storage.Store, t *device.Toggler, e *scene.Executor, tf *twofactor.Service, clk clock.Clock) *Server {
	srv := &Server{
		storage:    s,
		toggler:    t,
		scenes:     e,
		twofactor:  tf,
		clock:      clk,
		serverName: "homespace",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer URL for bearer-token auth on /api/")
	oidcAudience := lflag.String("oidc-audience", "", "OIDC audience/client ID to validate")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *oidcIssuer != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else {
			// no issuer configured: local/dev mode, /api/ is open
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/devices/toggle", s.handleToggleDevice)
	apiMux.HandleFunc("GET /api/devices", s.handleListDevices)
	apiMux.HandleFunc("POST /api/devices", s.handleCreateDevice)
	apiMux.HandleFunc("DELETE /api/devices/{id}", s.handleDeleteDevice)
	apiMux.HandleFunc("GET /api/devices/{id}/energy", s.handleDeviceEnergy)
	apiMux.HandleFunc("GET /api/energy", s.handleHomeEnergy)
	apiMux.HandleFunc("GET /api/scenes", s.handleListScenes)
	apiMux.HandleFunc("POST /api/scenes", s.handleCreateScene)
	apiMux.HandleFunc("DELETE /api/scenes/{id}", s.handleDeleteScene)
	apiMux.HandleFunc("POST /api/scenes/execute", s.handleExecuteScene)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	// 2FA paths sit outside /api/: they are part of the login flow, before
	// the caller has a token
	mux.HandleFunc("POST /generate-2fa", s.handleGenerate2FA)
	mux.HandleFunc("POST /verify-2fa", s.handleVerify2FA)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.serverNameMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Error string `json:"error"`
	}{Error: msg}, code)
}

// decodeBody decodes a JSON request body with a 1MB cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
