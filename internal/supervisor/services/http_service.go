// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pulseone/vitalsync/internal/logging"
)

// HTTPService wraps the admin HTTP server as a supervised service.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPService returns the HTTP service wrapper.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: "http-server"}
}

// Serve implements suture.Service. ListenAndServe runs until the
// context is canceled, then the server drains in-flight requests inside
// the shutdown timeout.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("HTTP server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	<-errCh
	logging.Info().Msg("HTTP server stopped")
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *HTTPService) String() string {
	return s.name
}
