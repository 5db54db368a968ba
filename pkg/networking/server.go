package networking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/pkg/logger"
)

// ServerShutdownTimeout bounds graceful shutdown of an HTTP server.
const ServerShutdownTimeout = 10 * time.Second

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully. Returns a non-nil error when the listener cannot bind or
// the server fails while running.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server on %s failed: %w", addr, err)
	case <-ctx.Done():
	}

	logger.Infof("Shutting down server on %s", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown of %s failed: %w", addr, err)
	}
	return nil
}
