package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "promobot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Serve listens on addr until ctx ends, then shuts the server down within
// a short grace window.
func Serve(ctx context.Context, addr string, h http.Handler, log logx.Logger) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("api shutdown error", logx.Err(err))
	}
	log.Info("api stopped")
	return nil
}
