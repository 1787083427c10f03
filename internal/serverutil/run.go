// Package serverutil runs the process's HTTP listeners with graceful shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// TLSConfig holds certificate and key paths. Both or neither must be set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

func (t TLSConfig) validate() error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	return nil
}

// Listener is one named server, such as the control API or a dedicated
// metrics port.
type Listener struct {
	Name   string
	Server *http.Server
	TLS    TLSConfig
}

type Config struct {
	Listeners       []Listener
	ShutdownTimeout time.Duration
	// Ready, when set, is called once per listener with its bound address.
	Ready  func(name string, addr net.Addr)
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run binds every listener, then serves until ctx is cancelled or one server
// fails, and shuts all of them down within ShutdownTimeout. Nothing is served
// unless every address binds. Hijacked connections such as WebSockets are not
// waited for; their owners close them.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	for _, l := range cfg.Listeners {
		if l.Server == nil {
			return fmt.Errorf("listener %q has no server", l.Name)
		}
		if err := l.TLS.validate(); err != nil {
			return fmt.Errorf("listener %q: %w", l.Name, err)
		}
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bound := make([]net.Listener, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		ln, err := listen(l)
		if err != nil {
			for _, open := range bound {
				open.Close()
			}
			return fmt.Errorf("listener %q: %w", l.Name, err)
		}
		bound = append(bound, ln)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, l := range cfg.Listeners {
		ln := bound[i]
		logger.Info("http server listening", "listener", l.Name, "addr", ln.Addr().String(), "tls", l.TLS.enabled())
		if cfg.Ready != nil {
			cfg.Ready(l.Name, ln.Addr())
		}
		group.Go(func() error {
			if err := l.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %q: %w", l.Name, err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var errs []error
		for _, l := range cfg.Listeners {
			if err := l.Server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %q: %w", l.Name, err))
			}
		}
		logger.Info("http servers stopped")
		return errors.Join(errs...)
	})
	return group.Wait()
}

func listen(l Listener) (net.Listener, error) {
	ln, err := net.Listen("tcp", l.Server.Addr)
	if err != nil {
		return nil, err
	}
	if !l.TLS.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(l.TLS.CertFile, l.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := l.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	l.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
