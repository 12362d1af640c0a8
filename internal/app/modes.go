package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/crypto"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/server"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServeMode runs the event relay, the background loops and, when enabled,
// the HTTP API until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Relay.Run(ctx)
	})

	if deps.Volatility != nil {
		g.Go(func() error {
			return deps.Volatility.Run(ctx, a.cfg.Volatility.Interval.Duration)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			if a.cfg.Archive.Cron != "" {
				return deps.Archiver.RunCron(ctx, a.cfg.Archive.Cron)
			}
			return deps.Archiver.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "HTTP server disabled")
	}

	return g.Wait()
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, deps.Health, a.logger),
		Executions: handler.NewExecutionHandler(deps.Executions, a.logger),
		Admin:      handler.NewAdminHandler(deps.Admin, a.logger),
		Venues:     handler.NewVenueHandler(deps.Registry),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, s3blob.ArchivePrefix, a.logger)
	}
	if deps.Archiver != nil {
		handlers.Pipeline = handler.NewPipelineHandler(deps.Archiver, deps.Admin, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		RateLimit:        a.cfg.Server.RateLimit,
		RateLimitWindow:  a.cfg.Server.RateLimitWindow.Duration,
		SignatureMaxSkew: a.cfg.Server.SignatureMaxSkew.Duration,
	}, handlers, deps.Hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ExecuteMode runs the single request named by Options.RequestPath as the
// operator and prints the recorded result. A failed execution is returned
// as an error after the result is printed.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	op, err := crypto.LoadOperator(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: operator key: %w", err)
	}

	in, err := readRequest(a.opts.RequestPath)
	if err != nil {
		return err
	}
	caller := op.Address
	req, err := in.Decode(caller)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	a.logger.InfoContext(ctx, "starting execute mode",
		slog.String("operator", op.Address.Hex()),
		slog.String("caller", caller.Hex()),
		slog.Int("hops", req.Hops()),
	)

	// The relay flushes queued events (notifications) once stopped.
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan error, 1)
	go func() { relayDone <- deps.Relay.Run(relayCtx) }()

	res, execErr := deps.Executions.Execute(ctx, caller, req)

	stopRelay()
	if err := <-relayDone; err != nil {
		a.logger.WarnContext(ctx, "event relay stopped with error", slog.String("error", err.Error()))
	}

	if res.ID != 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("app: write result: %w", err)
		}
	}
	if execErr != nil {
		var ee *domain.ExecutionError
		if errors.As(execErr, &ee) {
			a.logger.ErrorContext(ctx, "execution failed",
				slog.String("stage", string(ee.Stage)),
				slog.Int("step", ee.Step),
				slog.String("error", execErr.Error()),
			)
		}
		return fmt.Errorf("app: execute: %w", execErr)
	}

	a.logger.InfoContext(ctx, "execution succeeded",
		slog.Uint64("id", res.ID),
		slog.String("profit", res.RealizedProfit.String()),
		slog.Uint64("gas_used", res.GasUsed),
	)
	return nil
}

func readRequest(path string) (service.ExecutionInput, error) {
	var in service.ExecutionInput
	if path == "" {
		return in, errors.New("app: execute mode needs a request file (-request)")
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return in, fmt.Errorf("app: open request: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("app: decode request: %w", err)
	}
	return in, nil
}

// originChecker allows websocket upgrades from the CORS origins, and from
// clients that send no Origin header at all.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
