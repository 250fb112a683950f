// Command calculator serves a small arithmetic toolset over stdio or HTTP.
//
// With CALC_TRANSPORT=stdio (the default) it speaks newline-delimited
// JSON-RPC on stdin/stdout. With CALC_TRANSPORT=http it exposes the
// streamable endpoint at /mcp and the SSE endpoints at /sse and /message.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	mcp "github.com/modelkit/go-mcp"
)

type config struct {
	Transport string        `env:"CALC_TRANSPORT" envDefault:"stdio"`
	Addr      string        `env:"CALC_ADDR" envDefault:":8080"`
	BaseURL   string        `env:"CALC_BASE_URL" envDefault:"http://localhost:8080"`
	KeepAlive time.Duration `env:"CALC_KEEPALIVE" envDefault:"15s"`
	Stateless bool          `env:"CALC_STATELESS" envDefault:"false"`
}

type binaryArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type calcResult struct {
	Result float64 `json:"result"`
}

func buildRouter() (*mcp.ToolRouter, error) {
	ts := mcp.NewToolset()

	mcp.AddToolWithOutput(ts, "add", "Adds two numbers.",
		func(ctx context.Context, args binaryArgs, rc *mcp.RequestContext) (calcResult, error) {
			return calcResult{Result: args.A + args.B}, nil
		})
	mcp.AddToolWithOutput(ts, "subtract", "Subtracts b from a.",
		func(ctx context.Context, args binaryArgs, rc *mcp.RequestContext) (calcResult, error) {
			return calcResult{Result: args.A - args.B}, nil
		})
	mcp.AddToolWithOutput(ts, "multiply", "Multiplies two numbers.",
		func(ctx context.Context, args binaryArgs, rc *mcp.RequestContext) (calcResult, error) {
			return calcResult{Result: args.A * args.B}, nil
		})
	mcp.AddToolWithOutput(ts, "divide", "Divides a by b.",
		func(ctx context.Context, args binaryArgs, rc *mcp.RequestContext) (calcResult, error) {
			if args.B == 0 {
				return calcResult{}, fmt.Errorf("division by zero")
			}
			return calcResult{Result: args.A / args.B}, nil
		})

	return ts.Router()
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	router, err := buildRouter()
	if err != nil {
		logger.Error("failed to build toolset", slog.String("err", err.Error()))
		os.Exit(1)
	}
	handler := mcp.NewToolHandler(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Transport {
	case "stdio":
		err = serveStdio(ctx, handler, logger)
	case "http":
		err = serveHTTP(ctx, cfg, handler, logger)
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		logger.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func serveStdio(ctx context.Context, handler mcp.Handler, logger *slog.Logger) error {
	server := mcp.NewServer(handler,
		mcp.WithServerLogger(logger),
		mcp.WithServerInfo(mcp.Info{Name: "calculator", Version: "1.0.0"}),
	)

	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	defer transport.Close()

	return server.ServeTransport(ctx, transport)
}

func serveHTTP(ctx context.Context, cfg config, handler mcp.Handler, logger *slog.Logger) error {
	streamableOpts := []mcp.StreamableOption{
		mcp.WithStreamableLogger(logger),
		mcp.WithStreamableKeepAlive(cfg.KeepAlive),
	}
	if cfg.Stateless {
		streamableOpts = append(streamableOpts, mcp.WithStreamableStateless())
	}
	streamable := mcp.NewStreamableServer(handler, streamableOpts...)

	sseServer := mcp.NewSSEServer(cfg.BaseURL+"/message", mcp.WithSSEServerLogger(logger))
	mcpServer := mcp.NewServer(handler,
		mcp.WithServerLogger(logger),
		mcp.WithServerInfo(mcp.Info{Name: "calculator", Version: "1.0.0"}),
	)
	go func() {
		_ = mcpServer.Serve(ctx, sseServer.Transports())
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/mcp", streamable)
	r.Handle("/sse", sseServer.HandleSSE())
	r.Handle("/message", sseServer.HandleMessage())

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = streamable.Shutdown(shutdownCtx)
	_ = sseServer.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
