package mcp

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
)

// Server runs a Service for every transport it is given. It is the
// server-side counterpart to Client: one Handler, any number of concurrent
// connections, each with its own Peer and pending table.
//
// Instances should be created using NewServer.
type Server struct {
	handler Handler
	info    Info
	logger  *slog.Logger

	serviceOptions []ServiceOption
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger used by the server and its services.
// Defaults to slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerInfo sets the name and version reported during the initialize
// handshake.
func WithServerInfo(info Info) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithServerServiceOptions forwards options to every Service the server
// creates.
func WithServerServiceOptions(options ...ServiceOption) ServerOption {
	return func(s *Server) {
		s.serviceOptions = options
	}
}

// NewServer creates a server dispatching every connection to handler. The
// handler must tolerate concurrent connections.
func NewServer(handler Handler, options ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ServeTransport runs a single connection to completion. It is the entry
// point for single-connection transports such as stdio.
func (s *Server) ServeTransport(ctx context.Context, transport Transport) error {
	service := s.newService()
	return service.Run(ctx, transport)
}

// Serve consumes transports from an acceptor, running one Service per
// connection, until the iterator ends or ctx is cancelled. It blocks until
// every connection has finished.
func (s *Server) Serve(ctx context.Context, transports iter.Seq[Transport]) error {
	var wg sync.WaitGroup

	for transport := range transports {
		if ctx.Err() != nil {
			_ = transport.Close()
			break
		}

		wg.Add(1)
		go func(transport Transport) {
			defer wg.Done()

			service := s.newService()
			if err := service.Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("connection failed", slog.String("err", err.Error()))
			}
		}(transport)
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Server) newService() *Service {
	opts := append([]ServiceOption{
		WithServiceLogger(s.logger),
		WithServiceInfo(s.info),
	}, s.serviceOptions...)
	return NewService(RoleServer, ForwardingHandler[Handler]{Inner: s.handler}, opts...)
}
