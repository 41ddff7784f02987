package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/crepererum/cloudexec/internal/cloud"
	"github.com/crepererum/cloudexec/internal/config"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/pool"
	"github.com/crepererum/cloudexec/internal/vm"
)

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 * 1024
)

// Pool is what the server serves leases from.
type Pool interface {
	GetLease(ctx context.Context, profile string) (vm.Lease, error)
	List() []pool.Entry
}

// ActionFunc handles one decoded request. A nil result yields {ok: true}.
type ActionFunc func(ctx context.Context, req Request) (any, error)

// Server answers lease requests on a unix socket.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	active sync.WaitGroup
}

// NewServer returns a server for p listening on socketPath.
func NewServer(socketPath string, p Pool, logger *slog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		logger:     logging.Ensure(logger).With("component", "daemon"),
	}
	s.handlers = map[string]ActionFunc{
		ActionGetContainer: func(ctx context.Context, req Request) (any, error) {
			if req.Profile == "" {
				return nil, errors.New("missing required field: profile")
			}
			lease, err := p.GetLease(ctx, req.Profile)
			if err != nil {
				return nil, err
			}
			return NewLeaseRecord(lease), nil
		},
		ActionList: func(context.Context, Request) (any, error) {
			entries := p.List()
			out := make([]ListEntry, 0, len(entries))
			for _, e := range entries {
				out = append(out, ListEntry{Profile: e.Profile, Address: e.Address})
			}
			return out, nil
		},
	}
	return s
}

// Serve accepts connections until ctx is cancelled, then waits for the
// requests in flight. A stale socket file is replaced; the socket is removed
// on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	if err := newDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, CodeInternal, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Action == "" {
		s.writeError(conn, CodeInternal, "missing required field: action")
		return
	}
	handler, ok := s.handlers[req.Action]
	if !ok {
		s.writeError(conn, CodeInternal, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	logger := s.logger.With("action", req.Action, "profile", req.Profile)
	logger.Debug("handling request")
	result, err := handler(ctx, req)
	if err != nil {
		logger.Warn("request failed", "error", err)
		s.writeError(conn, errorCode(err), err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := newEncoder(conn).Encode(Response{OK: false, Error: message, Code: code}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := marshal(result)
		if err != nil {
			s.writeError(conn, CodeInternal, fmt.Sprintf("marshal response: %v", err))
			return
		}
		response.Data = data
	}
	if err := newEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// errorCode maps the error taxonomy onto wire codes.
func errorCode(err error) string {
	var (
		unknownProfile  *pool.UnknownProfileError
		unknownAccount  *pool.UnknownAccountError
		unknownProvider *cloud.UnknownProviderError
		invalidConfig   *config.InvalidConfigurationError
		imageNotFound   *vm.ImageNotFoundError
		sizeNotFound    *vm.SizeNotFoundError
	)
	switch {
	case errors.As(err, &unknownProfile):
		return CodeUnknownProfile
	case errors.As(err, &unknownAccount):
		return CodeUnknownAccount
	case errors.As(err, &unknownProvider):
		return CodeUnknownProvider
	case errors.As(err, &invalidConfig):
		return CodeInvalidConfiguration
	case errors.As(err, &imageNotFound):
		return CodeImageNotFound
	case errors.As(err, &sizeNotFound):
		return CodeSizeNotFound
	default:
		return CodeInternal
	}
}
