package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/crepererum/cloudexec/internal/vm"
)

const dialTimeout = 30 * time.Second

// RequestError is a failure reported by the daemon.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon request failed (%s)", e.Code)
	}
	return e.Message
}

// Client talks to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: strings.TrimSpace(socketPath),
		timeout:    dialTimeout,
	}
}

// GetLease requests the lease of profile, waiting for provisioning.
func (c *Client) GetLease(ctx context.Context, profile string) (vm.Lease, error) {
	resp, err := c.send(ctx, Request{Action: ActionGetContainer, Profile: profile})
	if err != nil {
		return vm.Lease{}, err
	}
	if len(resp.Data) == 0 {
		return vm.Lease{}, fmt.Errorf("%w: response carries no lease", ErrMalformedLease)
	}
	return DecodeLease(resp.Data)
}

// List returns the machines the daemon has ready.
func (c *Client) List(ctx context.Context) ([]ListEntry, error) {
	resp, err := c.send(ctx, Request{Action: ActionList})
	if err != nil {
		return nil, err
	}
	var entries []ListEntry
	if len(resp.Data) > 0 {
		if err := unmarshal(resp.Data, &entries); err != nil {
			return nil, fmt.Errorf("decode list response: %w", err)
		}
	}
	return entries, nil
}

func (c *Client) send(ctx context.Context, request Request) (Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := newEncoder(conn).Encode(request); err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	var resp Response
	if err := newDecoder(conn).Decode(&resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		return Response{}, &RequestError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// IsCode reports whether err is a daemon failure with the given code.
func IsCode(err error, code string) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Code == code
}
