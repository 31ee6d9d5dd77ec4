package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// TokenSource signs a bearer token for requests to audience.
type TokenSource interface {
	Token(audience string) (string, error)
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// Timeout bounds each call. Zero means 30s.
	Timeout time.Duration
	// ConnectTimeout bounds dialing. Zero means 5s.
	ConnectTimeout time.Duration
	// TLSConfig is used for https base URLs.
	TLSConfig *tls.Config
}

// Client calls one resource server. It is safe for concurrent use; calls
// from many sessions share its keep-alive connections.
type Client struct {
	baseURL    string
	audience   string
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client for the server at baseURL
// (scheme://host:port). tokens may be nil for unauthenticated servers.
func NewClient(baseURL string, tokens TokenSource, cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	audience := baseURL
	if i := strings.Index(audience, "://"); i >= 0 {
		audience = audience[i+3:]
	}

	return &Client{
		baseURL:  baseURL,
		audience: audience,
		tokens:   tokens,
		timeout:  cfg.Timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig:     cfg.TLSConfig,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Addr is the host:port the client talks to.
func (c *Client) Addr() string { return c.audience }

// Open opens a structured file on the server.
func (c *Client) Open(ctx context.Context, req OpenRequest) (OpenResponse, error) {
	var resp OpenResponse
	if err := c.call(ctx, "open", PathOpen, req, &resp); err != nil {
		return OpenResponse{}, err
	}
	if err := ValidateToken(resp.SessionToken); err != nil {
		return OpenResponse{}, structfile.Wrap(structfile.InvalidRequest, "open", err)
	}
	return resp, nil
}

// ReadBatch reads the next batch of a session opened on the server. On a
// failure that carried partial entries the response holds them alongside
// the error.
func (c *Client) ReadBatch(ctx context.Context, req ReadBatchRequest) (ReadBatchResponse, error) {
	var resp ReadBatchResponse
	if err := c.call(ctx, "readdir", PathReadDir, req, &resp); err != nil {
		var pe *partialError
		if errors.As(err, &pe) {
			return ReadBatchResponse{Entries: pe.failure.PartialEntries, EndOfStream: pe.failure.EndOfStream}, pe.err
		}
		return ReadBatchResponse{}, err
	}
	return resp, nil
}

// Close releases a session on the server.
func (c *Client) Close(ctx context.Context, req CloseRequest) error {
	return c.call(ctx, "close", PathClose, req, nil)
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return structfile.Wrap(structfile.ResourceUnreachable, "ping", &TransportError{Addr: c.audience, Err: err})
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return structfile.Errorf(structfile.ResourceUnreachable, "ping", "%s answered health check with %d", c.audience, resp.StatusCode)
	}
	return nil
}

// CloseIdleConnections drops pooled keep-alive connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// partialError carries a failure body that held partial entries.
type partialError struct {
	err     *structfile.Error
	failure Failure
}

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, op, path string, in, out any) error {
	start := time.Now()
	err := c.do(ctx, op, path, in, out)
	metrics.RecordRemoteCall(op, time.Since(start), err == nil || structfile.KindOf(err) != structfile.ResourceUnreachable)
	return err
}

func (c *Client) do(ctx context.Context, op, path string, in, out any) error {
	body, err := Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set(logging.RequestIDHeader, id)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(c.audience)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return structfile.Wrap(structfile.ResourceUnreachable, op, &TransportError{Addr: c.audience, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
			return nil
		}
		if err := Decode(resp.Body, out); err != nil {
			if deadlineExceeded(err) {
				return structfile.Wrap(structfile.ResourceUnreachable, op, &TransportError{Addr: c.audience, Err: err})
			}
			return structfile.Wrap(structfile.InvalidRequest, op, &ResponseError{Addr: c.audience, Err: err})
		}
		return nil
	}

	var failure Failure
	if err := Decode(resp.Body, &failure); err != nil || failure.ErrorKind == "" {
		return structfile.Errorf(KindForStatus(resp.StatusCode), op, "%s answered %d", c.audience, resp.StatusCode)
	}
	ferr := failure.Err(op)
	if len(failure.PartialEntries) > 0 || failure.EndOfStream {
		return &partialError{err: ferr, failure: failure}
	}
	return ferr
}

// TransportError is a failure to exchange a message with a peer, as
// opposed to a failure the peer reported.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string { return e.Addr + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError is a successful answer whose body could not be decoded.
// The peer has already applied the call, so for a read the batch it
// carried is lost.
type ResponseError struct {
	Addr string
	Err  error
}

func (e *ResponseError) Error() string { return "decode response from " + e.Addr + ": " + e.Err.Error() }
func (e *ResponseError) Unwrap() error { return e.Err }

// IsBadResponse reports whether err is a ResponseError.
func IsBadResponse(err error) bool {
	var re *ResponseError
	return errors.As(err, &re)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a transport failure caused by a call
// exceeding its deadline.
func IsTimeout(err error) bool {
	return IsTransport(err) && deadlineExceeded(err)
}

func deadlineExceeded(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
