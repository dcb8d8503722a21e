package syslog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Swind/go-audit-queue/core"
)

const defaultDialTimeout = 5 * time.Second

type options struct {
	header      Header
	dialTimeout time.Duration
	retry       RetryPolicy
	now         func() time.Time
}

// Option configures UDPSender and StreamSender.
type Option func(*options)

// WithHeader overrides the RFC 5424 header.
func WithHeader(h Header) Option {
	return func(o *options) { o.header = h }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithRetryPolicy sets how a StreamSender redials. UDPSender ignores it.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

func newOptions(opts []Option) options {
	o := options{
		header:      DefaultHeader(),
		dialTimeout: defaultDialTimeout,
		retry:       DefaultRetryPolicy(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// interruptCause adds the cancellation cause of ctx to err, so a write
// that failed because the task was interrupted still reports why.
func interruptCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(err, cause) {
		return err
	}
	return errors.Join(err, cause)
}

// =============================================================================
// UDPSender
// =============================================================================

// UDPSender writes one datagram per record. It keeps no connection state.
type UDPSender struct {
	addr   string
	opts   options
	dialer net.Dialer
}

var _ core.Sender = (*UDPSender)(nil)

// NewUDPSender creates a sender for the collector at addr (host:port).
func NewUDPSender(addr string, opts ...Option) *UDPSender {
	o := newOptions(opts)
	return &UDPSender{
		addr:   addr,
		opts:   o,
		dialer: net.Dialer{Timeout: o.dialTimeout},
	}
}

// Send implements core.Sender.
func (s *UDPSender) Send(ctx context.Context, _ core.AuditContext, record string) error {
	conn, err := s.dialer.DialContext(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("dial syslog udp %s: %w", s.addr, interruptCause(ctx, err))
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(s.opts.header.Format(s.opts.now(), record)); err != nil {
		return fmt.Errorf("write syslog datagram: %w", interruptCause(ctx, err))
	}
	return nil
}

// Close is a no-op; UDPSender holds no connection between sends.
func (s *UDPSender) Close() error {
	return nil
}

// =============================================================================
// StreamSender
// =============================================================================

// StreamSender keeps one TCP or TLS connection to the collector and writes
// octet-counted frames to it. Sends are serialized; a send waiting for the
// connection gives up when its context is done. A broken connection is
// redialed according to the RetryPolicy.
type StreamSender struct {
	addr      string
	tlsConfig *tls.Config
	opts      options
	dialer    net.Dialer

	sem  chan struct{}
	conn net.Conn
}

var _ core.Sender = (*StreamSender)(nil)

// NewTCPSender creates a plain TCP sender.
func NewTCPSender(addr string, opts ...Option) *StreamSender {
	return newStreamSender(addr, nil, opts)
}

// NewTLSSender creates a TLS sender. A nil cfg uses the system roots.
func NewTLSSender(addr string, cfg *tls.Config, opts ...Option) *StreamSender {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return newStreamSender(addr, cfg, opts)
}

func newStreamSender(addr string, cfg *tls.Config, opts []Option) *StreamSender {
	o := newOptions(opts)
	return &StreamSender{
		addr:      addr,
		tlsConfig: cfg,
		opts:      o,
		dialer:    net.Dialer{Timeout: o.dialTimeout},
		sem:       make(chan struct{}, 1),
	}
}

// Send implements core.Sender.
func (s *StreamSender) Send(ctx context.Context, _ core.AuditContext, record string) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for syslog connection: %w", context.Cause(ctx))
	}
	defer func() { <-s.sem }()

	frame := octetCount(s.opts.header.Format(s.opts.now(), record))

	reused := s.conn != nil
	err := s.write(ctx, frame)
	if err != nil && reused && ctx.Err() == nil {
		// The collector may have dropped an idle connection; redial once.
		err = s.write(ctx, frame)
	}
	return err
}

// write must be called with sem held.
func (s *StreamSender) write(ctx context.Context, frame []byte) error {
	if s.conn == nil {
		if err := s.opts.retry.do(ctx, s.dial); err != nil {
			return fmt.Errorf("connect to syslog %s: %w", s.addr, interruptCause(ctx, err))
		}
	}
	conn := s.conn

	deadline := time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	_, err := conn.Write(frame)
	if !stop() {
		// The interrupt already touched the deadline; do not reuse conn.
		s.closeConn()
	}
	if err != nil {
		s.closeConn()
		return fmt.Errorf("write syslog frame: %w", interruptCause(ctx, err))
	}
	return nil
}

func (s *StreamSender) dial(ctx context.Context) error {
	var (
		conn net.Conn
		err  error
	)
	if s.tlsConfig != nil {
		d := tls.Dialer{NetDialer: &s.dialer, Config: s.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", s.addr)
	} else {
		conn, err = s.dialer.DialContext(ctx, "tcp", s.addr)
	}
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *StreamSender) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close closes the connection. A later Send dials again.
func (s *StreamSender) Close() error {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	s.closeConn()
	return nil
}
