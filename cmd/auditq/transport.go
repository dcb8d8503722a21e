package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Swind/go-audit-queue/config"
	"github.com/Swind/go-audit-queue/core"
	"github.com/Swind/go-audit-queue/transport/logsink"
	"github.com/Swind/go-audit-queue/transport/redisstream"
	"github.com/Swind/go-audit-queue/transport/syslog"
)

// buildSender creates the Sender selected by cfg. The returned closer
// releases its connections and is never nil.
func buildSender(cfg config.TransportConfig, logger core.Logger) (core.Sender, io.Closer, error) {
	switch cfg.Kind {
	case config.TransportLog:
		return logsink.NewSender(logger), nopCloser{}, nil

	case config.TransportSyslogUDP:
		s := syslog.NewUDPSender(cfg.Address, syslogOptions(cfg)...)
		return s, s, nil

	case config.TransportSyslogTCP:
		s := syslog.NewTCPSender(cfg.Address, syslogOptions(cfg)...)
		return s, s, nil

	case config.TransportSyslogTLS:
		tlsCfg, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, nil, err
		}
		s := syslog.NewTLSSender(cfg.Address, tlsCfg, syslogOptions(cfg)...)
		return s, s, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.DialTimeout,
		})
		s := redisstream.NewSender(client,
			redisstream.WithStream(cfg.Redis.Stream),
			redisstream.WithMaxLen(cfg.Redis.MaxLen),
		)
		return s, client, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func syslogOptions(cfg config.TransportConfig) []syslog.Option {
	header := syslog.DefaultHeader()
	if cfg.AppName != "" {
		header.AppName = cfg.AppName
	}
	if cfg.Hostname != "" {
		header.Hostname = cfg.Hostname
	}

	opts := []syslog.Option{
		syslog.WithHeader(header),
		syslog.WithRetryPolicy(syslog.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			BackoffRatio: cfg.Retry.BackoffRatio,
		}),
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, syslog.WithDialTimeout(cfg.DialTimeout))
	}
	return opts
}

func loadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for lab collectors
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
