package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis builds a client from REDIS_* variables and verifies it with a
// ping. Callers fall back to in-memory stores when this fails.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redisOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func redisOptionsFromEnv() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     "localhost:6379",
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		opts.Addr = addr
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts.DB = parsed
		}
	}
	tlsConfig, err := redisTLSFromEnv()
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

func redisTLSFromEnv() (*tls.Config, error) {
	if !envIsTrue("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
	}
	if envIsTrue("REDIS_TLS_INSECURE") {
		if !envIsTrue("REDIS_ALLOW_INSECURE_TLS") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	pool, err := redisRootCAsFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	certs, err := redisClientCertFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Certificates = certs
	return cfg, nil
}

func redisRootCAsFromEnv() (*x509.CertPool, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE"))
	if caFile == "" {
		return nil, nil
	}
	caBytes, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	return pool, nil
}

func redisClientCertFromEnv() ([]tls.Certificate, error) {
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

func envIsTrue(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
