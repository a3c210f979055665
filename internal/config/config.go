// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package config loads the service configuration from LINKY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/bpowers/linky/internal/logging"
)

const (
	DefaultPort          = "80"
	DefaultSecurePort    = "443"
	DefaultDatabase      = "/var/lib/linky/linky.db"
	DefaultCertChainPath = "/etc/linky/cert.pem"
	DefaultCertKeyPath   = "/etc/linky/privkey.pem"
	DefaultJWTAudience   = "linky"
	DefaultAcceptRate    = 1000

	publicKeyHeader = "-----BEGIN PUBLIC KEY-----"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the service configuration.  It is built once at startup and
// passed to whatever needs it.
type Config struct {
	// Logging enables debug logging.
	Logging       bool
	Port          string
	SecurePort    string // empty disables TLS
	Database      string
	CertChainPath string
	CertKeyPath   string
	JWTAudience   string
	JWTIssuer     string
	JWTIssuerKey  string // a PEM public key, or a path to one
	// UID and GID to drop privileges to after opening the database and
	// binding listeners.  Zero means don't change.
	UID uint32
	GID uint32
	// AcceptRate limits new connections per second on each listener.
	AcceptRate int
}

// FromEnv loads the configuration from the process environment.
func FromEnv(logger *slog.Logger) (Config, error) {
	return Load(os.LookupEnv, logger)
}

// Load builds a configuration from lookup, which has the signature of
// os.LookupEnv.  Problems that leave the service unable to start are
// errors; anything else is logged as a warning.
func Load(lookup func(string) (string, bool), logger *slog.Logger) (Config, error) {
	get := func(name, def string) string {
		if v, ok := lookup(name); ok {
			return v
		}
		return def
	}

	c := Config{
		Logging:       isTrue(get("LINKY_LOGGING", "")),
		Port:          get("LINKY_PORT", DefaultPort),
		SecurePort:    get("LINKY_SECURE_PORT", DefaultSecurePort),
		Database:      get("LINKY_DATABASE", DefaultDatabase),
		CertChainPath: get("LINKY_CERT_CHAIN", DefaultCertChainPath),
		CertKeyPath:   get("LINKY_CERT_KEY", DefaultCertKeyPath),
		JWTAudience:   get("LINKY_JWT_AUDIENCE", DefaultJWTAudience),
		JWTIssuer:     get("LINKY_JWT_ISSUER", ""),
		JWTIssuerKey:  get("LINKY_JWT_ISSUER_KEY", ""),
	}

	var err error
	if c.AcceptRate, err = parseRate("LINKY_ACCEPT_RATE", get("LINKY_ACCEPT_RATE", "")); err != nil {
		return Config{}, err
	}
	if c.UID, err = parseID(logger, "LINKY_UID", get("LINKY_UID", "")); err != nil {
		return Config{}, err
	}
	if c.GID, err = parseID(logger, "LINKY_GID", get("LINKY_GID", "")); err != nil {
		return Config{}, err
	}
	if (c.UID == 0) != (c.GID == 0) {
		logger.Warn("only one of LINKY_UID and LINKY_GID is set", "uid", c.UID, "gid", c.GID)
	}

	if err := c.validate(logger); err != nil {
		return Config{}, err
	}
	if c.Logging && logging.DebugEnabled(logger) {
		c.log(logger)
	}
	return c, nil
}

func isTrue(v string) bool {
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

func parseID(logger *slog.Logger, name, v string) (uint32, error) {
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", name, v, ErrInvalid)
	}
	if id == 0 {
		logger.Warn("refusing to switch to id 0", "var", name)
	}
	return uint32(id), nil
}

func parseRate(name, v string) (int, error) {
	if v == "" {
		return DefaultAcceptRate, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s=%q is not a positive rate: %w", name, v, ErrInvalid)
	}
	return n, nil
}

func checkPort(name, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("%s=%q is not a valid port: %w", name, port, ErrInvalid)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c Config) validate(logger *slog.Logger) error {
	if c.Port == "" {
		return fmt.Errorf("no port specified: %w", ErrInvalid)
	}
	if err := checkPort("LINKY_PORT", c.Port); err != nil {
		return err
	}
	if c.SecurePort != "" {
		if err := checkPort("LINKY_SECURE_PORT", c.SecurePort); err != nil {
			return err
		}
	}
	if c.Database == "" {
		return fmt.Errorf("no database specified: %w", ErrInvalid)
	}

	if c.CertChainPath != "" || c.CertKeyPath != "" || c.SecurePort != "" {
		if c.CertChainPath == "" {
			logger.Warn("certificate chain not specified")
		} else if !fileExists(c.CertChainPath) {
			logger.Warn("cannot open certificate chain file", "path", c.CertChainPath)
		}
		if c.CertKeyPath == "" {
			logger.Warn("certificate key not specified")
		} else if !fileExists(c.CertKeyPath) {
			logger.Warn("cannot open certificate key file", "path", c.CertKeyPath)
		}
	}

	if c.JWTAudience != "" || c.JWTIssuer != "" || c.JWTIssuerKey != "" {
		if c.JWTAudience == "" {
			logger.Warn("JWT audience not specified")
		}
		if c.JWTIssuer == "" {
			logger.Warn("JWT issuer not specified")
		}
		if c.JWTIssuerKey == "" {
			logger.Warn("JWT issuer key not specified")
		} else if !strings.Contains(c.JWTIssuerKey, publicKeyHeader) && !fileExists(c.JWTIssuerKey) {
			logger.Warn("JWT issuer key invalid or does not exist")
		}
	}
	return nil
}

func orNA(v string) string {
	if v == "" {
		return "<N/A>"
	}
	return v
}

func (c Config) log(logger *slog.Logger) {
	logger.Debug("configuration",
		"logging", c.Logging,
		"port", c.Port,
		"secure_port", orNA(c.SecurePort),
		"database", c.Database,
		"cert_chain", orNA(c.CertChainPath),
		"cert_key", orNA(c.CertKeyPath),
		"jwt_audience", orNA(c.JWTAudience),
		"jwt_issuer", orNA(c.JWTIssuer),
		"jwt_issuer_key", orNA(c.JWTIssuerKey),
		"gid", c.GID,
		"uid", c.UID,
		"accept_rate", c.AcceptRate,
	)
}

// TLSEnabled reports whether the secure port should be served: it is
// configured and both certificate files exist.
func (c Config) TLSEnabled() bool {
	return c.SecurePort != "" && c.CertChainPath != "" && c.CertKeyPath != "" &&
		fileExists(c.CertChainPath) && fileExists(c.CertKeyPath)
}
