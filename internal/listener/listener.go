// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package listener serves the link database over a line protocol on TCP,
// optionally wrapped in TLS.
//
// Each request is one '\n'-terminated line, and each gets one reply line:
//
//	GET <slug>                    OK <expiresAt> <target> | NOT_FOUND
//	SET <slug> <expiresAt> <target>   OK
//	DEL <slug>                    OK | NOT_FOUND
//	PING                          PONG
//	QUIT                          BYE, then the connection is closed
//
// Anything else gets "ERR <message>".  expiresAt is a Unix time in seconds,
// 0 meaning never; expired links read as NOT_FOUND.
package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bpowers/linky"
)

const (
	// DefaultAcceptRate limits new connections per second.
	DefaultAcceptRate = 1000
	// DefaultAcceptBurst matches the listen backlog.
	DefaultAcceptBurst = 128
	// DefaultIdleTimeout closes connections that send nothing for this long.
	DefaultIdleTimeout = 30 * time.Second

	maxLineSize = 64 * 1024
)

// Store is the database the server reads and writes.  *linky.DB is one.
type Store interface {
	Get(key uint32) (linky.Item, bool, error)
	Set(key uint32, value []byte, expiresAt uint64) error
	Delete(key uint32) (bool, error)
}

var _ Store = (*linky.DB)(nil)

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAcceptRate limits how many connections are accepted per second.
func WithAcceptRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithIdleTimeout sets how long a connection may wait between requests.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithClock sets the time source used to decide whether links expired.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server answers requests from any number of connections, serializing
// every store call behind one lock.
type Server struct {
	mu    sync.Mutex // guards store
	store Store

	logger      *slog.Logger
	limiter     *rate.Limiter
	idleTimeout time.Duration
	now         func() time.Time
}

func New(store Store, opts ...Option) *Server {
	s := &Server{
		store:       store,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter:     rate.NewLimiter(DefaultAcceptRate, DefaultAcceptBurst),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint is an address to listen on.  If TLS is non-nil, connections
// are served over TLS.
type Endpoint struct {
	Addr string
	TLS  *tls.Config
}

// LoadTLS builds a server TLS configuration from PEM certificate chain and
// key files.
func LoadTLS(chainPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(chainPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tls.LoadX509KeyPair(%s, %s): %w", chainPath, keyPath, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listen binds every endpoint.  If any fails, those already bound are
// closed.
func Listen(endpoints ...Endpoint) ([]net.Listener, error) {
	var lns []net.Listener
	for _, ep := range endpoints {
		ln, err := net.Listen("tcp", ep.Addr)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return nil, fmt.Errorf("net.Listen(%s): %w", ep.Addr, err)
		}
		if ep.TLS != nil {
			ln = tls.NewListener(ln, ep.TLS)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

// ServeAll serves every listener until ctx is done or one of them fails.
func (s *Server) ServeAll(ctx context.Context, lns ...net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error {
			return s.Serve(ctx, ln)
		})
	}
	return g.Wait()
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	var connsMu sync.Mutex
	conns := make(map[net.Conn]struct{})
	defer func() {
		connsMu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		connsMu.Unlock()
		wg.Wait()
		s.logger.Info("stopped listening", "addr", ln.Addr().String())
	}()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept rate limit: %w", err)
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("could not accept incoming connection", "error", err)
			continue
		}

		connsMu.Lock()
		conns[conn] = struct{}{}
		connsMu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(conn)
			connsMu.Lock()
			delete(conns, conn)
			connsMu.Unlock()
		}()
	}
}

func setNoDelay(conn net.Conn) error {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(true)
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("conn", uuid.New().String(), "remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")
	if err := setNoDelay(conn); err != nil {
		logger.Warn("could not set TCP_NODELAY on socket", "error", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	w := bufio.NewWriter(conn)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read failed", "error", err)
			} else {
				logger.Debug("connection closed by peer")
			}
			return
		}

		reply, quit := s.execute(logger, strings.TrimSuffix(scanner.Text(), "\r"))
		// write errors are sticky, so Flush reports them
		_, _ = w.WriteString(reply + "\n")
		if err := w.Flush(); err != nil {
			logger.Debug("connection write failed", "error", err)
			return
		}
		if quit {
			return
		}
	}
}

func errReply(format string, args ...any) string {
	return "ERR " + fmt.Sprintf(format, args...)
}

func validSlug(slug string) bool {
	return slug != "" && !strings.ContainsAny(slug, " \x00")
}

// execute runs one request line and returns the reply, and whether the
// connection should be closed afterwards.
func (s *Server) execute(logger *slog.Logger, line string) (string, bool) {
	cmd, args, _ := strings.Cut(line, " ")
	switch strings.ToUpper(cmd) {
	case "PING":
		return "PONG", false
	case "QUIT":
		return "BYE", true
	case "GET":
		if !validSlug(args) {
			return errReply("usage: GET <slug>"), false
		}
		return s.get(logger, args), false
	case "SET":
		slug, rest, _ := strings.Cut(args, " ")
		exp, target, _ := strings.Cut(rest, " ")
		expiresAt, err := strconv.ParseUint(exp, 10, 64)
		if !validSlug(slug) || err != nil || target == "" {
			return errReply("usage: SET <slug> <expiresAt> <target>"), false
		}
		return s.set(logger, slug, expiresAt, target), false
	case "DEL":
		if !validSlug(args) {
			return errReply("usage: DEL <slug>"), false
		}
		return s.del(logger, args), false
	case "":
		return errReply("empty request"), false
	default:
		return errReply("unknown command %q", cmd), false
	}
}

// lookup returns the target stored for slug.  Another slug sharing the
// same key reads as not found.
func (s *Server) lookup(slug string) (linky.Item, string, bool, error) {
	item, ok, err := s.store.Get(linky.KeyFor(slug))
	if err != nil || !ok {
		return linky.Item{}, "", false, err
	}
	stored, target, ok := linky.DecodeLink(item.Value)
	if !ok || string(stored) != slug {
		return linky.Item{}, "", false, nil
	}
	return item, string(target), true, nil
}

func (s *Server) get(logger *slog.Logger, slug string) string {
	s.mu.Lock()
	item, target, ok, err := s.lookup(slug)
	s.mu.Unlock()
	if err != nil {
		logger.Error("get failed", "slug", slug, "error", err)
		return errReply("internal error")
	}
	if !ok || item.Expired(s.now()) {
		return "NOT_FOUND"
	}
	return fmt.Sprintf("OK %d %s", item.ExpiresAt, target)
}

func (s *Server) set(logger *slog.Logger, slug string, expiresAt uint64, target string) string {
	key := linky.KeyFor(slug)
	s.mu.Lock()
	existing, found, err := s.store.Get(key)
	if err == nil {
		if prev, _, ok := linky.DecodeLink(existing.Value); found && ok && string(prev) != slug {
			logger.Warn("slug shares a key with an existing slug, replacing it",
				"slug", slug, "existing", string(prev), "key", key)
		}
		err = s.store.Set(key, linky.EncodeLink(slug, target), expiresAt)
	}
	s.mu.Unlock()
	if err != nil {
		logger.Error("set failed", "slug", slug, "error", err)
		return errReply("internal error")
	}
	logger.Debug("set link", "slug", slug, "expires_at", expiresAt)
	return "OK"
}

func (s *Server) del(logger *slog.Logger, slug string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ok, err := s.lookup(slug)
	if err == nil && ok {
		ok, err = s.store.Delete(linky.KeyFor(slug))
	}
	if err != nil {
		logger.Error("delete failed", "slug", slug, "error", err)
		return errReply("internal error")
	}
	if !ok {
		return "NOT_FOUND"
	}
	return "OK"
}
