// Package admin implements the Admin Server orchestrator: it wires the
// KeyStore, PSK-TLS Handler, Session Manager, APDU Dispatcher, Error
// Handler, and Event Emitter together around a bounded accept loop, one
// goroutine per accepted connection bounded by a semaphore and joined by
// a WaitGroup at shutdown.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/apdu"
	"github.com/opsgp/gpram/internal/config"
	"github.com/opsgp/gpram/internal/diag"
	"github.com/opsgp/gpram/internal/event"
	"github.com/opsgp/gpram/internal/gpadmin"
	"github.com/opsgp/gpram/internal/keystore"
	"github.com/opsgp/gpram/internal/metrics"
	"github.com/opsgp/gpram/internal/psktls"
	"github.com/opsgp/gpram/internal/session"
)

// isdAID mirrors the handlers' own ISD AID so the bootstrap script's
// SELECT command addresses the same application the dispatcher's
// handleSelect answers for.
var isdAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// Server is the Admin Server orchestrator.
type Server struct {
	log *zap.Logger
	cfg config.Config

	keys       keystore.KeyStore
	sessions   *session.Manager
	dispatcher *apdu.Dispatcher
	diagnostic *diag.Handler
	bus        *event.Bus
	metrics    *metrics.Metrics

	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	stopping  chan struct{}
}

// New wires every collaborator around cfg. keys and m may be swapped for
// test doubles; a nil m disables metrics recording.
func New(log *zap.Logger, cfg config.Config, keys keystore.KeyStore, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	bus := event.New(log)
	sessions := session.NewManager(log, bus, cfg.SessionTimeout(), cfg.SweepInterval())

	rateThresholds := make(map[diag.AlertKind]float64, len(cfg.ErrorRateThresholds))
	for k, v := range cfg.ErrorRateThresholds {
		rateThresholds[diag.AlertKind(k)] = v
	}
	diagnostic := diag.New(log, bus, sessionCloser{manager: sessions}, diag.Config{
		MismatchThreshold:   cfg.MismatchThreshold,
		MismatchWindow:      cfg.MismatchWindow(),
		ErrorRateWindow:     cfg.ErrorRateWindow(),
		ErrorRateThresholds: rateThresholds,
	})

	dispatcher := apdu.NewDispatcher(log)
	apdu.RegisterDefaults(dispatcher)

	if m != nil {
		bus.Subscribe(event.KindSessionEnded, func(e event.Event) {
			if p, ok := e.Payload.(event.SessionEndedPayload); ok {
				m.SessionsEnded.WithLabelValues(p.Reason).Inc()
			}
		})
	}

	return &Server{
		log:        log,
		cfg:        cfg,
		keys:       keys,
		sessions:   sessions,
		dispatcher: dispatcher,
		diagnostic: diagnostic,
		bus:        bus,
		metrics:    m,
		sem:        make(chan struct{}, cfg.MaxConcurrentConnections),
		stopping:   make(chan struct{}),
	}
}

// Bus returns the shared event bus, for wiring a wsbridge.Bridge or test
// subscriber.
func (s *Server) Bus() *event.Bus { return s.bus }

// Sessions returns the Session Manager, for read-only dashboard queries.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// ListenAndServe binds the configured address and accepts connections
// until ctx is canceled or Shutdown is called. It blocks until the
// listener stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: binding %s: %w", addr, err)
	}
	s.listener = ln

	s.bus.Publish(event.KindServerStarted, event.ServerStartedPayload{
		Address:             ln.Addr().String(),
		CipherPolicySummary: string(s.cfg.CipherPolicy),
		NullCiphersEnabled:  s.cfg.EnableNullCiphers,
	})
	if s.cfg.EnableNullCiphers {
		s.log.Warn("UNENCRYPTED TRAFFIC: NULL-cipher suites are enabled, sessions may negotiate no encryption",
			zap.String("cipherPolicy", string(s.cfg.CipherPolicy)))
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Shutdown(context.Background())
		case <-s.stopping:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("transient accept error", zap.Error(err))
				continue
			}
			s.log.Error("fatal accept error, shutting down", zap.Error(err))
			_ = s.Shutdown(context.Background())
			return err
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.stopping:
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections, closes every active session
// with ReasonNormal, waits for in-flight connections up to deadline
// (default 30s), and emits server_stopped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopping)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})

	deadline := 30 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(deadline):
		s.log.Warn("shutdown deadline exceeded with connections still active")
	}

	s.sessions.Shutdown()
	s.bus.Publish(event.KindServerStopped, event.ServerStoppedPayload{Reason: "NORMAL"})
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	peerAddr := conn.RemoteAddr().String()

	s.bus.Publish(event.KindTLSHandshakeStart, event.TLSHandshakeStartPayload{PeerAddress: peerAddr})

	suites := psktls.BuildAllowedSuites(string(s.cfg.CipherPolicy), s.cfg.EnableNullCiphers)
	tlsCfg := psktls.Config{
		AllowedSuites:    suites,
		Hint:             []byte("gp-admin"),
		HandshakeTimeout: s.cfg.HandshakeTimeout(),
		LookupSecret:     s.keys.Lookup,
		IdentityExists: func(ctx context.Context, identity []byte) bool {
			return s.keys.Exists(ctx, identity)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout())
	defer cancel()
	pconn, info, err := psktls.WrapAndHandshake(ctx, conn, peerAddr, tlsCfg)
	if err != nil {
		s.onHandshakeFailure(peerAddr, err)
		return
	}

	s.bus.Publish(event.KindTLSHandshakeComplete, event.TLSHandshakeCompletePayload{
		PeerAddress:     peerAddr,
		Success:         true,
		Identity:        info.Identity,
		Cipher:          info.Cipher.String(),
		IdentityExists:  true,
		HandshakeMillis: info.HandshakeDurationMs,
		IsNullCipher:    info.IsNullCipher,
	})
	if s.metrics != nil {
		s.metrics.SessionsStarted.WithLabelValues(info.Cipher.String()).Inc()
		s.metrics.SessionsActive.Inc()
		s.metrics.HandshakeSeconds.WithLabelValues("success").Observe(float64(info.HandshakeDurationMs) / 1000)
		if info.IsNullCipher {
			s.metrics.NullCipherWarning.WithLabelValues(info.Cipher.String()).Inc()
		}
	}
	if info.IsNullCipher {
		s.log.Warn("UNENCRYPTED TRAFFIC: session negotiated a NULL-encryption cipher suite",
			zap.String("peerAddress", peerAddr), zap.String("cipher", info.Cipher.String()))
	}

	sess := s.sessions.Create(session.TLSSessionInfo{
		Identity:                  info.Identity,
		Cipher:                    info.Cipher.String(),
		NegotiatedProtocolVersion: info.ProtocolVersion,
		HandshakeDurationMs:       info.HandshakeDurationMs,
		PeerAddress:               info.PeerAddress,
		IsNullCipher:              info.IsNullCipher,
	})
	defer func() {
		if s.metrics != nil {
			s.metrics.SessionsActive.Dec()
		}
		_ = s.sessions.Close(sess.ID(), session.ReasonNormal)
	}()

	driver := newConnDriver(s, sess.ID(), info.Identity)
	h := gpadmin.NewHandler(s.log, s.cfg.AdminPath, 5*time.Second)
	h.SessionDeadline = time.Now().Add(s.cfg.SessionTimeout())
	if err := h.Serve(pconn, sess.ID(), driver.exchange); err != nil {
		s.diagnostic.OnConnectionInterrupted(sess.ID(), driver.lastCommand)
	}
}

func (s *Server) onHandshakeFailure(peerAddr string, err error) {
	var he *psktls.HandshakeError
	if !errors.As(err, &he) {
		s.log.Warn("handshake failed with an unclassified error", zap.String("peerAddress", peerAddr), zap.Error(err))
		return
	}

	s.bus.Publish(event.KindTLSHandshakeComplete, event.TLSHandshakeCompletePayload{
		PeerAddress:    peerAddr,
		Success:        false,
		IdentityExists: he.IdentityExists,
		Identity:       he.Identity,
	})
	if s.metrics != nil {
		s.metrics.HandshakeSeconds.WithLabelValues("failure").Observe(0)
		s.metrics.ErrorsByKind.WithLabelValues(string(he.Diagnostic)).Inc()
	}

	switch he.Diagnostic {
	case psktls.DiagPSKMismatch:
		s.diagnostic.OnPSKMismatch(he.Identity, peerAddr, he.IdentityExists)
		if s.metrics != nil {
			s.metrics.PSKMismatchTotal.Inc()
		}
	case psktls.DiagHandshakeTimeout, psktls.DiagHandshakeInterrupted, psktls.DiagHandshakeFailure:
		s.diagnostic.OnHandshakeInterrupted(peerAddr, string(he.PartialState), string(he.Diagnostic))
	}
}
