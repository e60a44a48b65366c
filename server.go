// Package rtxshell composes one shell session's worth of subsystems —
// Shell Session, Registry, Fan-out Bus, Prompt Detector, Command
// Orchestrator, Viewer Gateway and Tool API (spec §2) — into a single
// runnable Server. Grounded on the teacher's root server.go: a small
// Start/Wait/Stop compositor over a context-cancelled background
// goroutine and an errCh fed by whatever transport is listening.
package rtxshell

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/core"
	"pkt.systems/rtxshell/internal/ansiclean"
	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/internal/promptdetect"
	"pkt.systems/rtxshell/internal/registry"
	"pkt.systems/rtxshell/schema"
	"pkt.systems/rtxshell/shellsession"
	"pkt.systems/rtxshell/toolapi"
	"pkt.systems/rtxshell/viewergw"
)

// Server composes the shell session and the components built on top of
// it into a single lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	ToolAPI() *toolapi.API
}

// ViewerTransportConfig configures the WebSocket adapter the Viewer
// Gateway is exercised over (SPEC_FULL §4.7). The tool API has no
// transport of its own (spec.md §1); embedders call its methods
// in-process via Server.ToolAPI().
type ViewerTransportConfig struct {
	Addr     string
	BasePath string
	LagMax   int
}

// Config configures the compositor.
type Config struct {
	Target           shellsession.AuthConfig
	Session          schema.Config
	Viewer           ViewerTransportConfig
	ChangingCommands []promptdetect.PromptChangingCommand
	BannerQuiet      time.Duration
}

// New dials the shell session, learns its prompt signature from the
// login banner, and wires the Registry, Fan-out Bus, Prompt Detector,
// Orchestrator, Viewer Gateway and Tool API together for it.
func New(ctx context.Context, cfg Config, log pslog.Logger) (Server, error) {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	normalized, err := schema.NormalizeConfig(cfg.Session)
	if err != nil {
		return nil, err
	}
	cfg.Session = normalized
	if cfg.BannerQuiet <= 0 {
		cfg.BannerQuiet = 400 * time.Millisecond
	}
	if cfg.Viewer.BasePath == "" {
		cfg.Viewer.BasePath = "/viewer"
	}

	session, err := shellsession.Open(ctx, cfg.Target, log)
	if err != nil {
		return nil, err
	}

	banner := session.DrainBanner(cfg.BannerQuiet)
	sig := promptdetect.LearnSignature(lastLine(string(banner)))
	detector := promptdetect.New(sig, cfg.Session.PromptGraceMS)
	if len(cfg.ChangingCommands) > 0 {
		detector.SetChangingCommands(cfg.ChangingCommands)
	}

	sessionID := schema.SessionID(uuid.NewString())
	reg := registry.New(cfg.Session, log)
	bus := fanout.New(cfg.Session.ViewerQueueCapacity, cfg.Viewer.LagMax, log)
	orch := core.New(sessionID, session, reg, bus, detector, cfg.Session, log)
	orch.SetTarget(cfg.Target.Addr, cfg.Target.User)

	gw := viewergw.New(bus, orch, log)
	api := toolapi.New(orch)

	return &server{
		cfg:     cfg,
		session: session,
		orch:    orch,
		gateway: gw,
		api:     api,
		log:     log,
	}, nil
}

// lastLine strips ANSI control sequences and returns the last non-blank
// line, the idle prompt LearnSignature anchors on.
func lastLine(s string) string {
	clean := ansiclean.Strip(s)
	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

type server struct {
	cfg     Config
	session *shellsession.Session
	orch    *core.Orchestrator
	gateway *viewergw.Gateway
	api     *toolapi.API
	log     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	errCh   chan error
	started bool
}

func (s *server) ToolAPI() *toolapi.API {
	return s.api
}

func (s *server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.mu.Unlock()

	s.orch.Start()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Viewer.BasePath, s.viewerHandler())
	s.httpSrv = &http.Server{
		Addr:     s.cfg.Viewer.Addr,
		Handler:  mux,
		ErrorLog: pslog.LogLoggerWithLevel(s.log, pslog.ErrorLevel),
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("viewer gateway server failed", "err", err)
			s.errCh <- err
		}
	}()
	s.log.Info("server started", "viewer_addr", s.cfg.Viewer.Addr, "viewer_path", s.cfg.Viewer.BasePath)
	return nil
}

func (s *server) viewerHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("viewer upgrade failed", "err", err)
			return
		}
		id := schema.ViewerID(uuid.NewString())
		if err := s.gateway.Attach(r.Context(), id, viewergw.NewWSConn(conn)); err != nil {
			s.log.Warn("viewer attachment ended with error", "viewer", id, "err", err)
		}
	}
}

func (s *server) Wait() error {
	s.mu.Lock()
	ctx, errCh, started := s.ctx, s.errCh, s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		_ = s.Stop(context.Background())
		return err
	}
}

func (s *server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.log.Info("server stop requested")
	s.orch.Stop()
	if s.httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	_ = s.session.Close()
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
