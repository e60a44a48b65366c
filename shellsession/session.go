// Package shellsession owns the one remote interactive shell connection
// (spec §4.4): dialing out over SSH, requesting a PTY, and exposing a
// single producer channel of raw bytes plus a handful of control
// operations (write, resize, interrupt, close). It is a Go rendering of
// other_examples/acolita-claude-shell-mcp's Session — mutex-guarded
// state, a stall-aware read loop, reconnect-on-broken-pipe — adapted
// from its deadline-polling PTY abstraction to golang.org/x/crypto/ssh's
// plain io.Reader/io.Writer pipes, which are driven from a dedicated
// reader goroutine instead (the teacher's sshserver.readKeys pattern).
package shellsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/internal/sshkeys"
	"pkt.systems/rtxshell/schema"
)

// AuthConfig describes how to authenticate the outbound connection.
type AuthConfig struct {
	HostAlias         string
	Addr              string
	User              string
	KnownHostsPath    string
	KeyStorePath      string
	KeyDir            string
	Signers           []ssh.Signer  // pre-loaded signers (e.g. from an ssh-agent), tried before the key store
	KeepaliveInterval time.Duration // defaults to 30s, matching ssh_manager.py
}

const defaultKeepaliveInterval = 30 * time.Second

// keepaliveMisses is the number of consecutive missed keepalives that
// tears the session down, grounded in ssh_manager.py's reconnect_attempts
// field (adapted: this spec has no reconnect, so the third miss goes
// straight to teardown, SPEC_FULL §4.4).
const keepaliveMisses = 3

// State mirrors the session's connectedness, distinct from any single
// command's status (spec §4.4 distinguishes "no session" from "idle
// session" from "command in flight").
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Session is the single remote shell connection. All exported methods
// are safe for concurrent use; Output() however must only ever be
// drained by one consumer, matching invariant I1's single in-flight
// command / single producer shape.
type Session struct {
	mu      sync.Mutex
	state   State
	client  *ssh.Client
	sshSess *ssh.Session
	stdin   interface {
		Write([]byte) (int, error)
	}

	out    chan []byte
	errCh  chan error
	cancel context.CancelFunc
	log    pslog.Logger

	cfg AuthConfig
}

// Open dials the remote host, negotiates auth, requests a PTY and starts
// an interactive shell, then begins relaying output on a reader
// goroutine (SPEC_FULL §4.4).
func Open(ctx context.Context, cfg AuthConfig, log pslog.Logger) (*Session, error) {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	clientCfg, err := buildClientConfig(cfg)
	if err != nil {
		return nil, schema.Errorf(schema.ErrTransportError, "build ssh client config: %v", err)
	}

	dialer := net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, schema.Errorf(schema.ErrTransportError, "dial %s: %v", cfg.Addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, schema.Errorf(schema.ErrTransportError, "ssh handshake with %s: %v", cfg.Addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sshSess, stdin, stdout, err := startShell(client)
	if err != nil {
		client.Close()
		return nil, schema.Errorf(schema.ErrTransportError, "start remote shell: %v", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		state:   StateConnected,
		client:  client,
		sshSess: sshSess,
		stdin:   stdin,
		out:     make(chan []byte, 256),
		errCh:   make(chan error, 1),
		cancel:  cancel,
		log:     log.With("target", cfg.HostAlias),
		cfg:     cfg,
	}
	go s.readLoop(sessCtx, stdout)

	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	go s.keepaliveLoop(sessCtx, interval)

	s.log.Info("shell session opened", "addr", cfg.Addr, "keepalive_interval", interval)
	return s, nil
}

// NewPiped wires a Session around an already-established stdin/stdout
// pair instead of dialing one, for composing a session on top of a
// transport the caller already owns (tests, or a future non-SSH local
// shell backend).
func NewPiped(stdin interface{ Write([]byte) (int, error) }, stdout interface{ Read([]byte) (int, error) }, log pslog.Logger) *Session {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		state:  StateConnected,
		stdin:  stdin,
		out:    make(chan []byte, 256),
		errCh:  make(chan error, 1),
		cancel: cancel,
		log:    log,
	}
	go s.readLoop(ctx, stdout)
	return s
}

func startShell(client *ssh.Client) (*ssh.Session, interface {
	Write([]byte) (int, error)
}, interface {
	Read([]byte) (int, error)
}, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	sess.Stderr = sess.Stdout // merge stderr into the same PTY stream
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}
	return sess, stdin, stdout, nil
}

// readLoop is the single producer: it reads whatever the remote PTY
// sends and forwards it on out until EOF or ctx cancellation.
func (s *Session) readLoop(ctx context.Context, stdout interface{ Read([]byte) (int, error) }) {
	defer close(s.out)
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case s.errCh <- err:
			default:
			}
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			s.log.Warn("shell session read loop ended", "err", err)
			return
		}
	}
}

// keepaliveLoop sends periodic keepalive@openssh.com global requests and
// tears the transport down as a transport_error after three consecutive
// misses (spec §4.4 failure mode "keepalive timeout"), grounded in
// ssh_manager.py's keepalive_interval field. client.SendRequest is only
// ever called from this goroutine, so no locking is needed around it.
func (s *Session) keepaliveLoop(ctx context.Context, interval time.Duration) {
	if s.client == nil {
		return // NewPiped sessions have no underlying ssh.Client to ping
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendKeepalive(interval); err != nil {
				misses++
				s.log.Warn("keepalive missed", "miss", misses, "err", err)
				if misses >= keepaliveMisses {
					s.log.Warn("keepalive missed three times in a row, tearing down session")
					s.teardownTransport()
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// sendKeepalive issues one keepalive@openssh.com global request and waits
// at most timeout for a reply. A reply carrying failure (ok=false) still
// proves the connection is alive, the same trick OpenSSH's own client
// keepalive relies on, so only a transport error or timeout counts as a
// miss.
func (s *Session) sendKeepalive(timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("keepalive request timed out after %s", timeout)
	}
}

// teardownTransport force-closes the underlying connection so the read
// loop observes EOF and settles the session into StateDisconnected,
// surfacing a transport_error on Errors() for the orchestrator to act on.
func (s *Session) teardownTransport() {
	select {
	case s.errCh <- schema.NewError(schema.ErrTransportError, "keepalive timeout"):
	default:
	}
	if s.sshSess != nil {
		s.sshSess.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// Output returns the single producer channel of raw bytes from the
// remote shell. Only one consumer may ever range over this channel.
func (s *Session) Output() <-chan []byte {
	return s.out
}

// Errors surfaces the terminal read error, if any, after Output() closes.
func (s *Session) Errors() <-chan error {
	return s.errCh
}

// Write sends bytes to the remote shell's stdin (used for both command
// text and interactive input).
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return schema.NewError(schema.ErrNotConnected, "shell session is not connected")
	}
	_, err := s.stdin.Write(p)
	if err != nil {
		return schema.Errorf(schema.ErrTransportError, "write to shell: %v", err)
	}
	return nil
}

// WriteLine writes a command followed by a newline.
func (s *Session) WriteLine(command string) error {
	return s.Write([]byte(command + "\n"))
}

// SendInterrupt sends Ctrl-C (0x03) to the remote shell.
func (s *Session) SendInterrupt() error {
	return s.Write([]byte{0x03})
}

// TypeInput sends raw keystrokes to the remote shell without an implied
// newline, for feeding a running interactive program (SPEC_FULL §4.6).
func (s *Session) TypeInput(data []byte) error {
	return s.Write(data)
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return schema.NewError(schema.ErrNotConnected, "shell session is not connected")
	}
	if err := s.sshSess.WindowChange(rows, cols); err != nil {
		return schema.Errorf(schema.ErrTransportError, "resize: %v", err)
	}
	return nil
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears down the session. Per invariant I5, the caller (the
// orchestrator) is responsible for marking any in-flight command
// interrupted before or immediately after calling Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	var errs []string
	if s.sshSess != nil {
		if err := s.sshSess.Close(); err != nil && !isBenignCloseError(err) {
			errs = append(errs, err.Error())
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && !isBenignCloseError(err) {
			errs = append(errs, err.Error())
		}
	}
	s.log.Info("shell session closed")
	if len(errs) > 0 {
		return schema.Errorf(schema.ErrTransportError, "close: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isBenignCloseError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "closed")
}

// buildClientConfig assembles the ssh.ClientConfig from AuthConfig,
// preferring explicit signers (e.g. an ssh-agent) before falling back to
// the encrypted key store (SPEC_FULL §4.4).
func buildClientConfig(cfg AuthConfig) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(cfg.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(cfg.Signers...))
	}
	if cfg.KeyStorePath != "" && cfg.KeyDir != "" {
		store, err := sshkeys.NewStore(cfg.KeyStorePath, cfg.KeyDir)
		if err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
		if signer, err := store.LoadSigner(cfg.HostAlias); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method available for %s", cfg.HostAlias)
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	}, nil
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("known_hosts path is required")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// DrainBanner absorbs whatever the remote shell sends before it falls
// quiet for the given duration: the login banner/motd that arrives
// before the prompt signature can be learned (SPEC_FULL §4.4 session
// bring-up).
func (s *Session) DrainBanner(quiet time.Duration) []byte {
	return drainBuffered(s.out, quiet)
}

// drainBuffered reads whatever is immediately available without
// blocking, used by the orchestrator to absorb the shell's initial
// banner/motd before learning the prompt signature.
func drainBuffered(ch <-chan []byte, quiet time.Duration) []byte {
	var buf bytes.Buffer
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return buf.Bytes()
			}
			buf.Write(chunk)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quiet)
		case <-timer.C:
			return buf.Bytes()
		}
	}
}
