package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DialFunc opens one TCP connection. Overridable so tests can wire the
// manager to an in-process controller.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDialer replaces the default net.Dialer.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// link is the live state of one channel.
type link struct {
	conn         net.Conn
	state        State
	lastActivity time.Time
	failures     int
}

// Manager owns the controller's three connections. All methods are safe for
// concurrent use; the dashboard request/response pair is additionally
// serialized so concurrent queries cannot interleave replies.
type Manager struct {
	cfg  Config
	dial DialFunc
	log  *zap.Logger

	mu    sync.Mutex
	links map[Kind]*link
	// telemetrySession increments on every successful telemetry connect.
	telemetrySession uint64

	cbMu    sync.Mutex
	onState []func(StateChange)
	cbQueue []StateChange
	cbBusy  bool

	// dashMu serializes one dashboard query at a time; dashRd survives
	// between queries so buffered bytes are not lost.
	dashMu sync.Mutex
	dashRd *bufio.Reader
}

// NewManager builds a manager for the controller in cfg. No connection is
// attempted until Open or OpenAll.
func NewManager(cfg Config, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg: cfg,
		log: log.Named("channel"),
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		links: map[Kind]*link{
			Command:   {state: Disconnected},
			Telemetry: {state: Disconnected},
			Dashboard: {state: Disconnected},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers fn for every state transition. Callbacks run on a
// dispatch goroutine, one transition at a time in order, never on the
// goroutine that triggered the transition. A callback may therefore call back
// into the manager, and a consumer holding its own lock around SendScript
// cannot deadlock against its own state-change handler.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onState = append(m.onState, fn)
}

// State returns the channel's current lifecycle state.
func (m *Manager) State(kind Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[kind].state
}

// LastActivity returns the time of the channel's last successful read or
// write, zero if none yet.
func (m *Manager) LastActivity(kind Kind) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[kind].lastActivity
}

// Open connects one channel, retrying up to the configured budget with
// exponential backoff. Returns ErrConnectFailed once the budget is spent.
func (m *Manager) Open(ctx context.Context, kind Kind) error {
	m.setState(kind, Connecting, nil)

	attempts := m.cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	delay := m.cfg.RetryBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				m.setState(kind, Disconnected, ctx.Err())
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = m.cfg.nextBackoff(delay)
		}

		conn, err := m.dialOnce(ctx, kind)
		if err != nil {
			lastErr = err
			m.log.Warn("dial failed",
				zap.Stringer("channel", kind),
				zap.Int("attempt", i+1),
				zap.Error(err))
			continue
		}

		if err := m.adopt(kind, conn); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		m.setState(kind, Connected, nil)
		m.log.Info("channel connected", zap.Stringer("channel", kind), zap.String("addr", m.cfg.addr(kind)))
		return nil
	}

	m.setState(kind, Disconnected, lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, kind, attempts, lastErr)
}

func (m *Manager) dialOnce(ctx context.Context, kind Kind) (net.Conn, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	return m.dial(ctx, "tcp", m.cfg.addr(kind))
}

// adopt installs a fresh connection for kind, closing any previous one and
// running per-channel connect rites.
func (m *Manager) adopt(kind Kind, conn net.Conn) error {
	if kind == Dashboard {
		// The dashboard server greets every connection with a banner line;
		// consume it so the first Query reads its own reply.
		rd := bufio.NewReader(conn)
		if m.cfg.ReceiveTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.cfg.ReceiveTimeout))
		}
		banner, err := rd.ReadString('\n')
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("dashboard banner: %w", err)
		}
		m.log.Debug("dashboard banner", zap.String("banner", strings.TrimSpace(banner)))
		m.dashMu.Lock()
		m.dashRd = rd
		m.dashMu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[kind]
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.failures = 0
	l.lastActivity = time.Now()
	if kind == Telemetry {
		m.telemetrySession++
	}
	return nil
}

// OpenAll connects every channel, dashboard first. The first failure aborts.
func (m *Manager) OpenAll(ctx context.Context) error {
	for _, kind := range Kinds {
		if err := m.Open(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects one channel.
func (m *Manager) Close(kind Kind) {
	m.mu.Lock()
	l := m.links[kind]
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	m.mu.Unlock()
	m.setState(kind, Disconnected, nil)
}

// CloseAll disconnects everything.
func (m *Manager) CloseAll() {
	for _, kind := range Kinds {
		m.Close(kind)
	}
}

// SendScript writes one script statement on the command channel, appending
// the newline terminator. A write failure degrades the channel and returns
// ErrSendFailed.
func (m *Manager) SendScript(ctx context.Context, script string) error {
	m.mu.Lock()
	l := m.links[Command]
	if l.state != Connected || l.conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: command channel is %s", ErrNotConnected, l.state)
	}
	conn := l.conn
	m.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout))
	}
	defer conn.SetWriteDeadline(time.Time{})

	if _, err := io.WriteString(conn, script+"\n"); err != nil {
		m.setState(Command, Degraded, err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	m.touch(Command)
	return nil
}

// Query writes one dashboard verb and returns the single-line reply with
// the trailing newline trimmed. Queries are serialized.
func (m *Manager) Query(ctx context.Context, verb string) (string, error) {
	m.dashMu.Lock()
	defer m.dashMu.Unlock()

	m.mu.Lock()
	l := m.links[Dashboard]
	if l.state != Connected || l.conn == nil || m.dashRd == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: dashboard channel is %s", ErrNotConnected, l.state)
	}
	conn := l.conn
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.ReceiveTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(conn, verb+"\n"); err != nil {
		m.setState(Dashboard, Degraded, err)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	reply, err := m.dashRd.ReadString('\n')
	if err != nil {
		m.setState(Dashboard, Degraded, err)
		return "", fmt.Errorf("%w: dashboard read: %v", ErrSendFailed, err)
	}
	m.touch(Dashboard)
	return strings.TrimRight(reply, "\r\n"), nil
}

// TelemetryStream returns a reader over the telemetry connection and the
// current session counter. Each Read refreshes the receive-timeout deadline;
// a read failure degrades the channel and ends the stream.
func (m *Manager) TelemetryStream() (io.Reader, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[Telemetry]
	if l.state != Connected || l.conn == nil {
		return nil, 0, fmt.Errorf("%w: telemetry channel is %s", ErrNotConnected, l.state)
	}
	return &telemetryReader{m: m, conn: l.conn}, m.telemetrySession, nil
}

// RecoverTelemetry blocks until the telemetry channel is reconnected or ctx
// is done, backing off between rounds of the regular retry budget.
func (m *Manager) RecoverTelemetry(ctx context.Context) error {
	m.Close(Telemetry)
	delay := m.cfg.RetryBackoff
	for {
		if err := m.Open(ctx, Telemetry); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = m.cfg.nextBackoff(delay)
	}
}

// Run supervises the command and dashboard channels: any that is Degraded or
// Disconnected is reconnected with the regular retry budget. Telemetry
// recovery is driven by its consumer through RecoverTelemetry.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.RetryBackoff
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, kind := range []Kind{Dashboard, Command} {
			if s := m.State(kind); s != Degraded && s != Disconnected {
				continue
			}
			m.Close(kind)
			if err := m.Open(ctx, kind); err != nil {
				m.log.Warn("reconnect failed", zap.Stringer("channel", kind), zap.Error(err))
			}
		}
	}
}

func (m *Manager) touch(kind Kind) {
	m.mu.Lock()
	m.links[kind].lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) setState(kind Kind, s State, cause error) {
	m.mu.Lock()
	l := m.links[kind]
	old := l.state
	if old == s {
		m.mu.Unlock()
		return
	}
	l.state = s
	if s == Degraded || (s == Disconnected && cause != nil) {
		l.failures++
	}
	m.mu.Unlock()

	change := StateChange{Channel: kind, Old: old, New: s, Err: cause, At: time.Now()}
	m.enqueueChange(change)
	if s == Degraded {
		m.log.Warn("channel degraded", zap.Stringer("channel", kind), zap.Error(cause))
	}
}

// enqueueChange hands the transition to the dispatch goroutine. The queue
// keeps delivery ordered; the goroutine exists only while changes are
// pending.
func (m *Manager) enqueueChange(change StateChange) {
	m.cbMu.Lock()
	m.cbQueue = append(m.cbQueue, change)
	if m.cbBusy {
		m.cbMu.Unlock()
		return
	}
	m.cbBusy = true
	m.cbMu.Unlock()
	go m.drainChanges()
}

func (m *Manager) drainChanges() {
	for {
		m.cbMu.Lock()
		if len(m.cbQueue) == 0 {
			m.cbBusy = false
			m.cbMu.Unlock()
			return
		}
		change := m.cbQueue[0]
		m.cbQueue = m.cbQueue[1:]
		cbs := m.onState
		m.cbMu.Unlock()

		for _, fn := range cbs {
			fn(change)
		}
	}
}

// telemetryReader binds reads to the receive timeout and keeps the
// last-activity clock fresh.
type telemetryReader struct {
	m    *Manager
	conn net.Conn
}

func (r *telemetryReader) Read(p []byte) (int, error) {
	if r.m.cfg.ReceiveTimeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.m.cfg.ReceiveTimeout))
	}
	n, err := r.conn.Read(p)
	if n > 0 {
		r.m.touch(Telemetry)
	}
	if err != nil {
		r.m.setState(Telemetry, Degraded, err)
	}
	return n, err
}
