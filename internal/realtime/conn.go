package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parkops/lotsync/internal/fault"
)

// Status is the connectivity state of the manager. Transitions run
// strictly disconnected → connecting → connected → disconnected.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// DefaultDialTimeout bounds each connect attempt. Every network call in
// the session has a seconds-scale timeout; expiry is a transient fault
// that feeds the backoff schedule.
const DefaultDialTimeout = 10 * time.Second

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	// URL of the realtime endpoint.
	URL string

	// DialTimeout per connect attempt. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration

	// MaxRetries bounds consecutive failed connect attempts before the
	// manager gives up and stays disconnected. Zero retries forever.
	MaxRetries int

	// Transport dials sessions. Nil uses the websocket transport.
	Transport Transport

	// Backoff schedules reconnect delays. Nil uses the defaults.
	Backoff *Backoff

	// Apply is invoked per offline mutation during post-reconnect
	// replay. Nil disables replay.
	Apply ApplyFunc
}

// Manager owns one logical realtime session per client process.
//
// Construct once at startup and inject into dependents; there is no
// ambient global instance. Disconnect is terminal for the component:
// it cancels every pending timer and closes the dispatcher, and no
// callback fires after it returns. Use Reconnect to recycle the
// underlying connection without tearing the component down.
type Manager struct {
	cfg        ManagerConfig
	clientID   string
	dispatcher *Dispatcher
	offline    *OfflineQueue
	log        *slog.Logger

	mu         sync.Mutex
	status     Status
	conn       Conn
	retryTimer *time.Timer
	sessionCtx context.Context
	cancel     context.CancelFunc
	readDone   chan struct{}
	closed     bool
}

// NewManager creates a manager wired to a dispatcher and an optional
// offline queue. The client id is stable for the manager's lifetime and
// identifies this session for presence and debugging.
func NewManager(cfg ManagerConfig, dispatcher *Dispatcher, offline *OfflineQueue, log *slog.Logger) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = WebsocketTransport{}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(0, 0, 0)
	}
	if log == nil {
		log = slog.Default()
	}
	clientID := uuid.Must(uuid.NewV7()).String()
	return &Manager{
		cfg:        cfg,
		clientID:   clientID,
		dispatcher: dispatcher,
		offline:    offline,
		log:        log.With("client_id", clientID),
		status:     StatusDisconnected,
	}
}

// ClientID returns the stable per-session client identifier.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Status returns the current connectivity state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect establishes the session. The first attempt runs synchronously;
// a transient failure is absorbed and retried in the background with
// capped jittered backoff, per the propagation policy. Connect returns
// a non-nil error only for terminal conditions (manager already torn
// down, context cancelled).
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fault.New(fault.CodeValidation, "connection manager is torn down")
	}
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusConnecting
	sessionCtx, cancel := context.WithCancel(context.Background())
	m.sessionCtx = sessionCtx
	m.cancel = cancel
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		m.setStatus(StatusDisconnected)
		return err
	}

	if err := m.dial(); err != nil {
		m.log.Warn("connect failed, scheduling retry", "error", err)
		m.scheduleRetry()
	}
	return nil
}

// Reconnect drops the current connection and dials again from a fresh
// backoff schedule. The dispatcher and its subscriptions survive.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed || m.sessionCtx == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopRetryLocked()
	m.status = StatusConnecting
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.cfg.Backoff.Reset()

	if err := m.dial(); err != nil {
		m.log.Warn("reconnect failed, scheduling retry", "error", err)
		m.scheduleRetry()
	}
}

// Disconnect tears the component down: close the connection, cancel the
// retry timer, and close the dispatcher. Deterministic: when Disconnect
// returns, no subscriber callback will fire again. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.status = StatusDisconnected
	conn := m.conn
	m.conn = nil
	readDone := m.readDone
	m.stopRetryLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if readDone != nil {
		<-readDone
	}
	if m.dispatcher != nil {
		m.dispatcher.Close()
	}
}

// dial performs one connect attempt and, on success, starts the session
// goroutine (offline replay first, then the read loop).
func (m *Manager) dial() error {
	m.mu.Lock()
	sessionCtx := m.sessionCtx
	m.mu.Unlock()
	if sessionCtx == nil || sessionCtx.Err() != nil {
		return fault.New(fault.CodeValidation, "session cancelled")
	}

	dialCtx, cancel := context.WithTimeout(sessionCtx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.cfg.Transport.Dial(dialCtx, m.cfg.URL)
	if err != nil {
		return err
	}

	readDone := make(chan struct{})

	m.mu.Lock()
	if m.closed || sessionCtx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		close(readDone)
		return fault.New(fault.CodeValidation, "session cancelled")
	}
	m.conn = conn
	m.readDone = readDone
	m.status = StatusConnected
	m.mu.Unlock()

	m.cfg.Backoff.Reset()
	m.log.Info("connected", "url", m.cfg.URL)

	go func() {
		defer close(readDone)
		m.replayOffline(sessionCtx)
		m.readLoop(sessionCtx, conn)
	}()
	return nil
}

// replayOffline drains the offline queue through the configured apply
// function. Permanent failures were already reported by the queue; here
// they are only counted.
func (m *Manager) replayOffline(ctx context.Context) {
	if m.offline == nil || m.cfg.Apply == nil || m.offline.Len() == 0 {
		return
	}
	failed := m.offline.Replay(ctx, m.cfg.Apply)
	if len(failed) > 0 {
		m.log.Error("offline replay finished with failures", "failed", len(failed))
	} else {
		m.log.Info("offline replay complete")
	}
}

// readLoop pumps frames from the wire into the dispatcher until the
// connection dies or the session is cancelled.
func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				return
			}
			m.log.Warn("connection lost, scheduling reconnect", "error", err)
			m.handleDrop(conn)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		ev, err := frame.Normalize(time.Now())
		if err != nil {
			m.log.Warn("dropping unnormalizable frame", "error", err)
			continue
		}
		m.dispatcher.Ingest(ev)
	}
}

// handleDrop transitions to disconnected after an unexpected connection
// loss and schedules a backoff reconnect.
func (m *Manager) handleDrop(conn Conn) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	_ = conn.Close()
	m.setStatus(StatusConnecting)
	m.scheduleRetry()
}

// scheduleRetry arms the reconnect timer. The timer is owned by the
// manager and cancelled on Disconnect, so teardown leaves nothing armed.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.sessionCtx == nil || m.sessionCtx.Err() != nil {
		return
	}

	if m.cfg.MaxRetries > 0 && m.cfg.Backoff.Attempt() >= m.cfg.MaxRetries {
		m.status = StatusDisconnected
		m.log.Error("giving up after max connect retries", "retries", m.cfg.MaxRetries)
		return
	}

	delay := m.cfg.Backoff.Next()
	m.status = StatusConnecting
	m.log.Debug("reconnect scheduled", "delay", delay)
	m.retryTimer = time.AfterFunc(delay, func() {
		if m.isClosed() {
			return
		}
		if err := m.dial(); err != nil {
			m.log.Warn("reconnect attempt failed", "error", err)
			m.scheduleRetry()
		}
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.status = s
	}
}
