package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftmq/driftmq/storage"
)

// Manager manages all sessions on this node: the cache of live sessions,
// resume/takeover on reconnect, and persistence of session state.
type Manager struct {
	mu    sync.Mutex // serializes create/destroy per node
	cache Cache

	store *storage.Store

	logger *slog.Logger

	// Callbacks
	onSessionCreate  func(*Session)
	onSessionDestroy func(*Session)
	onWillTrigger    func(*storage.WillMessage)
	onTakeover       func(*Session)

	// Background tasks
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager over the given store. The store may
// be nil for purely in-memory operation.
func NewManager(st *storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cache:  NewShardedCache(),
		store:  st,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.expiryLoop()

	return m
}

// Get returns a session by client ID, or nil if not found.
func (m *Manager) Get(clientID string) *Session {
	return m.cache.Get(clientID)
}

// GetOrCreate gets an existing session or creates a new one. A clean start
// destroys any existing state first. The second return value reports
// whether prior session state was resumed, which drives the CONNACK
// session-present flag.
func (m *Manager) GetOrCreate(clientID string, version byte, opts Options) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.cache.Get(clientID)

	if opts.CleanStart && existing != nil {
		if err := m.destroySessionLocked(existing); err != nil {
			return nil, false, err
		}
		existing = nil
	}

	// Takeover: a second CONNECT with the same client ID evicts the first
	// connection.
	if existing != nil {
		m.takeOverLocked(existing, version, opts)
		return existing, true, nil
	}

	sess := New(clientID, version, opts)

	resumed, err := m.restoreFromStorage(sess, clientID, opts)
	if err != nil {
		return nil, false, err
	}

	sess.SetOnDisconnect(func(s *Session, graceful bool) {
		m.handleDisconnect(s, graceful)
	})

	m.cache.Set(clientID, sess)

	if m.store != nil {
		if err := m.store.Sessions.Save(sess.Info()); err != nil {
			return nil, false, fmt.Errorf("save session: %w", err)
		}
	}

	if m.onSessionCreate != nil {
		go m.onSessionCreate(sess)
	}

	return sess, resumed, nil
}

// takeOverLocked disconnects the current connection of an existing session
// so the caller can attach the new one. Must be called with m.mu held.
func (m *Manager) takeOverLocked(sess *Session, version byte, opts Options) {
	if sess.IsConnected() {
		if m.onTakeover != nil {
			// Lets the broker send DISCONNECT 0x8E before the socket closes.
			m.onTakeover(sess)
		}
		sess.Disconnect(false)
	}
	sess.UpdateConnectionOptions(version, opts.KeepAlive, opts.Will)
}

// restoreFromStorage loads persisted metadata, offline messages and
// inflight state into a freshly built session. Returns whether any prior
// state existed.
func (m *Manager) restoreFromStorage(sess *Session, clientID string, opts Options) (bool, error) {
	if opts.CleanStart || m.store == nil {
		return false, nil
	}

	stored, err := m.store.Sessions.Get(clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("get session: %w", err)
	}
	if stored == nil {
		return false, nil
	}
	sess.RestoreFrom(stored)

	msgs, err := m.store.Messages.List(clientID + "/queue/")
	if err != nil {
		return false, fmt.Errorf("list offline messages: %w", err)
	}
	for _, msg := range msgs {
		if err := sess.OfflineQueue.Enqueue(msg); err != nil {
			m.logger.Warn("dropping persisted offline message",
				"client_id", clientID, "topic", msg.Topic, "error", err)
		}
	}
	if err := m.store.Messages.DeleteByPrefix(clientID + "/queue/"); err != nil {
		return false, fmt.Errorf("clear offline messages: %w", err)
	}

	inflightMsgs, err := m.store.Messages.List(clientID + "/inflight/")
	if err != nil {
		return false, fmt.Errorf("list inflight messages: %w", err)
	}
	for _, msg := range inflightMsgs {
		if msg.PacketID == 0 {
			continue
		}
		if err := sess.Inflight.Add(msg.PacketID, msg, Outbound); err != nil {
			m.logger.Warn("dropping persisted inflight message",
				"client_id", clientID, "packet_id", msg.PacketID, "error", err)
		}
	}
	if err := m.store.Messages.DeleteByPrefix(clientID + "/inflight/"); err != nil {
		return false, fmt.Errorf("clear inflight messages: %w", err)
	}

	return true, nil
}

// Save persists the session's current metadata, subscription set
// included. A nil store makes it a no-op.
func (m *Manager) Save(sess *Session) error {
	if m.store == nil {
		return nil
	}
	return m.store.Sessions.Save(sess.Info())
}

// Destroy removes a session completely.
func (m *Manager) Destroy(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.cache.Get(clientID)
	if sess == nil {
		return m.destroyStoredLocked(clientID)
	}
	return m.destroySessionLocked(sess)
}

// destroySessionLocked must be called with m.mu held.
func (m *Manager) destroySessionLocked(sess *Session) error {
	if sess.IsConnected() {
		sess.Disconnect(false)
	}

	if err := m.destroyStoredLocked(sess.ID); err != nil {
		return err
	}

	m.cache.Delete(sess.ID)

	if m.onSessionDestroy != nil {
		go m.onSessionDestroy(sess)
	}

	return nil
}

// destroyStoredLocked clears all persisted state for a client in one
// atomic batch.
func (m *Manager) destroyStoredLocked(clientID string) error {
	if m.store == nil {
		return nil
	}

	ops, err := m.store.Messages.DeleteClientOps(clientID)
	if err != nil {
		return fmt.Errorf("collect message deletes: %w", err)
	}
	ops = append(ops, m.store.Sessions.DeleteOps(clientID)...)
	ops = append(ops, m.store.Wills.DeleteOps(clientID)...)

	if err := m.store.KV().ApplyBatch(ops); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

// handleDisconnect persists session state when a connection drops. Runs in
// a callback goroutine; failures are logged, not propagated.
func (m *Manager) handleDisconnect(sess *Session, graceful bool) {
	if m.store != nil {
		if err := m.store.Sessions.Save(sess.Info()); err != nil {
			m.logger.Error("save session on disconnect", "client_id", sess.ID, "error", err)
		}

		will := sess.GetWill()
		switch {
		case !graceful && will != nil:
			// Schedule the will. Zero delay fires on the next sweep tick.
			will.TriggerAt = time.Now().Add(time.Duration(will.Delay) * time.Second)
			if err := m.store.Wills.Set(sess.ID, will); err != nil {
				m.logger.Error("schedule will", "client_id", sess.ID, "error", err)
			}
		case graceful:
			if err := m.store.Wills.Delete(sess.ID); err != nil {
				m.logger.Error("clear will", "client_id", sess.ID, "error", err)
			}
		}

		m.persistPendingMessages(sess)
	}

	// A session with no expiry and clean start leaves nothing behind.
	if sess.CleanStart && sess.ExpiryInterval == 0 {
		m.mu.Lock()
		if err := m.destroySessionLocked(sess); err != nil {
			m.logger.Error("destroy session on disconnect", "client_id", sess.ID, "error", err)
		}
		m.mu.Unlock()
	}
}

// persistPendingMessages snapshots the offline queue and inflight window
// to storage in one batch.
func (m *Manager) persistPendingMessages(sess *Session) {
	entries := make(map[string]*storage.Message)

	for i, msg := range sess.DrainOffline() {
		key := fmt.Sprintf("%s/queue/%010d", sess.ID, i)
		entries[key] = msg
	}
	for _, inf := range sess.Inflight.GetAll() {
		if inf.Direction != Outbound {
			continue
		}
		msg := inf.Message
		msg.PacketID = inf.PacketID
		key := fmt.Sprintf("%s/inflight/%05d", sess.ID, inf.PacketID)
		entries[key] = msg
	}

	if len(entries) == 0 {
		return
	}
	if err := m.store.Messages.StoreAll(entries); err != nil {
		m.logger.Error("persist pending messages", "client_id", sess.ID, "error", err)
	}
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	return m.cache.Count()
}

// ConnectedCount returns the number of connected sessions.
func (m *Manager) ConnectedCount() int {
	return m.cache.ConnectedCount()
}

// ForEach iterates over all sessions.
func (m *Manager) ForEach(fn func(*Session)) {
	m.cache.ForEach(fn)
}

// SetOnSessionCreate sets the session create callback.
func (m *Manager) SetOnSessionCreate(fn func(*Session)) {
	m.onSessionCreate = fn
}

// SetOnSessionDestroy sets the session destroy callback.
func (m *Manager) SetOnSessionDestroy(fn func(*Session)) {
	m.onSessionDestroy = fn
}

// SetOnWillTrigger sets the will trigger callback.
func (m *Manager) SetOnWillTrigger(fn func(*storage.WillMessage)) {
	m.onWillTrigger = fn
}

// SetOnTakeover sets the callback invoked on the old session before a
// takeover disconnects it.
func (m *Manager) SetOnTakeover(fn func(*Session)) {
	m.onTakeover = fn
}

// expiryLoop is the single per-node sweep for session expiry and delayed
// wills.
func (m *Manager) expiryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireSessions()
			m.triggerWills()
		case <-m.stopCh:
			return
		}
	}
}

// expireSessions destroys disconnected sessions whose expiry interval
// elapsed.
func (m *Manager) expireSessions() {
	now := time.Now()
	var toDelete []*Session

	m.cache.ForEach(func(sess *Session) {
		if sess.IsConnected() || sess.ExpiryInterval == 0 {
			return
		}
		disconnectedAt := sess.DisconnectedAt()
		if disconnectedAt.IsZero() {
			return
		}
		if now.After(disconnectedAt.Add(time.Duration(sess.ExpiryInterval) * time.Second)) {
			toDelete = append(toDelete, sess)
		}
	})

	m.mu.Lock()
	for _, sess := range toDelete {
		if err := m.destroySessionLocked(sess); err != nil {
			m.logger.Error("expire session", "client_id", sess.ID, "error", err)
		}
	}
	m.mu.Unlock()

	// Sessions persisted by a previous process may not be in the cache.
	if m.store != nil {
		expired, err := m.store.Sessions.GetExpired(now)
		if err != nil {
			m.logger.Error("scan expired sessions", "error", err)
			return
		}
		for _, clientID := range expired {
			if m.cache.Get(clientID) != nil {
				continue
			}
			if err := m.Destroy(clientID); err != nil {
				m.logger.Error("expire stored session", "client_id", clientID, "error", err)
			}
		}
	}
}

// triggerWills fires wills whose delay elapsed. A will is cancelled if its
// owner reconnected in the meantime.
func (m *Manager) triggerWills() {
	if m.store == nil || m.onWillTrigger == nil {
		return
	}

	pending, err := m.store.Wills.GetPending(time.Now())
	if err != nil {
		m.logger.Error("scan pending wills", "error", err)
		return
	}

	for clientID, will := range pending {
		sess := m.cache.Get(clientID)
		if sess != nil && sess.IsConnected() {
			if err := m.store.Wills.Delete(clientID); err != nil {
				m.logger.Error("cancel will", "client_id", clientID, "error", err)
			}
			continue
		}

		m.onWillTrigger(will)
		if err := m.store.Wills.Delete(clientID); err != nil {
			m.logger.Error("clear fired will", "client_id", clientID, "error", err)
		}
	}
}

// Close stops the manager, persisting the state of connected sessions.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	m.cache.ForEach(func(sess *Session) {
		if sess.IsConnected() {
			sess.Disconnect(true)
		}
	})

	return nil
}
