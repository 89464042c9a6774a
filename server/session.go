package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/arrowgate/arrowgate/engine"
)

const (
	// SessionHeaderKey is the gRPC metadata key carrying the session token.
	SessionHeaderKey = "x-arrowgate-session"

	defaultSessionIdleTTL  = 10 * time.Minute
	defaultSessionReapTick = 1 * time.Minute
)

const (
	reapTriggerIdle     = "idle"
	reapTriggerShutdown = "shutdown"
)

// clientSession pairs one engine session with the client identity that
// bootstrapped it. Engine sessions are not assumed goroutine-safe, so
// opMu serializes engine operations; a result stream holds the lock only
// while pulling a batch.
type clientSession struct {
	token    string
	username string
	eng      engine.Session

	lastUsed atomic.Int64
	streams  atomic.Int32

	opMu sync.Mutex
}

func newClientSession(token, username string, eng engine.Session) *clientSession {
	s := &clientSession{token: token, username: username, eng: eng}
	s.touch()
	return s
}

func (s *clientSession) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

func (s *clientSession) idleSince() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Plan satisfies Planner so the registry prepares through the session's
// operation lock.
func (s *clientSession) Plan(ctx context.Context, sql string) (engine.Plan, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.Plan(ctx, sql)
}

func (s *clientSession) update(ctx context.Context, sql string) (int64, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.Update(ctx, sql)
}

// query opens an engine result stream. The returned stream serializes
// its pulls against other operations on this session.
func (s *clientSession) query(ctx context.Context, sql string) (engine.ResultStream, error) {
	s.touch()
	s.opMu.Lock()
	stream, err := s.eng.Query(ctx, sql)
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return &serializedStream{inner: stream, sess: s}, nil
}

func (s *clientSession) listCatalogs(ctx context.Context) ([]string, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.ListCatalogs(ctx)
}

func (s *clientSession) listSchemas(ctx context.Context, catalog *string) ([]engine.DBSchema, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.ListSchemas(ctx, catalog)
}

func (s *clientSession) listTables(ctx context.Context, filter engine.TableFilter) ([]engine.Table, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.ListTables(ctx, filter)
}

func (s *clientSession) listPrimaryKeys(ctx context.Context, ref engine.TableRef) ([]engine.KeyColumn, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.ListPrimaryKeys(ctx, ref)
}

func (s *clientSession) listCrossReference(ctx context.Context, pkRef, fkRef engine.TableRef) ([]engine.ForeignKeyColumn, error) {
	s.touch()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.eng.ListCrossReference(ctx, pkRef, fkRef)
}

func (s *clientSession) beginStream() { s.streams.Add(1) }
func (s *clientSession) endStream()   { s.streams.Add(-1) }

func (s *clientSession) activeStreams() int {
	return int(s.streams.Load())
}

// serializedStream takes the session op lock around each pull so a
// stream never interleaves with a plan or update on the same engine
// session. Close is idempotent.
type serializedStream struct {
	inner engine.ResultStream
	sess  *clientSession
	once  sync.Once
	cerr  error
}

func (st *serializedStream) Schema() *arrow.Schema {
	return st.inner.Schema()
}

func (st *serializedStream) Next(ctx context.Context) (arrow.RecordBatch, error) {
	st.sess.touch()
	st.sess.opMu.Lock()
	defer st.sess.opMu.Unlock()
	return st.inner.Next(ctx)
}

func (st *serializedStream) Close() error {
	st.once.Do(func() {
		st.sess.opMu.Lock()
		st.cerr = st.inner.Close()
		st.sess.opMu.Unlock()
	})
	return st.cerr
}

// sessionStore owns the mapping from opaque session tokens to engine
// sessions. Sessions bootstrap lazily on the first authenticated RPC and
// are reaped after sitting idle with no open streams.
type sessionStore struct {
	engine   engine.Engine
	registry *Registry
	logger   *slog.Logger

	idleTTL  time.Duration
	reapTick time.Duration

	mu       sync.Mutex
	sessions map[string]*clientSession

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSessionStore(eng engine.Engine, reg *Registry, logger *slog.Logger, idleTTL, reapTick time.Duration) *sessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	if reapTick <= 0 {
		reapTick = defaultSessionReapTick
	}
	st := &sessionStore{
		engine:   eng,
		registry: reg,
		logger:   logger,
		idleTTL:  idleTTL,
		reapTick: reapTick,
		sessions: make(map[string]*clientSession),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go st.reapLoop()
	return st
}

func generateSessionToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// create opens a fresh engine session for the given credentials and
// registers it under a new token.
func (st *sessionStore) create(ctx context.Context, creds engine.Credentials) (*clientSession, error) {
	eng, err := st.engine.OpenSession(ctx, creds)
	if err != nil {
		return nil, err
	}
	token, err := generateSessionToken()
	if err != nil {
		eng.Close()
		return nil, err
	}
	sess := newClientSession(token, creds.Username, eng)

	st.mu.Lock()
	st.sessions[token] = sess
	n := len(st.sessions)
	st.mu.Unlock()

	observeActiveSessions(n)
	st.logger.Info("session opened", "session", token, "user", creds.Username)
	return sess, nil
}

func (st *sessionStore) get(token string) (*clientSession, bool) {
	st.mu.Lock()
	sess, ok := st.sessions[token]
	st.mu.Unlock()
	if ok {
		sess.touch()
	}
	return sess, ok
}

// remove tears down a single session: prepared statements owned by it
// are disposed and the engine session is closed.
func (st *sessionStore) remove(token, trigger string) {
	st.mu.Lock()
	sess, ok := st.sessions[token]
	if ok {
		delete(st.sessions, token)
	}
	n := len(st.sessions)
	st.mu.Unlock()
	if !ok {
		return
	}

	observeActiveSessions(n)
	disposed := st.registry.DisposeOwned(token)
	if err := sess.eng.Close(); err != nil {
		st.logger.Warn("closing engine session", "session", token, "error", err)
	}
	observeSessionsReaped(trigger, 1)
	st.logger.Info("session closed", "session", token, "trigger", trigger, "statements_disposed", disposed)
}

func (st *sessionStore) reapLoop() {
	defer close(st.doneCh)
	ticker := time.NewTicker(st.reapTick)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-ticker.C:
			st.reapIdle()
		}
	}
}

func (st *sessionStore) reapIdle() {
	cutoff := time.Now().Add(-st.idleTTL)

	st.mu.Lock()
	var expired []string
	for token, sess := range st.sessions {
		if sess.activeStreams() > 0 {
			continue
		}
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, token)
		}
	}
	st.mu.Unlock()

	for _, token := range expired {
		st.remove(token, reapTriggerIdle)
	}
}

// Close stops the reap loop and tears down every live session.
func (st *sessionStore) Close() {
	st.stopOnce.Do(func() {
		close(st.stopCh)
		<-st.doneCh

		st.mu.Lock()
		tokens := make([]string, 0, len(st.sessions))
		for token := range st.sessions {
			tokens = append(tokens, token)
		}
		st.mu.Unlock()
		for _, token := range tokens {
			st.remove(token, reapTriggerShutdown)
		}
	})
}
