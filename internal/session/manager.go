package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/warp-terra/repoagent/internal/agent"
	"github.com/warp-terra/repoagent/internal/tools"
	"github.com/warp-terra/repoagent/pkg/models"
)

// Sentinel errors surfaced by the manager.
var (
	ErrSessionExists   = errors.New("会话已存在")
	ErrSessionNotFound = errors.New("会话不存在或仍在初始化")
)

// RuntimeFactory builds one provider runtime per session.
type RuntimeFactory func() (agent.Runtime, error)

// Manager is a thread-safe map of session id to session.
type Manager struct {
	maxEvents  int
	newRuntime RuntimeFactory
	registry   *tools.Registry
	logger     *slog.Logger

	mu sync.Mutex
	// sessions maps id to session; a nil value reserves the id while the
	// session is still initializing.
	sessions map[string]*Session
}

// NewManager creates a manager. Every created session shares the tool
// registry and gets its own runtime from the factory.
func NewManager(newRuntime RuntimeFactory, registry *tools.Registry, maxEvents int, logger *slog.Logger) *Manager {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxEvents:  maxEvents,
		newRuntime: newRuntime,
		registry:   registry,
		logger:     logger,
		sessions:   map[string]*Session{},
	}
}

// Create reserves the id, builds the runtime and session, starts it, and
// publishes it. On any failure the reservation is removed.
func (m *Manager) Create(sessionID string) (*Session, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = newSessionID()
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w：%s", ErrSessionExists, id)
	}
	m.sessions[id] = nil
	m.mu.Unlock()

	session, err := m.buildSession(id)
	if err != nil {
		m.mu.Lock()
		if existing, ok := m.sessions[id]; ok && existing == nil {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "provider", session.runtime.Provider(), "model_id", session.runtime.ModelID())
	return session, nil
}

func (m *Manager) buildSession(id string) (*Session, error) {
	runtime, err := m.newRuntime()
	if err != nil {
		return nil, err
	}
	session := New(id, runtime, m.registry, m.maxEvents, m.logger)
	session.Start()
	return session, nil
}

// Get returns the session for id, or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	session := m.sessions[id]
	m.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("%w：%s", ErrSessionNotFound, id)
	}
	return session, nil
}

// List returns status snapshots of all fully-initialized sessions, sorted
// by id for stable output.
func (m *Manager) List() []models.SessionStatus {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	m.mu.Unlock()

	sortSessions(sessions)
	statuses := make([]models.SessionStatus, 0, len(sessions))
	for _, session := range sessions {
		statuses = append(statuses, session.Status())
	}
	return statuses
}

// StopAll gracefully stops every session and clears the map.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}
}

// newSessionID generates an opaque 12-hex-char identifier.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// sortSessions orders sessions by id.
func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
}
