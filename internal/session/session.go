// Package session holds the authenticated session with an explicit lifecycle: Login installs it,
// Logout (or a server 401 via Invalidate) tears it down.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/storage"
)

// ErrNoSession is returned when no user is logged in.
var ErrNoSession = errors.New("no active session")

// Persister stores the session between runs.
type Persister interface {
	SaveSession(models.Session) error
	LoadSession() (models.Session, error)
	ClearSession() error
}

// Store is the single owner of the session. It is safe for concurrent use.
type Store struct {
	persist Persister
	clock   clock.Clock

	mu       sync.RWMutex
	current  *models.Session
	onLogout []func()
}

// NewStore creates a Store and restores any persisted session. persist may be nil.
func NewStore(persist Persister, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{persist: persist, clock: clk}
	if persist == nil {
		return s, nil
	}
	sess, err := persist.LoadSession()
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to restore session: %w", err)
	default:
		s.current = &sess
		logger.Info("Restored session for %s", sess.User.Username)
	}
	return s, nil
}

// OnLogout registers fn to run after every logout, including server-forced ones.
func (s *Store) OnLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// Login installs a session handed over by the authentication flow.
func (s *Store) Login(token string, user models.UserRef) error {
	if token == "" {
		return errors.New("token must not be empty")
	}
	if user.Username == "" {
		return errors.New("username must not be empty")
	}
	sess := models.Session{Token: token, User: user, SavedAt: s.clock.Now()}
	if s.persist != nil {
		if err := s.persist.SaveSession(sess); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	logger.Info("Logged in as %s", user.Username)
	return nil
}

// Logout tears the session down. It is a no-op without a session.
func (s *Store) Logout() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	s.current = nil
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	var err error
	if s.persist != nil {
		err = s.persist.ClearSession()
	}
	for _, fn := range hooks {
		fn()
	}
	logger.Info("Logged out")
	return err
}

// Token returns the session token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// Invalidate is called when the server rejects the token.
func (s *Store) Invalidate() {
	if err := s.Logout(); err != nil {
		logger.Warn("Failed to clear rejected session: %v", err)
	}
}

// User returns the logged-in user.
func (s *Store) User() (models.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.UserRef{}, ErrNoSession
	}
	return s.current.User, nil
}

// Header returns the credentials header for websocket dials.
func (s *Store) Header() http.Header {
	h := http.Header{}
	if tok := s.Token(); tok != "" {
		h.Set("Authorization", "Token "+tok)
	}
	return h
}
