package session

import (
	"testing"

	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/storage"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoginLogout(t *testing.T) {
	st := newStorage(t)
	s, err := NewStore(st, nil)
	require.NoError(t, err)

	_, err = s.User()
	require.ErrorIs(t, err, ErrNoSession)
	require.Empty(t, s.Token())
	require.Empty(t, s.Header().Get("Authorization"))

	require.NoError(t, s.Login("abc", models.UserRef{ID: "3", Username: "bob"}))
	require.Equal(t, "abc", s.Token())
	require.Equal(t, "Token abc", s.Header().Get("Authorization"))
	u, err := s.User()
	require.NoError(t, err)
	require.Equal(t, "bob", u.Username)

	loggedOut := 0
	s.OnLogout(func() { loggedOut++ })
	require.NoError(t, s.Logout())
	require.NoError(t, s.Logout())
	require.Equal(t, 1, loggedOut)
	require.Empty(t, s.Token())

	_, err = st.LoadSession()
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionSurvivesRestart(t *testing.T) {
	st := newStorage(t)
	first, err := NewStore(st, nil)
	require.NoError(t, err)
	require.NoError(t, first.Login("abc", models.UserRef{Username: "bob"}))

	second, err := NewStore(st, nil)
	require.NoError(t, err)
	require.Equal(t, "abc", second.Token())
}

func TestInvalidateLogsOut(t *testing.T) {
	s, err := NewStore(nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Login("abc", models.UserRef{Username: "bob"}))

	called := false
	s.OnLogout(func() { called = true })
	s.Invalidate()
	require.True(t, called)
	require.Empty(t, s.Token())
}

func TestLoginValidation(t *testing.T) {
	s, err := NewStore(nil, nil)
	require.NoError(t, err)
	require.Error(t, s.Login("", models.UserRef{Username: "bob"}))
	require.Error(t, s.Login("abc", models.UserRef{}))
}
