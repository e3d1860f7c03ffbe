package main

import (
	"testing"
	"time"

	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/session"
	"github.com/rewired-gh/auctionsync/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestForgetClearsHistoryWithoutSession(t *testing.T) {
	store, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveNotification(models.NotificationItem{
		ID:        "n1",
		Message:   "You were outbid",
		Category:  models.CategoryInfo,
		CreatedAt: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}))
	sess, err := session.NewStore(store, nil)
	require.NoError(t, err)
	require.Empty(t, sess.Token())

	require.NoError(t, forget(sess, store))
	items, err := store.RecentNotifications(10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestForgetDropsSession(t *testing.T) {
	store, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sess, err := session.NewStore(store, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Login("tok", models.UserRef{Username: "alice"}))

	require.NoError(t, forget(sess, store))
	require.Empty(t, sess.Token())
	_, err = sess.User()
	require.ErrorIs(t, err, session.ErrNoSession)

	reloaded, err := session.NewStore(store, nil)
	require.NoError(t, err)
	require.Empty(t, reloaded.Token())
}
