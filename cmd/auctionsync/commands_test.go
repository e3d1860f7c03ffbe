package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/notify"
	"github.com/rewired-gh/auctionsync/internal/room"
	"github.com/rewired-gh/auctionsync/internal/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeBidder struct {
	amounts []string
}

func (b *fakeBidder) Submit(_ context.Context, amount decimal.Decimal) error {
	b.amounts = append(b.amounts, amount.StringFixed(2))
	return nil
}

type fakeViewer struct {
	view       room.View
	refreshErr error
	refreshes  int
	reconnects int
}

func (v *fakeViewer) View() room.View    { return v.view }
func (v *fakeViewer) StatusText() string { return "Brass lamp (auction 7)" }

func (v *fakeViewer) Refresh(context.Context) error {
	v.refreshes++
	return v.refreshErr
}

func (v *fakeViewer) Reconnect() error {
	v.reconnects++
	return room.ErrNotRunning
}

type fakeServer struct {
	marked []string
	err    error
}

func (s *fakeServer) MarkNotificationRead(_ context.Context, id string) error {
	s.marked = append(s.marked, id)
	return s.err
}

type shellFixture struct {
	sh     *shell
	out    *bytes.Buffer
	bids   *fakeBidder
	view   *fakeViewer
	agg    *notify.Aggregator
	server *fakeServer
	login  bool
}

func newShell(t *testing.T) *shellFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	agg := notify.New(mock, notify.DefaultConfig())
	t.Cleanup(agg.Close)

	f := &shellFixture{
		out:  &bytes.Buffer{},
		bids: &fakeBidder{},
		view: &fakeViewer{view: room.View{
			Loaded: true,
			QuickBids: []decimal.Decimal{
				decimal.RequireFromString("105"),
				decimal.RequireFromString("110"),
				decimal.RequireFromString("115"),
			},
		}},
		agg:    agg,
		server: &fakeServer{},
		login:  true,
	}
	f.sh = &shell{
		bids:     f.bids,
		view:     f.view,
		inbox:    agg,
		server:   f.server,
		out:      f.out,
		loggedIn: func() bool { return f.login },
		user: func() (models.UserRef, error) {
			if !f.login {
				return models.UserRef{}, session.ErrNoSession
			}
			return models.UserRef{Username: "alice"}, nil
		},
	}
	return f
}

func TestShellBidCommands(t *testing.T) {
	f := newShell(t)
	ctx := context.Background()

	f.sh.exec(ctx, "bid 150")
	f.sh.exec(ctx, "quick 3")
	f.sh.exec(ctx, "QUICK 1")
	require.Equal(t, []string{"150.00", "115.00", "105.00"}, f.bids.amounts)

	f.sh.exec(ctx, "bid")
	f.sh.exec(ctx, "bid lots")
	f.sh.exec(ctx, "quick 4")
	require.Len(t, f.bids.amounts, 3)
	require.Contains(t, f.out.String(), "Usage: bid <amount>")
	require.Contains(t, f.out.String(), "Invalid amount: lots")
	require.Contains(t, f.out.String(), "Usage: quick <1|2|3>")
}

func TestShellRequiresLoginToBid(t *testing.T) {
	f := newShell(t)
	f.login = false
	f.sh.exec(context.Background(), "bid 150")
	require.Empty(t, f.bids.amounts)
	require.Contains(t, f.out.String(), "Log in with --token")
}

func TestShellWhoami(t *testing.T) {
	f := newShell(t)
	f.sh.exec(context.Background(), "whoami")
	require.Equal(t, "Logged in as alice\n", f.out.String())

	f.out.Reset()
	f.login = false
	f.sh.exec(context.Background(), "whoami")
	require.Equal(t, "Not logged in\n", f.out.String())
}

func TestShellQuickBidBeforeLoad(t *testing.T) {
	f := newShell(t)
	f.view.view.Loaded = false
	f.sh.exec(context.Background(), "quick 1")
	require.Empty(t, f.bids.amounts)
	require.Contains(t, f.out.String(), "Auction is still loading")
}

func TestShellRefresh(t *testing.T) {
	f := newShell(t)
	f.view.refreshErr = errors.New("timeout")
	f.sh.exec(context.Background(), "refresh")
	require.Equal(t, 1, f.view.refreshes)
	require.Equal(t, 1, f.view.reconnects)
	out := f.out.String()
	require.Contains(t, out, "Refresh failed: timeout")
	require.NotContains(t, out, "Reconnect failed")
	require.Contains(t, out, "Brass lamp (auction 7)")
}

func TestShellNotifications(t *testing.T) {
	f := newShell(t)
	ctx := context.Background()

	f.sh.exec(ctx, "notifications")
	require.Contains(t, f.out.String(), "No notifications")

	fromServer, ok := f.agg.Ingest(notify.FromServerNotification(models.NotificationItem{
		SourceEventID: "12",
		Message:       "You were outbid",
		Category:      models.CategoryInfo,
		CreatedAt:     time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
	}))
	require.True(t, ok)
	local, ok := f.agg.Ingest(models.NotificationEvent{Message: "Your bid was placed successfully!", Category: models.CategorySuccess})
	require.True(t, ok)

	f.out.Reset()
	f.sh.exec(ctx, "notifications")
	out := f.out.String()
	require.Contains(t, out, "2 unread")
	require.Contains(t, out, "* "+local.ID)
	require.Contains(t, out, "[success] Your bid was placed successfully!")

	f.sh.exec(ctx, "read "+fromServer.ID)
	require.Equal(t, []string{"12"}, f.server.marked)

	f.sh.exec(ctx, "read nope")
	require.Contains(t, f.out.String(), "Unknown notification: nope")

	f.out.Reset()
	f.sh.exec(ctx, "read-all")
	require.Contains(t, f.out.String(), "Marked 1 notifications read")
	require.Equal(t, []string{"12"}, f.server.marked, "local notices are not marked on the server")
	require.Equal(t, 0, f.agg.UnreadCount())
}

func TestShellRunStopsOnQuit(t *testing.T) {
	f := newShell(t)
	quit := false
	f.sh.onQuit = func() { quit = true }

	f.sh.run(context.Background(), strings.NewReader("status\nhelp\nquit\nbid 150\n"))
	require.True(t, quit)
	require.Empty(t, f.bids.amounts, "commands after quit are not run")
	require.Contains(t, f.out.String(), "Brass lamp (auction 7)")
	require.Contains(t, f.out.String(), "Commands:")
}

func TestShellUnknownCommand(t *testing.T) {
	f := newShell(t)
	require.False(t, f.sh.exec(context.Background(), "dance"))
	require.Contains(t, f.out.String(), `Unknown command "dance"`)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	consoleSink{out: &buf}.Deliver(models.NotificationItem{Message: "Auction has ended!", Category: models.CategoryWarning})
	require.Equal(t, "[warning] Auction has ended!\n", buf.String())
}
