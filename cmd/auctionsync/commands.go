package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/notify"
	"github.com/rewired-gh/auctionsync/internal/room"
	"github.com/rewired-gh/auctionsync/internal/stream"
	"github.com/shopspring/decimal"
)

type bidder interface {
	Submit(ctx context.Context, amount decimal.Decimal) error
}

type viewer interface {
	View() room.View
	StatusText() string
	Refresh(ctx context.Context) error
	Reconnect() error
}

type inbox interface {
	List() []models.NotificationItem
	UnreadCount() int
	MarkRead(id string) (models.NotificationItem, error)
	MarkAllRead() []models.NotificationItem
}

type readMarker interface {
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// shell executes stdin commands. Bid outcomes reach the user as notifications, not as replies.
type shell struct {
	bids     bidder
	view     viewer
	inbox    inbox
	server   readMarker
	out      io.Writer
	onQuit   func()
	loggedIn func() bool
	user     func() (models.UserRef, error)
}

const helpText = `Commands:
  bid <amount>     place a bid
  quick <1|2|3>    place one of the quick bids
  refresh          pull the auction now
  status           show the auction
  notifications    list notifications
  read <id>        mark one notification read
  read-all         mark every notification read
  whoami           show the logged-in user
  quit             leave the auction`

// run reads commands until r is exhausted, ctx is cancelled or the user quits.
func (s *shell) run(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if quit := s.exec(ctx, scanner.Text()); quit {
			if s.onQuit != nil {
				s.onQuit()
			}
			return
		}
	}
}

// exec runs one command line and reports whether the user asked to quit.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "bid":
		if len(args) != 1 {
			s.println("Usage: bid <amount>")
			return false
		}
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			s.println("Invalid amount: " + args[0])
			return false
		}
		s.submit(ctx, amount)

	case "quick":
		v := s.view.View()
		n, err := strconv.Atoi(strings.Join(args, ""))
		if err != nil || n < 1 || n > len(v.QuickBids) {
			s.println("Usage: quick <1|2|3>")
			return false
		}
		if !v.Loaded {
			s.println("Auction is still loading")
			return false
		}
		s.submit(ctx, v.QuickBids[n-1])

	case "refresh":
		if err := s.view.Refresh(ctx); err != nil {
			s.println("Refresh failed: " + err.Error())
		}
		if err := s.view.Reconnect(); err != nil && !errors.Is(err, room.ErrNotRunning) && !errors.Is(err, stream.ErrReleased) {
			s.println("Reconnect failed: " + err.Error())
		}
		s.println(s.view.StatusText())

	case "status":
		s.println(s.view.StatusText())

	case "notifications":
		s.listNotifications()

	case "read":
		if len(args) != 1 {
			s.println("Usage: read <id>")
			return false
		}
		item, err := s.inbox.MarkRead(args[0])
		if err != nil {
			s.println("Unknown notification: " + args[0])
			return false
		}
		s.markOnServer(ctx, item)

	case "read-all":
		changed := s.inbox.MarkAllRead()
		for _, item := range changed {
			s.markOnServer(ctx, item)
		}
		s.println(fmt.Sprintf("Marked %d notifications read", len(changed)))

	case "whoami":
		s.whoami()

	case "quit", "exit":
		return true

	case "help":
		s.println(helpText)

	default:
		s.println("Unknown command " + strconv.Quote(cmd) + "; type help")
	}
	return false
}

func (s *shell) submit(ctx context.Context, amount decimal.Decimal) {
	if !s.requireLogin() {
		return
	}
	// The coordinator reports every outcome as a notification.
	_ = s.bids.Submit(ctx, amount)
}

func (s *shell) requireLogin() bool {
	if s.loggedIn != nil && !s.loggedIn() {
		s.println("Log in with --token and --username to bid")
		return false
	}
	return true
}

func (s *shell) whoami() {
	if s.user == nil {
		s.println("Not logged in")
		return
	}
	u, err := s.user()
	if err != nil {
		s.println("Not logged in")
		return
	}
	s.println("Logged in as " + u.Username)
}

func (s *shell) markOnServer(ctx context.Context, item models.NotificationItem) {
	id, ok := notify.ServerNotificationID(item)
	if !ok || s.server == nil {
		return
	}
	if err := s.server.MarkNotificationRead(ctx, id); err != nil {
		s.println("Failed to mark notification read on the server: " + err.Error())
	}
}

func (s *shell) listNotifications() {
	items := s.inbox.List()
	if len(items) == 0 {
		s.println("No notifications")
		return
	}
	s.println(fmt.Sprintf("%d unread", s.inbox.UnreadCount()))
	for _, it := range items {
		marker := "*"
		if it.Read {
			marker = " "
		}
		s.println(fmt.Sprintf("%s %s  %s  [%s] %s", marker, it.ID, it.CreatedAt.Format("15:04:05"), it.Category, it.Message))
	}
}

func (s *shell) println(text string) {
	fmt.Fprintln(s.out, text)
}

// consoleSink prints every accepted notification.
type consoleSink struct {
	out io.Writer
}

func (c consoleSink) Deliver(item models.NotificationItem) {
	fmt.Fprintf(c.out, "[%s] %s\n", item.Category, item.Message)
}
