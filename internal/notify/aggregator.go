// Package notify aggregates notifications from every source into one deduplicated, capped list
// plus a short-lived toast queue.
package notify

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coocood/freecache"
	"github.com/google/uuid"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
)

// ErrNotFound is returned when no retained item has the given id.
var ErrNotFound = errors.New("notification not found")

// Config controls retention and dedup.
type Config struct {
	MaxItems        int
	MaxToasts       int
	ToastTTL        time.Duration
	DedupWindow     time.Duration
	SourceRetention time.Duration
	CacheSizeMB     int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:        20,
		MaxToasts:       10,
		ToastTTL:        5 * time.Second,
		DedupWindow:     3 * time.Second,
		SourceRetention: time.Hour,
		CacheSizeMB:     1,
	}
}

// Archive persists the retained list.
type Archive interface {
	SaveNotification(item models.NotificationItem) error
	MarkNotificationRead(id string) error
	MarkAllNotificationsRead() error
}

// Sink receives every accepted live item, e.g. to forward it elsewhere. Items replayed from history
// are not delivered. Deliver must not block.
type Sink interface {
	Deliver(item models.NotificationItem)
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithArchive persists accepted items and read marks.
func WithArchive(a Archive) Option {
	return func(g *Aggregator) { g.archive = a }
}

// WithSink forwards accepted items to s.
func WithSink(s Sink) Option {
	return func(g *Aggregator) { g.sinks = append(g.sinks, s) }
}

type toast struct {
	item  models.NotificationItem
	timer *clock.Timer
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	clock   clock.Clock
	config  Config
	seen    *freecache.Cache
	archive Archive
	sinks   []Sink

	mu     sync.Mutex
	items  []models.NotificationItem
	toasts []*toast
	closed bool
}

// clockTimer lets freecache expire keys on the injected clock.
type clockTimer struct {
	clock clock.Clock
}

func (t clockTimer) Now() uint32 {
	return uint32(t.clock.Now().Unix())
}

// New creates an Aggregator. A nil clock uses the wall clock.
func New(clk clock.Clock, config Config, opts ...Option) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if config.MaxItems <= 0 {
		config.MaxItems = def.MaxItems
	}
	if config.MaxToasts <= 0 {
		config.MaxToasts = def.MaxToasts
	}
	if config.ToastTTL <= 0 {
		config.ToastTTL = def.ToastTTL
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = def.DedupWindow
	}
	if config.SourceRetention <= 0 {
		config.SourceRetention = def.SourceRetention
	}
	if config.CacheSizeMB <= 0 {
		config.CacheSizeMB = def.CacheSizeMB
	}
	g := &Aggregator{
		clock:  clk,
		config: config,
		seen:   freecache.NewCacheCustomTimer(config.CacheSizeMB*1024*1024, clockTimer{clock: clk}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest accepts one event. It reports false when the event is a duplicate, is empty, or the
// aggregator is closed. Live items go to the top of the list. History items are placed by
// CreatedAt and are dropped when they are older than everything a full list retains.
func (g *Aggregator) Ingest(ev models.NotificationEvent) (models.NotificationItem, bool) {
	msg := strings.TrimSpace(ev.Message)
	if msg == "" {
		return models.NotificationItem{}, false
	}
	if ev.Category == "" {
		ev.Category = models.CategoryInfo
	}

	g.mu.Lock()
	if g.closed || g.isDuplicate(ev.SourceEventID, msg, ev.Category) {
		g.mu.Unlock()
		return models.NotificationItem{}, false
	}

	created := ev.OccurredAt
	if created.IsZero() {
		created = g.clock.Now()
	}
	item := models.NotificationItem{
		ID:            uuid.NewString(),
		Message:       msg,
		SourceEventID: ev.SourceEventID,
		Category:      ev.Category,
		AuctionID:     ev.AuctionID,
		CreatedAt:     created,
	}

	live := ev.Source != models.SourceHistory
	pos := 0
	if !live {
		pos = sort.Search(len(g.items), func(i int) bool { return g.items[i].CreatedAt.Before(created) })
	}
	if pos >= g.config.MaxItems {
		g.mu.Unlock()
		return models.NotificationItem{}, false
	}
	g.items = append(g.items, models.NotificationItem{})
	copy(g.items[pos+1:], g.items[pos:])
	g.items[pos] = item
	if len(g.items) > g.config.MaxItems {
		g.items = g.items[:g.config.MaxItems]
	}
	if live {
		g.pushToast(item)
	}
	g.mu.Unlock()

	if g.archive != nil {
		if err := g.archive.SaveNotification(item); err != nil {
			logger.Warn("Failed to archive notification %s: %v", item.ID, err)
		}
	}
	if live {
		for _, s := range g.sinks {
			s.Deliver(item)
		}
	}
	return item, true
}

// isDuplicate checks and records the dedup keys. Callers hold g.mu.
//
// freecache expires keys on whole seconds, so content keys carry their insert time and the
// window itself is checked against that.
func (g *Aggregator) isDuplicate(sourceID, msg string, cat models.Category) bool {
	now := g.clock.Now()
	contentKey := []byte("content:" + string(cat) + "|" + msg)
	if sourceID != "" {
		sourceKey := []byte("source:" + sourceID)
		if _, err := g.seen.Get(sourceKey); err == nil {
			return true
		}
		for _, it := range g.items {
			if it.SourceEventID == sourceID {
				return true
			}
		}
		_ = g.seen.Set(sourceKey, nil, ttlSeconds(g.config.SourceRetention))
	} else if v, err := g.seen.Get(contentKey); err == nil && len(v) == 8 {
		seenAt := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		if now.Sub(seenAt) < g.config.DedupWindow {
			return true
		}
	}
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(now.UnixNano()))
	_ = g.seen.Set(contentKey, stamp, ttlSeconds(g.config.DedupWindow))
	return false
}

// pushToast queues item for transient display. Callers hold g.mu.
func (g *Aggregator) pushToast(item models.NotificationItem) {
	t := &toast{item: item}
	t.timer = g.clock.AfterFunc(g.config.ToastTTL, func() { g.expireToast(item.ID) })
	g.toasts = append([]*toast{t}, g.toasts...)
	for len(g.toasts) > g.config.MaxToasts {
		last := g.toasts[len(g.toasts)-1]
		last.timer.Stop()
		g.toasts = g.toasts[:len(g.toasts)-1]
	}
}

func (g *Aggregator) expireToast(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, t := range g.toasts {
		if t.item.ID == id {
			g.toasts = append(g.toasts[:i], g.toasts[i+1:]...)
			return
		}
	}
}

// List returns the retained items, newest first.
func (g *Aggregator) List() []models.NotificationItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.NotificationItem(nil), g.items...)
}

// Toasts returns the items currently queued for transient display, newest first.
func (g *Aggregator) Toasts() []models.NotificationItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.NotificationItem, len(g.toasts))
	for i, t := range g.toasts {
		out[i] = t.item
	}
	return out
}

// UnreadCount returns the number of retained unread items.
func (g *Aggregator) UnreadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, it := range g.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one item read and returns it.
func (g *Aggregator) MarkRead(id string) (models.NotificationItem, error) {
	g.mu.Lock()
	var found *models.NotificationItem
	for i := range g.items {
		if g.items[i].ID == id {
			g.items[i].Read = true
			found = &g.items[i]
			break
		}
	}
	if found == nil {
		g.mu.Unlock()
		return models.NotificationItem{}, ErrNotFound
	}
	item := *found
	g.mu.Unlock()

	if g.archive != nil {
		if err := g.archive.MarkNotificationRead(id); err != nil {
			logger.Warn("Failed to persist read mark for %s: %v", id, err)
		}
	}
	return item, nil
}

// MarkAllRead marks every retained item read and returns the items that were unread.
func (g *Aggregator) MarkAllRead() []models.NotificationItem {
	g.mu.Lock()
	var changed []models.NotificationItem
	for i := range g.items {
		if !g.items[i].Read {
			g.items[i].Read = true
			changed = append(changed, g.items[i])
		}
	}
	g.mu.Unlock()

	if g.archive != nil && len(changed) > 0 {
		if err := g.archive.MarkAllNotificationsRead(); err != nil {
			logger.Warn("Failed to persist read marks: %v", err)
		}
	}
	return changed
}

// Restore seeds the list from persisted items (any order). Restored items are not toasted,
// archived again or forwarded. Items already present are skipped.
func (g *Aggregator) Restore(items []models.NotificationItem) {
	g.mu.Lock()
	defer g.mu.Unlock()

	present := make(map[string]bool, len(g.items))
	for _, it := range g.items {
		present[it.ID] = true
	}
	for _, it := range items {
		if present[it.ID] {
			continue
		}
		present[it.ID] = true
		g.items = append(g.items, it)
		if it.SourceEventID != "" {
			_ = g.seen.Set([]byte("source:"+it.SourceEventID), nil, ttlSeconds(g.config.SourceRetention))
		}
	}
	sortNewestFirst(g.items)
	if len(g.items) > g.config.MaxItems {
		g.items = g.items[:g.config.MaxItems]
	}
}

// Close cancels every pending toast expiry. Later events are ignored.
func (g *Aggregator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, t := range g.toasts {
		t.timer.Stop()
	}
	g.toasts = nil
}

// ttlSeconds rounds d up and adds one second so a key outlives d whatever the sub-second
// offset of its insert.
func ttlSeconds(d time.Duration) int {
	return int((d+time.Second-1)/time.Second) + 1
}
