// Package notify stores per-recipient notifications and pushes them to live
// sessions. Each recipient sees its notifications in id order, whether they
// arrive live or are replayed after a reconnect.
package notify

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/shard"
)

// Sender is the live channel, satisfied by *registry.Registry.
type Sender interface {
	Send(p models.Principal, m registry.Message) error
}

type Outcome string

const (
	DeliveredLive Outcome = "delivered_live"
	StoredUnread  Outcome = "stored_unread"
)

const defaultInboxLimit = 500

type inbox struct {
	mu    sync.Mutex
	items []*models.Notification
	// items that are unread and were never pushed
	pending int
}

func awaiting(n *models.Notification) bool {
	return !n.Delivered && n.Status == models.NotificationUnread
}

func (b *inbox) find(id int64) *models.Notification {
	// items are appended in id order
	lo, hi := 0, len(b.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.items[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(b.items) && b.items[lo].ID == id {
		return b.items[lo]
	}
	return nil
}

type Service struct {
	out     Sender
	inboxes *shard.Map[*inbox]
	owners  *shard.Map[models.Principal]
	nextID  atomic.Int64
	limit   int
	log     *zap.SugaredLogger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = l } }

// WithInboxLimit bounds how many notifications one recipient keeps. Only read
// or cancelled notifications are evicted.
func WithInboxLimit(n int) Option { return func(s *Service) { s.limit = n } }

func New(out Sender, opts ...Option) *Service {
	s := &Service{
		out:     out,
		inboxes: shard.New[*inbox](shard.DefaultShards),
		owners:  shard.New[models.Principal](shard.DefaultShards),
		limit:   defaultInboxLimit,
		log:     zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) inboxFor(p models.Principal) *inbox {
	return s.inboxes.GetOrCreate(p.Key(), func() *inbox { return &inbox{} })
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

func message(n *models.Notification) registry.Message {
	return registry.Message{Type: string(n.Kind), Data: *n}
}

// Publish commits n to the recipient's inbox and pushes it when the recipient
// is online and has nothing older waiting for replay.
func (s *Service) Publish(n models.Notification) (models.Notification, Outcome) {
	b := s.inboxFor(n.Recipient)
	b.mu.Lock()
	defer b.mu.Unlock()

	n.ID = s.nextID.Add(1)
	n.Status = models.NotificationUnread
	n.Delivered = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	item := &n
	b.items = append(b.items, item)
	s.owners.Set(idKey(n.ID), n.Recipient)

	outcome := StoredUnread
	if b.pending == 0 && s.out.Send(n.Recipient, message(item)) == nil {
		item.Delivered = true
		outcome = DeliveredLive
	} else {
		b.pending++
	}
	s.trim(b)
	observability.NotificationsTotal.WithLabelValues(string(n.Kind), string(outcome)).Inc()
	return *item, outcome
}

func (s *Service) trim(b *inbox) {
	if s.limit <= 0 || len(b.items) <= s.limit {
		return
	}
	kept := b.items[:0]
	excess := len(b.items) - s.limit
	for _, it := range b.items {
		if excess > 0 && it.Status != models.NotificationUnread {
			s.owners.Delete(idKey(it.ID))
			excess--
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
}

// Resume pushes every notification p has not yet received, oldest first.
// It stops at the first failed send and leaves the rest for the next resume.
func (s *Service) Resume(p models.Principal) int {
	b, ok := s.inboxes.Get(p.Key())
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sent := 0
	for _, it := range b.items {
		if b.pending == 0 {
			break
		}
		if !awaiting(it) {
			continue
		}
		if err := s.out.Send(p, message(it)); err != nil {
			s.log.Infow("notification replay interrupted", "principal", p.Key(), "notification_id", it.ID, "error", err)
			break
		}
		it.Delivered = true
		b.pending--
		sent++
	}
	if sent > 0 {
		s.log.Infow("notifications replayed", "principal", p.Key(), "count", sent)
	}
	return sent
}

func (s *Service) collect(p models.Principal, keep func(*models.Notification) bool) []models.Notification {
	b, ok := s.inboxes.Get(p.Key())
	if !ok {
		return []models.Notification{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Notification, 0, len(b.items))
	for _, it := range b.items {
		if keep(it) {
			out = append(out, *it)
		}
	}
	return out
}

// ListUnread returns p's unread notifications, oldest first.
func (s *Service) ListUnread(p models.Principal) []models.Notification {
	return s.collect(p, func(n *models.Notification) bool { return n.Status == models.NotificationUnread })
}

func (s *Service) List(p models.Principal) []models.Notification {
	return s.collect(p, func(*models.Notification) bool { return true })
}

// change applies fn to notification id in p's inbox under the inbox lock.
func (s *Service) change(p models.Principal, id int64, fn func(*models.Notification)) (models.Notification, error) {
	owner, ok := s.owners.Get(idKey(id))
	if !ok {
		return models.Notification{}, apperr.New(apperr.KindNotFound, "notification %d not found", id)
	}
	if owner != p {
		return models.Notification{}, apperr.New(apperr.KindNotEligible, "notification %d belongs to another recipient", id)
	}
	b := s.inboxFor(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	it := b.find(id)
	if it == nil {
		return models.Notification{}, apperr.New(apperr.KindNotFound, "notification %d not found", id)
	}
	was := awaiting(it)
	fn(it)
	if was && !awaiting(it) {
		b.pending--
	}
	return *it, nil
}

// MarkRead is idempotent and never revives a cancelled notification.
func (s *Service) MarkRead(p models.Principal, id int64) (models.Notification, error) {
	return s.change(p, id, func(n *models.Notification) {
		if n.Status == models.NotificationUnread {
			n.Status = models.NotificationRead
		}
	})
}

// Cancel is idempotent.
func (s *Service) Cancel(p models.Principal, id int64) (models.Notification, error) {
	return s.change(p, id, func(n *models.Notification) {
		n.Status = models.NotificationCancelled
	})
}

// CancelWhere cancels p's unread notifications matching pred and returns how
// many changed.
func (s *Service) CancelWhere(p models.Principal, pred func(models.Notification) bool) int {
	b, ok := s.inboxes.Get(p.Key())
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, it := range b.items {
		if it.Status != models.NotificationUnread || !pred(*it) {
			continue
		}
		if awaiting(it) {
			b.pending--
		}
		it.Status = models.NotificationCancelled
		n++
	}
	return n
}

// Notify pushes an ephemeral message without storing it. Offline recipients
// miss it.
func (s *Service) Notify(p models.Principal, m registry.Message) error {
	return s.out.Send(p, m)
}
