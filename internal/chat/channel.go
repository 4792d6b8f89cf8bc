package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/internal/storage"
)

// DefaultSessionTTL is how long a new session is advertised to live.
const DefaultSessionTTL = 24 * time.Hour

// Store is the subset of the session store used by the channel.
type Store interface {
	EnsureSession(ctx context.Context, id string, now time.Time, ttl time.Duration) (*storage.Session, error)
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	UpsertParticipant(ctx context.Context, p storage.Participant) error
	SetParticipantStatus(ctx context.Context, sessionID, userID, status string, at time.Time) error
	ListParticipants(ctx context.Context, sessionID string) ([]storage.Participant, error)
	AppendMessage(ctx context.Context, sessionID string, rec storage.MessageRecord) (string, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.MessageRecord, error)
	Sweep(ctx context.Context, cutoff time.Time) (*storage.SweepResult, error)
}

// Uploader moves attachment bytes into object storage and returns the
// content key to record on the message.
type Uploader interface {
	Upload(ctx context.Context, sessionID, name, contentType string, data []byte) (string, error)
}

type Options struct {
	SessionTTL time.Duration
	Uploader   Uploader
	Logger     *zap.Logger
	Now        func() time.Time
}

// Channel is the message channel over the session store: it appends messages,
// tracks membership and pushes full snapshots to subscribers.
type Channel struct {
	store    Store
	uploader Uploader
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	sessionID string
	fn        func([]Message)
	notify    chan struct{}
	done      chan struct{}
	once      sync.Once
}

// New returns a Channel backed by store.
func New(store Store, opts Options) *Channel {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		store:    store,
		uploader: opts.Uploader,
		ttl:      opts.SessionTTL,
		now:      opts.Now,
		log:      logger.OrNop(opts.Logger).Named("chat"),
		subs:     make(map[string]map[*subscription]struct{}),
	}
}

// Send strips binary data from msg, stamps it with the current time and
// appends it to the session log. The returned key is the store's push key.
func (c *Channel) Send(ctx context.Context, sessionID string, msg Message) (string, error) {
	if !ValidSessionID(sessionID) {
		return "", ErrInvalidSession
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if msg.Sender == "" || !validType(msg.Type) {
		return "", ErrInvalidMessage
	}
	if len(msg.FileData) > 0 {
		if c.uploader != nil {
			key, err := c.uploader.Upload(ctx, sessionID, msg.FileName, msg.FileType, msg.FileData)
			if err != nil {
				return "", &PersistenceError{Op: "upload", SessionID: sessionID, Err: err}
			}
			msg.AttachmentKey = key
			if msg.FileSize == 0 {
				msg.FileSize = int64(len(msg.FileData))
			}
		} else {
			c.log.Debug("dropping attachment bytes, no uploader configured", zap.String("session", sessionID))
		}
		msg.FileData = nil
	}
	msg.Timestamp = c.now().UnixMilli()

	key, err := c.store.AppendMessage(ctx, sessionID, toRecord(msg))
	if err != nil {
		return "", &PersistenceError{Op: "send", SessionID: sessionID, Err: err}
	}
	c.notify(sessionID)
	return key, nil
}

// Snapshot returns the current message log of a session.
func (c *Channel) Snapshot(ctx context.Context, sessionID string) ([]Message, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	recs, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, &PersistenceError{Op: "read", SessionID: sessionID, Err: err}
	}
	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Subscribe calls fn with the full message log now and after every change.
// Deliveries for one subscription are sequential; bursts of changes may be
// coalesced into one snapshot. The returned function stops deliveries and is
// safe to call more than once. Cancelling ctx also ends the subscription.
func (c *Channel) Subscribe(ctx context.Context, sessionID string, fn func([]Message)) (func(), error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	sub := &subscription{
		sessionID: sessionID,
		fn:        fn,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	set := c.subs[sessionID]
	if set == nil {
		set = make(map[*subscription]struct{})
		c.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	c.mu.Unlock()

	sub.notify <- struct{}{}
	unsubscribe := func() { c.unsubscribe(sub) }
	go c.deliver(ctx, sub, unsubscribe)
	return unsubscribe, nil
}

func (c *Channel) unsubscribe(sub *subscription) {
	sub.once.Do(func() {
		c.mu.Lock()
		if set := c.subs[sub.sessionID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(c.subs, sub.sessionID)
			}
		}
		c.mu.Unlock()
		close(sub.done)
	})
}

func (c *Channel) deliver(ctx context.Context, sub *subscription, unsubscribe func()) {
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			unsubscribe()
			return
		case <-sub.notify:
		}
		snap, err := c.Snapshot(ctx, sub.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				unsubscribe()
				return
			}
			select {
			case <-sub.done:
				return
			default:
			}
			c.log.Warn("snapshot failed", zap.String("session", sub.sessionID), zap.Error(err))
			continue
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.fn(snap)
	}
}

func (c *Channel) notify(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[sessionID] {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (c *Channel) notifyAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.notify(id)
	}
}

// Membership is a participant's presence in a session. Leave is the
// disconnect hook that marks the participant offline.
type Membership struct {
	SessionID string
	UserID    string
	Username  string

	channel *Channel
	once    sync.Once
}

// Join makes sure the session exists, refreshes its lastActive and upserts the
// participant as online. It returns once the write is durable.
func (c *Channel) Join(ctx context.Context, sessionID, userID, username string) (*Membership, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	if userID == "" {
		return nil, ErrInvalidMessage
	}
	now := c.now()
	if _, err := c.store.EnsureSession(ctx, sessionID, now, c.ttl); err != nil {
		return nil, &PersistenceError{Op: "join", SessionID: sessionID, Err: err}
	}
	p := storage.Participant{
		SessionID:  sessionID,
		UserID:     userID,
		Username:   username,
		Status:     storage.StatusOnline,
		JoinedAt:   now,
		LastActive: now,
	}
	if err := c.store.UpsertParticipant(ctx, p); err != nil {
		return nil, &PersistenceError{Op: "join", SessionID: sessionID, Err: err}
	}
	c.log.Debug("joined", zap.String("session", sessionID), zap.String("user", userID))
	return &Membership{SessionID: sessionID, UserID: userID, Username: username, channel: c}, nil
}

// Leave marks the participant offline. Only the first call writes.
func (m *Membership) Leave(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		c := m.channel
		if werr := c.store.SetParticipantStatus(ctx, m.SessionID, m.UserID, storage.StatusOffline, c.now()); werr != nil {
			err = &PersistenceError{Op: "leave", SessionID: m.SessionID, Err: werr}
		}
	})
	return err
}

// Session returns the session record, or nil when it does not exist.
func (c *Channel) Session(ctx context.Context, sessionID string) (*storage.Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &PersistenceError{Op: "read", SessionID: sessionID, Err: err}
	}
	return sess, nil
}

// Participants lists the members of a session.
func (c *Channel) Participants(ctx context.Context, sessionID string) ([]storage.Participant, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	members, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, &PersistenceError{Op: "read", SessionID: sessionID, Err: err}
	}
	return members, nil
}
