package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/storage"
)

func TestSendReachesSubscriber(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()

	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	_, err = ch.Join(ctx, "ABCD", "user-b", "bob")
	require.NoError(t, err)

	snaps := make(chan []Message, 16)
	unsubscribe, err := ch.Subscribe(ctx, "ABCD", func(msgs []Message) { snaps <- msgs })
	require.NoError(t, err)
	defer unsubscribe()

	first := waitSnapshot(t, snaps, func(msgs []Message) bool { return true })
	require.Empty(t, first)

	sentAt := time.Now()
	key, err := ch.Send(ctx, "ABCD", Message{Sender: "user-a", SenderName: "alice", Text: "hi", Type: TypeText})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got := waitSnapshot(t, snaps, func(msgs []Message) bool { return len(msgs) == 1 })
	msg := got[0]
	require.Equal(t, "hi", msg.Text)
	require.Equal(t, "user-a", msg.Sender)
	require.Equal(t, key, msg.ID)
	require.InDelta(t, sentAt.UnixMilli(), msg.Timestamp, float64(5*time.Second/time.Millisecond))
}

func TestJoinIsIdempotent(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
		require.NoError(t, err)
	}
	members, err := ch.Participants(ctx, "ABCD")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, storage.StatusOnline, members[0].Status)
}

func TestMembershipLeaveMarksOffline(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()

	m, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	require.NoError(t, m.Leave(ctx))
	require.NoError(t, m.Leave(ctx))

	members, err := ch.Participants(ctx, "ABCD")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, storage.StatusOffline, members[0].Status)
}

func TestDuplicateIDsCollapseAfterMerge(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()
	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m1", "m3", "m2"} {
		_, err := ch.Send(ctx, "ABCD", Message{ID: id, Sender: "user-a", Text: id})
		require.NoError(t, err)
	}
	snap, err := ch.Snapshot(ctx, "ABCD")
	require.NoError(t, err)
	require.Len(t, snap, 5)

	merged := Merge(nil, snap)
	seen := map[string]bool{}
	for _, m := range merged {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	require.Len(t, merged, 3)

	var feed Feed
	require.Len(t, feed.Apply(snap), 3)
	require.Empty(t, feed.Apply(snap))
	require.Len(t, feed.Messages(), 3)
}

func TestSendStripsBinaryPayload(t *testing.T) {
	up := &recordingUploader{key: "deadbeef"}
	ch, _ := newTestChannel(t, up)
	ctx := context.Background()
	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)

	_, err = ch.Send(ctx, "ABCD", Message{
		Sender:   "user-a",
		Type:     TypeImage,
		FileName: "cat.png",
		FileType: "image/png",
		FileData: []byte("png-bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), up.data)

	snap, err := ch.Snapshot(ctx, "ABCD")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Nil(t, snap[0].FileData)
	require.Equal(t, "deadbeef", snap[0].AttachmentKey)
	require.EqualValues(t, len("png-bytes"), snap[0].FileSize)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()

	_, err := ch.Send(ctx, "bad id!", Message{Sender: "a"})
	require.ErrorIs(t, err, ErrInvalidSession)
	_, err = ch.Send(ctx, "ABCD", Message{Text: "no sender"})
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ch.Send(ctx, "ABCD", Message{Sender: "a", Type: "video"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendFailureIsPersistenceError(t *testing.T) {
	store := newStore(t)
	boom := errors.New("disk full")
	ch := New(failingStore{Store: store, err: boom}, Options{Logger: zaptest.NewLogger(t)})

	_, err := ch.Send(context.Background(), "ABCD", Message{Sender: "a", Text: "hi"})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "send", perr.Op)
	require.ErrorIs(t, err, boom)
}

func TestSendToUnknownSessionFails(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	_, err := ch.Send(context.Background(), "NOPE", Message{Sender: "a", Text: "hi"})
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx := context.Background()
	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)

	snaps := make(chan []Message, 16)
	unsubscribe, err := ch.Subscribe(ctx, "ABCD", func(msgs []Message) { snaps <- msgs })
	require.NoError(t, err)
	waitSnapshot(t, snaps, func([]Message) bool { return true })

	unsubscribe()
	unsubscribe()

	_, err = ch.Send(ctx, "ABCD", Message{Sender: "user-a", Text: "after"})
	require.NoError(t, err)
	select {
	case msgs := <-snaps:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", msgs)
	case <-time.After(100 * time.Millisecond):
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Empty(t, ch.subs)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ch, _ := newTestChannel(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := ch.Subscribe(ctx, "ABCD", func([]Message) {})
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.subs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweepExpiresIdleSession(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t)
	ch := New(store, Options{Logger: zaptest.NewLogger(t), Now: clock.Now})
	ctx := context.Background()

	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	_, err = ch.Send(ctx, "ABCD", Message{Sender: "user-a", Text: "hi"})
	require.NoError(t, err)

	var swept *storage.SweepResult
	j := NewJanitor(ch, JanitorOptions{OnSweep: func(r *storage.SweepResult) { swept = r }})
	clock.Advance(25 * time.Hour)
	result, err := j.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"ABCD"}, result.SessionIDs)
	require.Same(t, result, swept)

	sess, err := ch.Session(ctx, "ABCD")
	require.NoError(t, err)
	require.Nil(t, sess)

	snaps := make(chan []Message, 4)
	unsubscribe, err := ch.Subscribe(ctx, "ABCD", func(msgs []Message) { snaps <- msgs })
	require.NoError(t, err)
	defer unsubscribe()
	require.Empty(t, waitSnapshot(t, snaps, func([]Message) bool { return true }))
}

type recordingRemover struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingRemover) RemoveBlobs(_ context.Context, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
	return errors.New("bucket unavailable")
}

func TestSweepRemovesOrphanedBlobs(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t)
	ch := New(store, Options{Logger: zaptest.NewLogger(t), Now: clock.Now})
	ctx := context.Background()

	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	require.NoError(t, store.PutAttachment(ctx, storage.Attachment{
		Key: "k1", SessionID: "ABCD", Name: "a.txt", ContentType: "text/plain", Size: 1, CreatedAt: clock.Now(),
	}))

	remover := &recordingRemover{}
	j := NewJanitor(ch, JanitorOptions{Blobs: remover})
	clock.Advance(25 * time.Hour)
	result, err := j.Sweep(ctx, clock.Now())
	require.NoError(t, err, "a failed blob removal does not fail the sweep")
	require.Equal(t, []string{"k1"}, result.OrphanKeys)
	require.Equal(t, []string{"k1"}, remover.keys)
}

func TestSweepKeepsActiveSession(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	ch := New(newStore(t), Options{Logger: zaptest.NewLogger(t), Now: clock.Now})
	ctx := context.Background()

	_, err := ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	clock.Advance(23 * time.Hour)
	_, err = ch.Join(ctx, "ABCD", "user-a", "alice")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	result, err := NewJanitor(ch, JanitorOptions{}).Sweep(ctx, clock.Now())
	require.NoError(t, err)
	require.Empty(t, result.SessionIDs)
}

func waitSnapshot(t *testing.T, snaps <-chan []Message, ok func([]Message) bool) []Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-snaps:
			if ok(msgs) {
				return msgs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot")
			return nil
		}
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestChannel(t *testing.T, up Uploader) (*Channel, *storage.Store) {
	t.Helper()
	store := newStore(t)
	return New(store, Options{Uploader: up, Logger: zaptest.NewLogger(t)}), store
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingUploader struct {
	key  string
	data []byte
}

func (u *recordingUploader) Upload(_ context.Context, _, _, _ string, data []byte) (string, error) {
	u.data = append([]byte(nil), data...)
	return u.key, nil
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) AppendMessage(context.Context, string, storage.MessageRecord) (string, error) {
	return "", f.err
}
