package media

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/chat"
	"huddle/internal/storage"
)

func TestContentKeyIsStable(t *testing.T) {
	a := ContentKey([]byte("hello"))
	require.Equal(t, a, ContentKey([]byte("hello")))
	require.NotEqual(t, a, ContentKey([]byte("hello!")))
	require.Len(t, a, 64)
	require.True(t, ValidKey(a))
	require.False(t, ValidKey("../etc/passwd"))
	require.False(t, ValidKey(strings.Repeat("z", 64)))
}

func TestDiskStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("attachment bytes")
	key := ContentKey(data)
	require.NoError(t, store.Put(ctx, key, "text/plain", strings.NewReader(string(data)), int64(len(data))))
	require.NoError(t, store.Put(ctx, key, "text/plain", strings.NewReader(string(data)), int64(len(data))))

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = store.Open(ctx, ContentKey([]byte("missing")))
	require.ErrorIs(t, err, ErrBlobNotFound)
	_, err = store.Open(ctx, "nope")
	require.ErrorIs(t, err, ErrInvalidKey)

	u, err := store.URL(ctx, key)
	require.NoError(t, err)
	require.Empty(t, u)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Open(ctx, key)
	require.ErrorIs(t, err, ErrBlobNotFound)
	require.ErrorIs(t, store.Delete(ctx, "nope"), ErrInvalidKey)
}

func TestServiceStoresByContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 32)

	first, err := svc.Store(ctx, "ABCD", "../../cat.txt", "", []byte("same content"))
	require.NoError(t, err)
	require.Equal(t, "cat.txt", first.Name)
	require.Equal(t, "text/plain; charset=utf-8", first.ContentType)

	key, err := svc.Upload(ctx, "ABCD", "copy.txt", "text/plain", []byte("same content"))
	require.NoError(t, err)
	require.Equal(t, first.Key, key)

	meta, err := svc.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.EqualValues(t, len("same content"), meta.Size)

	rc, err := svc.Open(ctx, key)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "same content", string(body))

	require.Equal(t, AttachmentPathPrefix+key, svc.DownloadURL(ctx, key))

	_, err = svc.Store(ctx, "ABCD", "big.bin", "", make([]byte, 33))
	require.ErrorIs(t, err, ErrTooLarge)
	_, err = svc.Store(ctx, "ABCD", "empty.bin", "", nil)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestServiceRemovesOnlyUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 0)

	kept, err := svc.Upload(ctx, "ABCD", "kept.txt", "text/plain", []byte("kept"))
	require.NoError(t, err)
	orphan := ContentKey([]byte("orphan"))
	require.NoError(t, svc.blobs.Put(ctx, orphan, "text/plain", strings.NewReader("orphan"), 6))

	require.NoError(t, svc.RemoveBlobs(ctx, []string{kept, orphan, ContentKey([]byte("never stored"))}))

	_, err = svc.blobs.Open(ctx, orphan)
	require.ErrorIs(t, err, ErrBlobNotFound)
	rc, err := svc.Open(ctx, kept)
	require.NoError(t, err)
	rc.Close()

	meta, err := store.GetAttachment(ctx, kept)
	require.NoError(t, err)
	require.NotNil(t, meta)
}

func TestServiceRejectsUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, 0)
	_, err := svc.Store(context.Background(), "NOPE", "a.txt", "", []byte("x"))
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestResolveFallsBackWhenCacheEvicted(t *testing.T) {
	cache, err := NewCache(1)
	require.NoError(t, err)

	first := chat.Message{ID: "m1", Type: chat.TypeImage}
	second := chat.Message{ID: "m2", Type: chat.TypeImage}
	cache.Put(first.ID, "image/png", []byte{1, 2, 3})
	require.Equal(t, SourceCached, Resolve(first, cache).Kind)

	cache.Put(second.ID, "image/png", []byte{4, 5, 6})
	src := Resolve(first, cache)
	require.Equal(t, SourceFallback, src.Kind)
	require.False(t, src.Displayable())
	require.Equal(t, "image unavailable", src.Reason)

	got := Resolve(second, cache)
	require.Equal(t, SourceCached, got.Kind)
	require.True(t, strings.HasPrefix(got.URL, "data:image/png;base64,"))
}

func TestResolveOrder(t *testing.T) {
	key := ContentKey([]byte("img"))
	cases := []struct {
		name string
		msg  chat.Message
		want SourceKind
	}{
		{"text", chat.Message{Type: chat.TypeText, Text: "hi"}, SourceText},
		{"attachment", chat.Message{Type: chat.TypeImage, AttachmentKey: key, Text: "data:x"}, SourceAttachment},
		{"inline", chat.Message{Type: chat.TypeAudio, Text: "data:audio/webm;base64,AAAA"}, SourceInline},
		{"remote", chat.Message{Type: chat.TypeFile, Text: "https://example.com/a.pdf"}, SourceRemote},
		{"bad key", chat.Message{Type: chat.TypeFile, AttachmentKey: "nope"}, SourceFallback},
		{"nothing", chat.Message{Type: chat.TypeFile}, SourceFallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Resolve(tc.msg, nil).Kind)
		})
	}
}

func newTestService(t *testing.T, maxSize int64) (*Service, *storage.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	_, err = store.EnsureSession(ctx, "ABCD", time.Now(), 24*time.Hour)
	require.NoError(t, err)

	blobs, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return NewService(blobs, store, ServiceOptions{MaxSize: maxSize, Logger: zaptest.NewLogger(t)}), store
}
