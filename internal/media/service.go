package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/internal/storage"
)

// DefaultMaxSize caps a single attachment.
const DefaultMaxSize = 10 << 20

// AttachmentPathPrefix is where the server exposes attachments by key.
const AttachmentPathPrefix = "/api/attachments/"

// MetaStore records which session an attachment was shared in.
type MetaStore interface {
	PutAttachment(ctx context.Context, a storage.Attachment) error
	GetAttachment(ctx context.Context, key string) (*storage.Attachment, error)
}

type ServiceOptions struct {
	MaxSize int64
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service stores attachments in a BlobStore and their metadata in the
// session store.
type Service struct {
	blobs   BlobStore
	meta    MetaStore
	maxSize int64
	now     func() time.Time
	log     *zap.Logger
}

func NewService(blobs BlobStore, meta MetaStore, opts ServiceOptions) *Service {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		blobs:   blobs,
		meta:    meta,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		log:     logger.OrNop(opts.Logger).Named("media"),
	}
}

// MaxSize is the largest attachment the service accepts.
func (s *Service) MaxSize() int64 { return s.maxSize }

// Store writes data under its content key and records it for sessionID.
func (s *Service) Store(ctx context.Context, sessionID, name, contentType string, data []byte) (*storage.Attachment, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrTooLarge
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		name = "unnamed"
	}
	key := ContentKey(data)
	if err := s.blobs.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("put blob: %w", err)
	}
	a := storage.Attachment{
		Key:         key,
		SessionID:   sessionID,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   s.now(),
	}
	if err := s.meta.PutAttachment(ctx, a); err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	s.log.Debug("stored attachment", zap.String("session", sessionID), zap.String("key", key), zap.Int("size", len(data)))
	return &a, nil
}

// Upload is Store for callers that only need the key.
func (s *Service) Upload(ctx context.Context, sessionID, name, contentType string, data []byte) (string, error) {
	a, err := s.Store(ctx, sessionID, name, contentType, data)
	if err != nil {
		return "", err
	}
	return a.Key, nil
}

// Lookup returns attachment metadata, or nil when the key is unknown.
func (s *Service) Lookup(ctx context.Context, key string) (*storage.Attachment, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}
	return s.meta.GetAttachment(ctx, key)
}

// Open returns the attachment bytes.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.blobs.Open(ctx, key)
}

// RemoveBlobs deletes the blobs of keys no session records any more. A key
// that was stored again since the sweep is kept.
func (s *Service) RemoveBlobs(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		meta, err := s.meta.GetAttachment(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if meta != nil {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", key, err))
			continue
		}
		s.log.Debug("removed blob", zap.String("key", key))
	}
	return errors.Join(errs...)
}

// DownloadURL is where a client should fetch key from: a presigned object
// storage URL when the backend offers one, otherwise the server path.
func (s *Service) DownloadURL(ctx context.Context, key string) string {
	if u, err := s.blobs.URL(ctx, key); err != nil {
		s.log.Warn("presign failed", zap.String("key", key), zap.Error(err))
	} else if u != "" {
		return u
	}
	return AttachmentPathPrefix + key
}
