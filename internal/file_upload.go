package internal

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/internal/chat"
	"huddle/internal/media"
	"huddle/internal/storage"
)

// multipart framing allowance on top of the attachment size limit
const multipartOverhead = 1 << 20

var errMediaDisabled = errors.New("attachments are not configured")

type uploadResponse struct {
	Key         string    `json:"key"`
	SessionID   string    `json:"sessionId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	URL         string    `json:"url"`
}

// HandleUpload stores a multipart file (fields "session" and "file") and
// returns its content key.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, errMediaDisabled)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	maxSize := s.media.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart body"))
		return
	}
	sessionID := r.FormValue("session")
	if !chat.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, chat.ErrInvalidSession)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	att, err := s.media.Store(r.Context(), sessionID, header.Filename, header.Header.Get("Content-Type"), data)
	switch {
	case err == nil:
	case errors.Is(err, media.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	case errors.Is(err, media.ErrEmpty):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, storage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	default:
		s.log.Error("store attachment", zap.String("session", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to store attachment"))
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Key:         att.Key,
		SessionID:   att.SessionID,
		Name:        att.Name,
		ContentType: att.ContentType,
		Size:        att.Size,
		CreatedAt:   att.CreatedAt,
		URL:         s.media.DownloadURL(r.Context(), att.Key),
	})
}

// HandleDownload streams an attachment, or redirects to object storage when
// the backend can presign.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, errMediaDisabled)
		return
	}
	key := r.PathValue("key")
	att, err := s.media.Lookup(r.Context(), key)
	switch {
	case errors.Is(err, media.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.log.Error("lookup attachment", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to read attachment"))
		return
	case att == nil:
		writeError(w, http.StatusNotFound, errors.New("attachment not found"))
		return
	}

	if u := s.media.DownloadURL(r.Context(), key); u != media.AttachmentPathPrefix+key {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}
	body, err := s.media.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, media.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, errors.New("attachment not found"))
			return
		}
		s.log.Error("open attachment", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to read attachment"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", mime.FormatMediaType(dispositionFor(att.ContentType), map[string]string{"filename": att.Name}))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Debug("attachment copy interrupted", zap.String("key", key), zap.Error(err))
	}
}

// dispositionFor renders images, audio and video inline. Everything else,
// svg included, is served as a download.
func dispositionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "attachment"
	}
	switch {
	case strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml",
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"):
		return "inline"
	}
	return "attachment"
}
