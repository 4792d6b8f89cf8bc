package chat

import (
	"regexp"

	"huddle/internal/storage"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
	TypeAudio = "audio"
)

// Message is one entry of a session log as seen by clients.
type Message struct {
	ID            string  `json:"id"`
	Sender        string  `json:"sender"`
	SenderName    string  `json:"senderName"`
	Text          string  `json:"text"`
	Type          string  `json:"type"`
	Timestamp     int64   `json:"timestamp"`
	FileName      string  `json:"fileName,omitempty"`
	FileSize      int64   `json:"fileSize,omitempty"`
	FileType      string  `json:"fileType,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	AttachmentKey string  `json:"attachmentKey,omitempty"`

	// FileData is accepted on send and never persisted or fanned out.
	FileData []byte `json:"fileData,omitempty"`
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id can name a session.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func validType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeAudio:
		return true
	}
	return false
}

func toRecord(m Message) storage.MessageRecord {
	return storage.MessageRecord{
		ID:            m.ID,
		Sender:        m.Sender,
		SenderName:    m.SenderName,
		Text:          m.Text,
		Type:          m.Type,
		Timestamp:     m.Timestamp,
		FileName:      m.FileName,
		FileSize:      m.FileSize,
		FileType:      m.FileType,
		Duration:      m.Duration,
		AttachmentKey: m.AttachmentKey,
	}
}

func fromRecord(r storage.MessageRecord) Message {
	return Message{
		ID:            r.ID,
		Sender:        r.Sender,
		SenderName:    r.SenderName,
		Text:          r.Text,
		Type:          r.Type,
		Timestamp:     r.Timestamp,
		FileName:      r.FileName,
		FileSize:      r.FileSize,
		FileType:      r.FileType,
		Duration:      r.Duration,
		AttachmentKey: r.AttachmentKey,
	}
}
