package media

import (
	"strings"

	"huddle/internal/chat"
)

type SourceKind int

const (
	SourceText SourceKind = iota
	SourceAttachment
	SourceInline
	SourceRemote
	SourceCached
	SourceFallback
)

// Source says how a client can display a message.
type Source struct {
	Kind   SourceKind
	URL    string
	Reason string
}

// Displayable reports whether the source can be rendered as media.
func (s Source) Displayable() bool {
	return s.Kind != SourceFallback
}

// Resolve picks the first displayable source for msg: the stored attachment,
// a data or http URL carried in the text, then the local cache. Anything else
// resolves to the fallback state. cache may be nil.
func Resolve(msg chat.Message, cache *Cache) Source {
	if msg.Type == chat.TypeText || msg.Type == "" {
		return Source{Kind: SourceText}
	}
	if msg.AttachmentKey != "" && ValidKey(msg.AttachmentKey) {
		return Source{Kind: SourceAttachment, URL: AttachmentPathPrefix + msg.AttachmentKey}
	}
	switch {
	case strings.HasPrefix(msg.Text, "data:"):
		return Source{Kind: SourceInline, URL: msg.Text}
	case strings.HasPrefix(msg.Text, "https://"), strings.HasPrefix(msg.Text, "http://"):
		return Source{Kind: SourceRemote, URL: msg.Text}
	}
	if u, ok := cache.Get(msg.ID); ok {
		return Source{Kind: SourceCached, URL: u}
	}
	return Source{Kind: SourceFallback, Reason: msg.Type + " unavailable"}
}
