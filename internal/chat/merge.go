package chat

import "sort"

// Merge combines previously known messages with a new snapshot. Messages are
// de-duplicated by id (the first copy wins) and ordered by timestamp, then id.
func Merge(known, snapshot []Message) []Message {
	out := make([]Message, 0, len(known)+len(snapshot))
	seen := make(map[string]struct{}, len(known)+len(snapshot))
	for _, batch := range [][]Message{known, snapshot} {
		for _, m := range batch {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Feed accumulates successive snapshots of one session for rendering.
// It is not safe for concurrent use.
type Feed struct {
	msgs []Message
	seen map[string]struct{}
}

// Apply merges snapshot into the feed and returns the messages that were not
// seen before, in display order.
func (f *Feed) Apply(snapshot []Message) []Message {
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	var added []Message
	for _, m := range snapshot {
		if _, ok := f.seen[m.ID]; ok {
			continue
		}
		f.seen[m.ID] = struct{}{}
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil
	}
	f.msgs = append(f.msgs, added...)
	sortMessages(f.msgs)
	sortMessages(added)
	return added
}

// Messages returns the merged feed.
func (f *Feed) Messages() []Message {
	return f.msgs
}

// Reset forgets everything, e.g. after switching sessions.
func (f *Feed) Reset() {
	f.msgs = nil
	f.seen = nil
}
