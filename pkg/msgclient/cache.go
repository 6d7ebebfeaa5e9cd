package msgclient

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging/pkg/chatwire"
)

type chatState struct {
	entries []Entry
	deleted map[string]struct{}
	nextSeq uint64
	unseen  int
}

// Cache holds one ordered, deduplicated message view per chat. Every
// source of messages (optimistic sends, send responses, realtime events and
// page fetches) goes through it.
type Cache struct {
	mu    sync.Mutex
	self  string
	chats map[string]*chatState
	now   func() time.Time
}

// NewCache builds a cache for the given user. Messages from selfID never
// count as unseen.
func NewCache(selfID string) *Cache {
	return &Cache{
		self:  selfID,
		chats: make(map[string]*chatState),
		now:   time.Now,
	}
}

func (c *Cache) chat(chatID string) *chatState {
	st, ok := c.chats[chatID]
	if !ok {
		st = &chatState{deleted: make(map[string]struct{})}
		c.chats[chatID] = st
	}
	return st
}

// AddOptimistic appends a provisional message in the sending state.
func (c *Cache) AddOptimistic(chatID, senderID, body, tag string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addOptimistic(chatID, senderID, body, tag)
}

func (c *Cache) addOptimistic(chatID, senderID, body, tag string) Entry {
	st := c.chat(chatID)
	st.nextSeq++
	e := Entry{
		LocalID: "local-" + uuid.NewString(),
		Message: Provisional{
			CorrelationKey: uuid.NewString(),
			SenderID:       senderID,
			Body:           body,
			Tag:            tag,
			CreatedAt:      chatwire.FormatTime(c.now()),
		},
		Status: StatusSending,
		seq:    st.nextSeq,
	}
	p := e.Message.(Provisional)
	p.LocalID = e.LocalID
	e.Message = p
	st.entries = append(st.entries, e)
	sortEntries(st.entries)
	return e
}

// ResolveSend replaces the provisional entry with the server record.
func (c *Cache) ResolveSend(chatID, correlationKey string, rec chatwire.MessageRecord) (Entry, bool) {
	if rec.CorrelationKey == "" {
		rec.CorrelationKey = correlationKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upsert(chatID, Entry{Message: confirmedFrom(rec), Status: StatusSent}, false)
}

// FailSend marks an in-flight entry failed and keeps its body for retry.
// Entries the server has already confirmed are left alone.
func (c *Cache) FailSend(chatID, correlationKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return false
	}
	for i, e := range st.entries {
		if e.CorrelationKey() != correlationKey {
			continue
		}
		if e.Confirmed() || e.Status != StatusSending {
			return false
		}
		st.entries[i].Status = StatusFailed
		return true
	}
	return false
}

// Retry drops a failed entry and starts a new optimistic cycle with the
// same body under a fresh correlation key.
func (c *Cache) Retry(chatID, localID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return Entry{}, false
	}
	idx := slices.IndexFunc(st.entries, func(e Entry) bool { return e.LocalID == localID })
	if idx < 0 {
		return Entry{}, false
	}
	old := st.entries[idx]
	if old.Status != StatusFailed || old.Confirmed() {
		return Entry{}, false
	}
	st.entries = slices.Delete(st.entries, idx, idx+1)
	return c.addOptimistic(chatID, old.SenderID(), old.Body(), old.Tag()), true
}

// ApplyEvent merges one realtime event. Applying the same event twice has
// no further effect.
func (c *Cache) ApplyEvent(chatID string, ev chatwire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case chatwire.EventDelete:
		c.remove(chatID, ev.Record.ID)
	case chatwire.EventInsert:
		c.upsert(chatID, Entry{Message: confirmedFrom(ev.Record), Status: StatusSent}, true)
	case chatwire.EventUpdate:
		c.upsert(chatID, Entry{Message: confirmedFrom(ev.Record), Status: StatusSent}, false)
	}
}

// MergePage backfills fetched records without touching the unseen counter.
func (c *Cache) MergePage(chatID string, records []chatwire.MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.upsert(chatID, Entry{Message: confirmedFrom(rec), Status: StatusSent}, false)
	}
}

func (c *Cache) upsert(chatID string, in Entry, countUnseen bool) (Entry, bool) {
	st := c.chat(chatID)
	id, ck := in.ID(), in.CorrelationKey()
	if _, gone := st.deleted[id]; id != "" && gone {
		// The server deleted it; drop any provisional copy still around.
		if ck != "" {
			st.entries = slices.DeleteFunc(st.entries, func(e Entry) bool { return e.CorrelationKey() == ck })
		}
		return Entry{}, false
	}

	var matched []int
	for i, e := range st.entries {
		if (ck != "" && e.CorrelationKey() == ck) || (id != "" && e.ID() == id) {
			matched = append(matched, i)
		}
	}
	if len(matched) == 0 {
		st.nextSeq++
		in.seq = st.nextSeq
		st.entries = append(st.entries, in)
		sortEntries(st.entries)
		if countUnseen && in.SenderID() != c.self {
			st.unseen++
		}
		return in, true
	}

	acc := st.entries[matched[0]]
	for _, i := range matched[1:] {
		acc = merge(acc, st.entries[i])
	}
	acc = merge(acc, in)
	for k := len(matched) - 1; k >= 1; k-- {
		st.entries = slices.Delete(st.entries, matched[k], matched[k]+1)
	}
	st.entries[matched[0]] = acc
	sortEntries(st.entries)
	return acc, true
}

func (c *Cache) remove(chatID, id string) {
	if id == "" {
		return
	}
	st := c.chat(chatID)
	st.deleted[id] = struct{}{}
	st.entries = slices.DeleteFunc(st.entries, func(e Entry) bool { return e.ID() == id })
}

// Messages returns a snapshot of the chat ordered by creation time.
func (c *Cache) Messages(chatID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return nil
	}
	return slices.Clone(st.entries)
}

func (c *Cache) Unseen(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		return st.unseen
	}
	return 0
}

func (c *Cache) MarkSeen(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		st.unseen = 0
	}
}

// Drop forgets everything about a chat.
func (c *Cache) Drop(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if r := cmp.Compare(a.CreatedAt(), b.CreatedAt()); r != 0 {
			return r
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
