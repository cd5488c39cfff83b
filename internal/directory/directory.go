// Package directory keeps each user's roster of conversations: last
// activity, unread counts and potential (not yet started) chats.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultPairBase must exceed the largest user id.
const DefaultPairBase int64 = 1_000_000

var (
	ErrUserIDOutOfRange = errors.New("directory: user id out of range for pair base")
	ErrSameUser         = errors.New("directory: a direct conversation needs two distinct users")
)

// Key identifies a conversation. Direct and group ids live in separate
// spaces.
type Key struct {
	ID      int64
	IsGroup bool
}

type Conversation struct {
	ID            int64      `json:"id"`
	IsGroup       bool       `json:"isGroup"`
	ParticipantID int64      `json:"participantId"`
	Name          string     `json:"name,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageTimestamp,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	IsPotential   bool       `json:"isPotential"`
	Provisional   bool       `json:"provisional,omitempty"`
}

func (c Conversation) Key() Key {
	return Key{ID: c.ID, IsGroup: c.IsGroup}
}

// ReadHook is called after MarkRead, outside the directory lock.
type ReadHook func(owner int64, key Key)

type roster struct {
	// most recently active first
	items    []*Conversation
	hydrated bool
}

// Directory is safe for concurrent use.
type Directory struct {
	base int64

	mu      sync.Mutex
	rosters map[int64]*roster
	onRead  ReadHook
}

func New(base int64) *Directory {
	if base <= 1 {
		base = DefaultPairBase
	}
	return &Directory{
		base:    base,
		rosters: make(map[int64]*roster),
	}
}

// OnRead installs the cascade invoked by MarkRead.
func (d *Directory) OnRead(hook ReadHook) {
	d.mu.Lock()
	d.onRead = hook
	d.mu.Unlock()
}

// ResolveDirectConversationID maps an unordered pair of users to a stable id.
func (d *Directory) ResolveDirectConversationID(a, b int64) (int64, error) {
	if a <= 0 || b <= 0 || a >= d.base || b >= d.base {
		return 0, fmt.Errorf("%w: (%d, %d) with base %d", ErrUserIDOutOfRange, a, b, d.base)
	}
	if a == b {
		return 0, ErrSameUser
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo*d.base + hi, nil
}

// Participants inverts ResolveDirectConversationID.
func (d *Directory) Participants(id int64) (int64, int64, bool) {
	lo, hi := id/d.base, id%d.base
	if lo <= 0 || hi <= lo {
		return 0, 0, false
	}
	return lo, hi, true
}

// Counterpart returns the other participant of a direct conversation.
func (d *Directory) Counterpart(id, owner int64) (int64, bool) {
	lo, hi, ok := d.Participants(id)
	switch {
	case !ok:
		return 0, false
	case owner == lo:
		return hi, true
	case owner == hi:
		return lo, true
	}
	return 0, false
}

func (d *Directory) rosterLocked(owner int64) *roster {
	r, ok := d.rosters[owner]
	if !ok {
		r = &roster{}
		d.rosters[owner] = r
	}
	return r
}

// find locates an entry by key, or for direct conversations by
// participant. The participant match reconciles provisional ids and
// promotes potential entries.
func (r *roster) find(c Conversation) int {
	for i, it := range r.items {
		if it.ID == c.ID && it.IsGroup == c.IsGroup {
			return i
		}
	}
	if c.IsGroup || c.ParticipantID == 0 {
		return -1
	}
	for i, it := range r.items {
		if !it.IsGroup && it.ParticipantID == c.ParticipantID {
			return i
		}
	}
	return -1
}

func (r *roster) toFront(i int) *Conversation {
	it := r.items[i]
	copy(r.items[1:i+1], r.items[:i])
	r.items[0] = it
	return it
}

func merge(dst *Conversation, src Conversation) {
	if dst.Provisional || !src.Provisional {
		dst.ID = src.ID
		dst.Provisional = src.Provisional
	}
	if src.ParticipantID != 0 {
		dst.ParticipantID = src.ParticipantID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Avatar != "" {
		dst.Avatar = src.Avatar
	}
	if src.LastMessageAt != nil {
		at := *src.LastMessageAt
		dst.LastMessageAt = &at
		dst.LastMessage = src.LastMessage
	}
	dst.UnreadCount = max(src.UnreadCount, 0)
	dst.IsPotential = dst.IsPotential && src.IsPotential
}

// Upsert merges c into the owner's roster and moves it to the most
// recently active position.
func (d *Directory) Upsert(owner int64, c Conversation) Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(owner, c)
}

func (d *Directory) upsertLocked(owner int64, c Conversation) Conversation {
	r := d.rosterLocked(owner)
	if i := r.find(c); i >= 0 {
		it := r.toFront(i)
		merge(it, c)
		return *it
	}
	it := c
	it.UnreadCount = max(it.UnreadCount, 0)
	if it.LastMessageAt != nil {
		at := *it.LastMessageAt
		it.LastMessageAt = &at
	}
	r.items = append([]*Conversation{&it}, r.items...)
	return it
}

// RecordMessage applies a new message to the owner's view of key.
func (d *Directory) RecordMessage(owner int64, key Key, counterpart int64, content string, at time.Time, unread bool) Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rosterLocked(owner)
	c := Conversation{ID: key.ID, IsGroup: key.IsGroup, ParticipantID: counterpart, LastMessage: content, LastMessageAt: &at}
	if i := r.find(c); i >= 0 {
		c.UnreadCount = r.items[i].UnreadCount
	}
	if unread {
		c.UnreadCount++
	}
	return d.upsertLocked(owner, c)
}

// MarkRead zeroes the unread count and runs the read hook. It reports
// whether the conversation was in the roster.
func (d *Directory) MarkRead(owner int64, key Key) bool {
	d.mu.Lock()
	found := false
	if r, ok := d.rosters[owner]; ok {
		for _, it := range r.items {
			if it.Key() == key {
				it.UnreadCount = 0
				found = true
				break
			}
		}
	}
	hook := d.onRead
	d.mu.Unlock()

	if hook != nil {
		hook(owner, key)
	}
	return found
}

// AddPotential adds a roster entry for a counterpart the owner has not
// talked to yet. An existing direct entry is returned unchanged.
func (d *Directory) AddPotential(owner, counterpart int64) (Conversation, error) {
	id, err := d.ResolveDirectConversationID(owner, counterpart)
	if err != nil {
		return Conversation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rosterLocked(owner)
	c := Conversation{ID: id, ParticipantID: counterpart, IsPotential: true}
	if i := r.find(c); i >= 0 {
		return *r.items[i], nil
	}
	r.items = append(r.items, &c)
	return c, nil
}

// List returns a snapshot ordered for display: timestamped conversations by
// descending recency, then the rest, potential ones last.
func (d *Directory) List(owner int64) []Conversation {
	d.mu.Lock()
	r, ok := d.rosters[owner]
	if !ok {
		d.mu.Unlock()
		return []Conversation{}
	}
	out := make([]Conversation, len(r.items))
	for i, it := range r.items {
		out[i] = *it
	}
	d.mu.Unlock()

	rank := func(c Conversation) int {
		switch {
		case c.IsPotential:
			return 2
		case c.LastMessageAt == nil:
			return 1
		}
		return 0
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return out[i].LastMessageAt.After(*out[j].LastMessageAt)
		}
		return false
	})
	return out
}

// Get returns the owner's entry for key.
func (d *Directory) Get(owner int64, key Key) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rosters[owner]; ok {
		for _, it := range r.items {
			if it.Key() == key {
				return *it, true
			}
		}
	}
	return Conversation{}, false
}

// FindDirect returns the id of the owner's direct conversation with
// counterpart, if one is known.
func (d *Directory) FindDirect(owner, counterpart int64) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rosters[owner]
	if !ok {
		return 0, false
	}
	for _, it := range r.items {
		if !it.IsGroup && !it.Provisional && it.ParticipantID == counterpart {
			return it.ID, true
		}
	}
	return 0, false
}

// Hydrate seeds the owner's roster from persisted summaries once. Every
// message is stored before it is recorded here, so the stored unread
// count wins over one counted in memory; the later last message wins.
// It reports whether anything was applied.
func (d *Directory) Hydrate(owner int64, convs []Conversation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rosterLocked(owner)
	if r.hydrated {
		return false
	}
	r.hydrated = true

	for _, c := range convs {
		i := r.find(c)
		if i < 0 {
			it := c
			r.items = append(r.items, &it)
			continue
		}
		it := r.items[i]
		if it.Provisional {
			it.ID, it.Provisional = c.ID, false
		}
		it.UnreadCount = max(c.UnreadCount, 0)
		if it.Name == "" {
			it.Name = c.Name
		}
		if it.Avatar == "" {
			it.Avatar = c.Avatar
		}
		if c.LastMessageAt != nil && (it.LastMessageAt == nil || c.LastMessageAt.After(*it.LastMessageAt)) {
			at := *c.LastMessageAt
			it.LastMessageAt = &at
			it.LastMessage = c.LastMessage
		}
		it.IsPotential = false
	}
	return true
}

// Forget releases the owner's roster. The next Hydrate rebuilds it.
func (d *Directory) Forget(owner int64) {
	d.mu.Lock()
	delete(d.rosters, owner)
	d.mu.Unlock()
}

// Hydrated reports whether Hydrate already ran for owner.
func (d *Directory) Hydrated(owner int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rosters[owner]
	return ok && r.hydrated
}
