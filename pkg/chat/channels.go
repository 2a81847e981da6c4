package chat

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aeolun/parlor/pkg/database"
)

// ChannelType decides who may read and post in a channel.
type ChannelType string

const (
	// ChannelDirect is a private channel between two friends.
	ChannelDirect ChannelType = "Direct"
	// ChannelGroup is a private channel with an explicit member list.
	ChannelGroup ChannelType = "Group"
	// ChannelPublic is open to every user.
	ChannelPublic ChannelType = "Public"
)

// DefaultPublicChannelName names the channel created on first start.
const DefaultPublicChannelName = "Public Channel"

// Message is an immutable chat message.
type Message struct {
	sender    string
	timestamp time.Time
	content   string
}

func (m Message) Sender() string       { return m.sender }
func (m Message) Timestamp() time.Time { return m.timestamp }
func (m Message) Content() string      { return m.content }

// Channel is a point-in-time copy of a message channel. Changing the slices
// it returns does not affect the store.
type Channel struct {
	id       string
	name     string
	typ      ChannelType
	members  []string
	messages []Message
}

func (c Channel) ID() string        { return c.id }
func (c Channel) Name() string      { return c.name }
func (c Channel) Type() ChannelType { return c.typ }
func (c Channel) MessageCount() int { return len(c.messages) }

// Members returns the explicit members. Public channels usually have none.
func (c Channel) Members() []string { return append([]string{}, c.members...) }

// Messages returns the history, oldest first.
func (c Channel) Messages() []Message { return append([]Message{}, c.messages...) }

// HasAccess reports whether username may read and post.
func (c Channel) HasAccess(username string) bool {
	return c.typ == ChannelPublic || slices.Contains(c.members, username)
}

// ChannelSummary is one entry of a user's channel list.
type ChannelSummary struct {
	ID   string
	Name string
	Type ChannelType
	Icon string // avatar of the other member for Direct channels, empty otherwise
}

type channelEntry struct {
	id       string
	name     string
	typ      ChannelType
	members  []string
	messages []Message
}

func (c *channelEntry) hasAccess(username string) bool {
	return c.typ == ChannelPublic || slices.Contains(c.members, username)
}

func (c *channelEntry) view() Channel {
	return Channel{
		id:       c.id,
		name:     c.name,
		typ:      c.typ,
		members:  append([]string{}, c.members...),
		messages: append([]Message{}, c.messages...),
	}
}

// isPair reports whether the channel's members are exactly {a, b}.
func (c *channelEntry) isPair(a, b string) bool {
	if len(c.members) != 2 {
		return false
	}
	return (c.members[0] == a && c.members[1] == b) || (c.members[0] == b && c.members[1] == a)
}

// FriendChecker answers whether two users are friends.
type FriendChecker interface {
	AreFriends(a, b string) bool
}

// ChannelStore owns channels and their messages and enforces access.
//
// A missing channel and a channel the caller may not see look the same to
// the caller, so channel ids cannot be probed.
type ChannelStore struct {
	mu       sync.RWMutex
	friends  FriendChecker
	channels []*channelEntry
	byID     map[string]*channelEntry
	now      func() time.Time
	version  uint64
}

// NewChannelStore returns an empty store. Direct channels are only created
// between users friends reports as friends.
func NewChannelStore(friends FriendChecker, now func() time.Time) *ChannelStore {
	if now == nil {
		now = time.Now
	}
	return &ChannelStore{
		friends: friends,
		byID:    make(map[string]*channelEntry),
		now:     now,
	}
}

func (s *ChannelStore) addLocked(name string, typ ChannelType, members []string) (*channelEntry, error) {
	id, err := newChannelID()
	if err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}
	entry := &channelEntry{
		id:      id,
		name:    name,
		typ:     typ,
		members: members,
	}
	s.channels = append(s.channels, entry)
	s.byID[id] = entry
	s.version++
	return entry, nil
}

// Bootstrap creates the default Public channel if the store is empty.
func (s *ChannelStore) Bootstrap(name string) (Channel, error) {
	if name == "" {
		name = DefaultPublicChannelName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.channels {
		if c.typ == ChannelPublic {
			return c.view(), nil
		}
	}
	entry, err := s.addLocked(name, ChannelPublic, []string{})
	if err != nil {
		return Channel{}, err
	}
	return entry.view(), nil
}

// GetAccessibleChannels returns every channel username can access, in creation order.
func (s *ChannelStore) GetAccessibleChannels(username string) []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Channel{}
	for _, c := range s.channels {
		if c.hasAccess(username) {
			result = append(result, c.view())
		}
	}
	return result
}

// GetChannel returns the channel if it exists and username can access it.
func (s *ChannelStore) GetChannel(username, channelID string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[channelID]
	if !ok || !c.hasAccess(username) {
		return Channel{}, false
	}
	return c.view(), true
}

// PostMessage appends a message stamped with the current time.
func (s *ChannelStore) PostMessage(username, channelID, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[channelID]
	if !ok || !c.hasAccess(username) {
		return false
	}
	c.messages = append(c.messages, Message{
		sender:    username,
		timestamp: s.now(),
		content:   content,
	})
	s.version++
	return true
}

// GetOrCreateDirectChannel returns the Direct channel of a and b, creating
// it on first use. It fails if the two are not friends.
func (s *ChannelStore) GetOrCreateDirectChannel(a, b string) (Channel, bool, error) {
	if !s.friends.AreFriends(a, b) {
		return Channel{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.channels {
		if c.typ == ChannelDirect && c.isPair(a, b) {
			return c.view(), true, nil
		}
	}
	entry, err := s.addLocked(a+" & "+b, ChannelDirect, []string{a, b})
	if err != nil {
		return Channel{}, false, err
	}
	return entry.view(), true, nil
}

// CreateGroupChannel creates a Group channel with the given members.
func (s *ChannelStore) CreateGroupChannel(name string, members ...string) (Channel, error) {
	if name == "" {
		return Channel{}, ErrEmptyField
	}
	set := []string{}
	for _, m := range members {
		if m != "" && !slices.Contains(set, m) {
			set = append(set, m)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.addLocked(name, ChannelGroup, set)
	if err != nil {
		return Channel{}, err
	}
	return entry.view(), nil
}

// AddMember adds username to a Group channel. Direct and Public channels
// cannot change membership.
func (s *ChannelStore) AddMember(channelID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[channelID]
	if !ok || c.typ != ChannelGroup || username == "" {
		return false
	}
	if slices.Contains(c.members, username) {
		return true
	}
	c.members = append(c.members, username)
	s.version++
	return true
}

// RemoveMember removes username from a Group channel.
func (s *ChannelStore) RemoveMember(channelID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[channelID]
	if !ok || c.typ != ChannelGroup {
		return false
	}
	i := slices.Index(c.members, username)
	if i < 0 {
		return false
	}
	c.members = slices.Delete(c.members, i, i+1)
	s.version++
	return true
}

// Summaries lists username's channels for display. A Direct channel is shown
// under the other member's name with their avatar as icon.
func (s *ChannelStore) Summaries(username string, avatarOf func(string) string) []ChannelSummary {
	channels := s.GetAccessibleChannels(username)
	summaries := make([]ChannelSummary, 0, len(channels))
	for _, c := range channels {
		summary := ChannelSummary{ID: c.id, Name: c.name, Type: c.typ}
		if c.typ == ChannelDirect {
			for _, m := range c.members {
				if m != username {
					summary.Name = m
					summary.Icon = avatarOf(m)
					break
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// Len returns the number of channels.
func (s *ChannelStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Snapshot copies every channel into its durable form along with the
// version the copy represents.
func (s *ChannelStore) Snapshot() ([]database.ChannelRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]database.ChannelRecord, 0, len(s.channels))
	for _, c := range s.channels {
		r := database.ChannelRecord{
			Name:     c.name,
			Type:     string(c.typ),
			ID:       c.id,
			Members:  append([]string{}, c.members...),
			Messages: make([]database.MessageRecord, 0, len(c.messages)),
		}
		for _, m := range c.messages {
			r.Messages = append(r.Messages, database.MessageRecord{
				Sender:    m.sender,
				Timestamp: m.timestamp.UnixMilli(),
				Content:   m.content,
			})
		}
		records = append(records, r)
	}
	return records, s.version
}

// Restore replaces the store's channels with records. Invalid or duplicate
// records are skipped and returned as errors.
func (s *ChannelStore) Restore(records []database.ChannelRecord) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels = s.channels[:0]
	s.byID = make(map[string]*channelEntry, len(records))

	var skipped []error
	for _, r := range records {
		if err := database.ValidateChannelRecord(r); err != nil {
			skipped = append(skipped, err)
			continue
		}
		if _, dup := s.byID[r.ID]; dup {
			skipped = append(skipped, fmt.Errorf("duplicate channel id %s", r.ID))
			continue
		}
		entry := &channelEntry{
			id:       r.ID,
			name:     r.Name,
			typ:      ChannelType(r.Type),
			members:  append([]string{}, r.Members...),
			messages: make([]Message, 0, len(r.Messages)),
		}
		if entry.typ == ChannelDirect && len(entry.members) != 2 {
			skipped = append(skipped, fmt.Errorf("direct channel %s has %d members", r.ID, len(entry.members)))
			continue
		}
		for _, m := range r.Messages {
			entry.messages = append(entry.messages, Message{
				sender:    m.Sender,
				timestamp: time.UnixMilli(m.Timestamp),
				content:   m.Content,
			})
		}
		s.channels = append(s.channels, entry)
		s.byID[entry.id] = entry
	}
	return skipped
}
