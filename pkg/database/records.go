package database

import "fmt"

// Collection names one independently persisted snapshot.
type Collection string

const (
	CollectionUsers          Collection = "users"
	CollectionChannels       Collection = "channels"
	CollectionFriendships    Collection = "friendships"
	CollectionFriendRequests Collection = "friend_requests"
)

// Collections lists every collection in flush order.
var Collections = []Collection{
	CollectionUsers,
	CollectionChannels,
	CollectionFriendships,
	CollectionFriendRequests,
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	switch c {
	case CollectionUsers, CollectionChannels, CollectionFriendships, CollectionFriendRequests:
		return true
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// UserRecord is the durable form of a registered user.
type UserRecord struct {
	Username       string  `json:"username"`
	Salt           string  `json:"salt"`
	HashedPassword string  `json:"hashedPassword"`
	SessionCookie  *string `json:"sessionCookie"`
	SessionExpiry  int64   `json:"sessionExpiry"` // Unix timestamp in milliseconds
	Avatar         string  `json:"avatar"`
}

// MessageRecord is the durable form of a channel message.
type MessageRecord struct {
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"` // Unix timestamp in milliseconds
	Content   string `json:"content"`
}

// ChannelRecord is the durable form of a message channel.
type ChannelRecord struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"` // "Direct", "Group" or "Public"
	ID       string          `json:"id"`
	Members  []string        `json:"members"`
	Messages []MessageRecord `json:"messages"`
}

// FriendshipRecords maps a username to the usernames of its friends.
type FriendshipRecords map[string][]string

// FriendRequestRecords maps a requester to the targets that have not answered.
type FriendRequestRecords map[string][]string

// ValidateChannelRecord rejects records that cannot be turned back into a channel.
func ValidateChannelRecord(r ChannelRecord) error {
	if r.ID == "" {
		return fmt.Errorf("channel record %q has no id", r.Name)
	}
	switch r.Type {
	case "Direct", "Group", "Public":
	default:
		return fmt.Errorf("channel record %s has invalid type %q", r.ID, r.Type)
	}
	return nil
}
