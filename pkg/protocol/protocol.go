// Package protocol defines the JSON events exchanged over the WebSocket.
//
// Every WebSocket text message is one Envelope. The payload layout is fixed
// by the envelope's Type; events without data carry no payload at all.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize caps a single inbound message (64 KB).
const MaxEnvelopeSize = 64 * 1024

// Client → server events.
const (
	TypeSignup           = "signup"
	TypeSignin           = "signin"
	TypeSignout          = "signout"
	TypeCheckUser        = "check_user"
	TypePostMessage      = "post-message"
	TypeAddFriend        = "add-friend"
	TypeAcceptFriend     = "accept-friend"
	TypeDenyFriend       = "deny-friend"
	TypeGetFriendChannel = "get-friend-channel"
	TypeGetChannels      = "get-channels"
	TypeGetChannel       = "get-channel"
	TypeGetFriends       = "get-friends"
)

// Server → client events.
const (
	TypeAuthCookie       = "auth_cookie"
	TypeInvalidAuth      = "invalid_auth"
	TypeSignupFailed     = "signup_failed"
	TypeUserResult       = "user_result"
	TypeMessagePosted    = "message-posted"
	TypeRequestSucceeded = "request-succeeded"
	TypeRequestFailed    = "request-failed"
	TypeRequestSent      = "request-sent"
	TypeFriendAdded      = "friend-added"
	TypeFriendChannel    = "friend-channel"
	TypeChannels         = "channels"
	TypeChannel          = "channel"
	TypeFriends          = "friends"
	TypeError            = "error"
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size (64 KB)")
	ErrMissingType      = errors.New("envelope has no type")
	ErrMissingPayload   = errors.New("envelope has no payload")
)

// Envelope is the outer shape of every message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Credentials is the payload of signup and signin.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CheckUser asks whether a username is still free.
type CheckUser struct {
	Username string `json:"username"`
}

// Authenticated is embedded in every request made on behalf of a signed-in user.
type Authenticated struct {
	Cookie string `json:"cookie"`
}

// PostMessage appends a message to a channel.
type PostMessage struct {
	Authenticated
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// FriendRequest names the other user of add-friend, accept-friend,
// deny-friend and get-friend-channel.
type FriendRequest struct {
	Authenticated
	Friend string `json:"friend"`
}

// GetChannel requests one channel with its history.
type GetChannel struct {
	Authenticated
	Channel string `json:"channel"`
}

// AuthCookie carries a fresh session cookie.
type AuthCookie struct {
	Cookie   string `json:"cookie"`
	Username string `json:"username"`
}

// UserResult answers check_user.
type UserResult struct {
	Available bool   `json:"available"`
	Username  string `json:"username"`
}

// Failure carries a human readable reason.
type Failure struct {
	Reason string `json:"reason"`
}

// MessagePosted tells a client that a channel it can see has a new message.
// Clients fetch the history with get-channel.
type MessagePosted struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
}

// FriendChannel answers get-friend-channel.
type FriendChannel struct {
	Channel string `json:"channel"`
}

// Message is one chat message. Timestamp is epoch milliseconds.
type Message struct {
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// ChannelSummary is one entry of the channel list.
type ChannelSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Icon string `json:"icon,omitempty"`
}

// Channels answers get-channels.
type Channels struct {
	Channels []ChannelSummary `json:"channels"`
}

// Channel answers get-channel.
type Channel struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Members  []string  `json:"members"`
	Messages []Message `json:"messages"`
}

// Friend is one entry of the friend list.
type Friend struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Friends answers get-friends.
type Friends struct {
	Friends  []Friend `json:"friends"`
	Incoming []string `json:"incoming"`
	Outgoing []string `json:"outgoing"`
}

// Encode builds the wire form of an event. A nil payload produces an
// envelope without a payload field.
func Encode(typ string, payload any) ([]byte, error) {
	if typ == "" {
		return nil, ErrMissingType
	}
	env := Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses the outer envelope of an inbound message.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
