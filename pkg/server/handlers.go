package server

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/protocol"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event type")
	ErrUsernameTooLong  = errors.New("username too long")
	ErrMessageTooLong   = errors.New("message too long")
	ErrEmptyMessage     = errors.New("message must not be empty")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrPostRejected     = errors.New("cannot post to channel")
)

// handleMessage dispatches an envelope to the appropriate handler. A returned
// error is reported to the client as an error event.
func (s *Server) handleMessage(sess *Session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSignup:
		return s.handleSignup(sess, env)
	case protocol.TypeSignin:
		return s.handleSignin(sess, env)
	case protocol.TypeSignout:
		return s.handleSignout(sess, env)
	case protocol.TypeCheckUser:
		return s.handleCheckUser(sess, env)
	case protocol.TypePostMessage:
		return s.handlePostMessage(sess, env)
	case protocol.TypeAddFriend:
		return s.handleAddFriend(sess, env)
	case protocol.TypeAcceptFriend:
		return s.handleAcceptFriend(sess, env)
	case protocol.TypeDenyFriend:
		return s.handleDenyFriend(sess, env)
	case protocol.TypeGetFriendChannel:
		return s.handleGetFriendChannel(sess, env)
	case protocol.TypeGetChannels:
		return s.handleGetChannels(sess, env)
	case protocol.TypeGetChannel:
		return s.handleGetChannel(sess, env)
	case protocol.TypeGetFriends:
		return s.handleGetFriends(sess, env)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Type)
	}
}

// authenticate resolves cookie to a user and remembers it on the session.
// On failure the client gets invalid_auth and ok is false.
func (s *Server) authenticate(sess *Session, cookie string) (string, bool) {
	user, ok := s.chat.AuthenticateByCookie(cookie)
	if !ok {
		sess.setUsername("")
		sess.Conn.Send(protocol.TypeInvalidAuth, nil)
		return "", false
	}
	sess.setUsername(user.Username())
	return user.Username(), true
}

// === Accounts ===

func (s *Server) handleSignup(sess *Session, env protocol.Envelope) error {
	var req protocol.Credentials
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	if limit := s.config.MaxUsernameLength; limit > 0 && utf8.RuneCountInString(req.Username) > limit {
		return sess.Conn.Send(protocol.TypeSignupFailed, protocol.Failure{Reason: ErrUsernameTooLong.Error()})
	}

	cookie, err := s.chat.CreateUser(req.Username, req.Password)
	if err != nil {
		return sess.Conn.Send(protocol.TypeSignupFailed, protocol.Failure{Reason: err.Error()})
	}

	// A new user is registered under exactly the spelling given.
	sess.setUsername(req.Username)
	s.logger.Info("user signed up", zap.String("username", req.Username))
	return sess.Conn.Send(protocol.TypeAuthCookie, protocol.AuthCookie{Cookie: cookie, Username: req.Username})
}

func (s *Server) handleSignin(sess *Session, env protocol.Envelope) error {
	var req protocol.Credentials
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	cookie, err := s.chat.Authenticate(req.Username, req.Password)
	if err != nil {
		s.logger.Debug("sign in rejected", zap.String("username", req.Username), zap.Error(err))
		return sess.Conn.Send(protocol.TypeInvalidAuth, nil)
	}

	user, ok := s.chat.AuthenticateByCookie(cookie)
	if !ok {
		return sess.Conn.Send(protocol.TypeInvalidAuth, nil)
	}
	sess.setUsername(user.Username())
	return sess.Conn.Send(protocol.TypeAuthCookie, protocol.AuthCookie{Cookie: cookie, Username: user.Username()})
}

func (s *Server) handleSignout(sess *Session, env protocol.Envelope) error {
	var req protocol.Authenticated
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	s.chat.EndSession(req.Cookie)
	sess.setUsername("")
	return nil
}

func (s *Server) handleCheckUser(sess *Session, env protocol.Envelope) error {
	var req protocol.CheckUser
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	return sess.Conn.Send(protocol.TypeUserResult, protocol.UserResult{
		Available: !s.chat.UserExists(req.Username),
		Username:  req.Username,
	})
}

// === Channels ===

func (s *Server) handlePostMessage(sess *Session, env protocol.Envelope) error {
	var req protocol.PostMessage
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyMessage
	}
	if limit := s.config.MaxMessageLength; limit > 0 && len(req.Content) > limit {
		return fmt.Errorf("%w (max %d bytes)", ErrMessageTooLong, limit)
	}

	if !s.chat.PostMessage(username, req.Channel, req.Content) {
		return ErrPostRejected
	}
	s.metrics.messagePosted()

	ch, ok := s.chat.GetChannel(username, req.Channel)
	if !ok {
		return nil
	}
	s.broadcast(protocol.TypeMessagePosted, protocol.MessagePosted{Channel: ch.ID(), Sender: username}, func(other *Session) bool {
		name := other.Username()
		return name != "" && ch.HasAccess(name)
	})
	return nil
}

func (s *Server) handleGetChannels(sess *Session, env protocol.Envelope) error {
	var req protocol.Authenticated
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	summaries := s.chat.ChannelSummaries(username)
	resp := protocol.Channels{Channels: make([]protocol.ChannelSummary, 0, len(summaries))}
	for _, c := range summaries {
		resp.Channels = append(resp.Channels, protocol.ChannelSummary{
			ID:   c.ID,
			Name: c.Name,
			Type: string(c.Type),
			Icon: c.Icon,
		})
	}
	return sess.Conn.Send(protocol.TypeChannels, resp)
}

func (s *Server) handleGetChannel(sess *Session, env protocol.Envelope) error {
	var req protocol.GetChannel
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	ch, ok := s.chat.GetChannel(username, req.Channel)
	if !ok {
		// No distinction between absent and forbidden.
		return ErrChannelNotFound
	}
	return sess.Conn.Send(protocol.TypeChannel, channelPayload(ch))
}

func channelPayload(ch chat.Channel) protocol.Channel {
	messages := ch.Messages()
	out := protocol.Channel{
		ID:       ch.ID(),
		Name:     ch.Name(),
		Type:     string(ch.Type()),
		Members:  ch.Members(),
		Messages: make([]protocol.Message, 0, len(messages)),
	}
	for _, m := range messages {
		out.Messages = append(out.Messages, protocol.Message{
			Sender:    m.Sender(),
			Timestamp: m.Timestamp().UnixMilli(),
			Content:   m.Content(),
		})
	}
	return out
}

// === Friends ===

func (s *Server) handleAddFriend(sess *Session, env protocol.Envelope) error {
	var req protocol.FriendRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	accepted, err := s.chat.SendFriendRequest(username, req.Friend)
	if err != nil {
		return sess.Conn.Send(protocol.TypeRequestFailed, protocol.Failure{Reason: err.Error()})
	}

	if err := sess.Conn.Send(protocol.TypeRequestSucceeded, nil); err != nil {
		return err
	}
	if accepted {
		s.notifyUsers(protocol.TypeFriendAdded, username, req.Friend)
	} else {
		s.notifyUsers(protocol.TypeRequestSent, req.Friend)
	}
	return nil
}

func (s *Server) handleAcceptFriend(sess *Session, env protocol.Envelope) error {
	var req protocol.FriendRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	if !s.chat.AcceptFriendRequest(username, req.Friend) {
		return sess.Conn.Send(protocol.TypeRequestFailed, protocol.Failure{Reason: fmt.Sprintf("no pending request from %s", req.Friend)})
	}
	s.notifyUsers(protocol.TypeFriendAdded, username, req.Friend)
	return nil
}

func (s *Server) handleDenyFriend(sess *Session, env protocol.Envelope) error {
	var req protocol.FriendRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	if !s.chat.DenyFriendRequest(username, req.Friend) {
		return sess.Conn.Send(protocol.TypeRequestFailed, protocol.Failure{Reason: fmt.Sprintf("no pending request from %s", req.Friend)})
	}
	// Both sides refresh their request lists.
	s.notifyUsers(protocol.TypeRequestSent, username, req.Friend)
	return nil
}

func (s *Server) handleGetFriendChannel(sess *Session, env protocol.Envelope) error {
	var req protocol.FriendRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	ch, ok := s.chat.GetOrCreateDirectChannel(username, req.Friend)
	if !ok {
		return sess.Conn.Send(protocol.TypeRequestFailed, protocol.Failure{Reason: fmt.Sprintf("not friends with %s", req.Friend)})
	}
	return sess.Conn.Send(protocol.TypeFriendChannel, protocol.FriendChannel{Channel: ch.ID()})
}

func (s *Server) handleGetFriends(sess *Session, env protocol.Envelope) error {
	var req protocol.Authenticated
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	username, ok := s.authenticate(sess, req.Cookie)
	if !ok {
		return nil
	}

	friends := s.chat.GetFriends(username)
	resp := protocol.Friends{
		Friends:  make([]protocol.Friend, 0, len(friends)),
		Incoming: s.chat.GetPendingRequestsFor(username),
		Outgoing: s.chat.GetOutgoingRequests(username),
	}
	for _, f := range friends {
		resp.Friends = append(resp.Friends, protocol.Friend{Username: f, Avatar: s.chat.AvatarOf(f)})
	}
	return sess.Conn.Send(protocol.TypeFriends, resp)
}

// === Fan-out ===

// notifyUsers sends a payload-less event to every connection of the given users.
func (s *Server) notifyUsers(typ string, usernames ...string) {
	targets := make(map[*Session]bool)
	for _, u := range usernames {
		for _, sess := range s.sessions.SessionsFor(u) {
			targets[sess] = true
		}
	}
	if len(targets) == 0 {
		return
	}
	s.broadcast(typ, nil, func(other *Session) bool { return targets[other] })
}

// broadcast encodes once and writes to every session accepted by match.
// Write failures are left to the session's read loop to clean up.
func (s *Server) broadcast(typ string, payload any, match func(*Session) bool) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast", zap.String("type", typ), zap.Error(err))
		return
	}

	sent := 0
	for _, other := range s.sessions.GetAllSessions() {
		if !match(other) {
			continue
		}
		if err := other.Conn.WriteBytes(data); err != nil {
			s.logger.Debug("broadcast write failed", zap.String("session", other.ID.String()), zap.Error(err))
			continue
		}
		sent++
	}
	s.logger.Debug("broadcast", zap.String("type", typ), zap.Int("sent", sent))
}
