package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/parlor/pkg/database"
)

// Persister loads snapshots at startup and accepts new ones after each
// mutation. Save must not block on I/O.
type Persister interface {
	Load(ctx context.Context, c database.Collection) ([]byte, error)
	Save(c database.Collection, version uint64, value any)
}

// Service is the single API the transport layer talks to. It composes the
// credential store, the social graph and the channel store, and hands a
// snapshot of every collection to the Persister after each mutation.
//
// All methods are synchronous against memory. Persistence is best-effort:
// a failed write is logged by the Persister and the in-memory state stays
// authoritative until the process exits, at which point anything that was
// never written is lost.
type Service struct {
	credentials *CredentialStore
	social      *SocialGraph
	channels    *ChannelStore

	persister      Persister
	logger         *zap.Logger
	now            func() time.Time
	defaultChannel string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests of session expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultChannelName names the Public channel created on first start.
func WithDefaultChannelName(name string) Option {
	return func(s *Service) {
		s.defaultChannel = name
	}
}

// Open builds a Service from whatever p has stored. Missing or unreadable
// users, friendships and requests start empty; if channels cannot be loaded
// the default Public channel is created and persisted immediately.
func Open(ctx context.Context, p Persister, opts ...Option) (*Service, error) {
	s := &Service{
		persister:      p,
		logger:         zap.NewNop(),
		now:            time.Now,
		defaultChannel: DefaultPublicChannelName,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("chat")

	s.credentials = NewCredentialStore(s.now)
	s.social = NewSocialGraph(s.credentials)
	s.channels = NewChannelStore(s.social, s.now)

	var users []database.UserRecord
	if s.load(ctx, database.CollectionUsers, &users) {
		s.logSkipped(database.CollectionUsers, s.credentials.Restore(users))
	}

	var friends database.FriendshipRecords
	var requests database.FriendRequestRecords
	s.load(ctx, database.CollectionFriendships, &friends)
	s.load(ctx, database.CollectionFriendRequests, &requests)
	s.social.Restore(friends, requests)

	var channels []database.ChannelRecord
	if s.load(ctx, database.CollectionChannels, &channels) {
		s.logSkipped(database.CollectionChannels, s.channels.Restore(channels))
	} else {
		ch, err := s.channels.Bootstrap(s.defaultChannel)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping channels: %w", err)
		}
		s.logger.Info("created default channel", zap.String("name", ch.Name()), zap.String("id", ch.ID()))
		s.flush()
	}

	s.logger.Info("state loaded",
		zap.Int("users", s.credentials.Len()),
		zap.Int("channels", s.channels.Len()))
	return s, nil
}

// load decodes collection c into dst and reports whether that worked.
func (s *Service) load(ctx context.Context, c database.Collection, dst any) bool {
	data, err := s.persister.Load(ctx, c)
	if errors.Is(err, database.ErrSnapshotNotFound) {
		s.logger.Info("no snapshot, starting empty", zap.String("collection", string(c)))
		return false
	}
	if err != nil {
		s.logger.Warn("snapshot load failed, starting empty", zap.String("collection", string(c)), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("snapshot corrupt, starting empty", zap.String("collection", string(c)), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) logSkipped(c database.Collection, skipped []error) {
	for _, err := range skipped {
		s.logger.Warn("skipped snapshot record", zap.String("collection", string(c)), zap.Error(err))
	}
}

// flush hands every collection to the persister. Collections whose version
// has not moved are dropped there.
func (s *Service) flush() {
	users, usersVersion := s.credentials.Snapshot()
	s.persister.Save(database.CollectionUsers, usersVersion, users)

	channels, channelsVersion := s.channels.Snapshot()
	s.persister.Save(database.CollectionChannels, channelsVersion, channels)

	friends, friendsVersion, requests, requestsVersion := s.social.Snapshot()
	s.persister.Save(database.CollectionFriendships, friendsVersion, friends)
	s.persister.Save(database.CollectionFriendRequests, requestsVersion, requests)
}

// === Credentials ===

// CreateUser registers a user and returns its first session cookie.
func (s *Service) CreateUser(username, password string) (string, error) {
	cookie, err := s.credentials.CreateUser(username, password)
	if err != nil {
		return "", err
	}
	s.logger.Info("user created", zap.String("username", username))
	s.flush()
	return cookie, nil
}

// Authenticate checks credentials and returns a fresh session cookie.
func (s *Service) Authenticate(username, password string) (string, error) {
	cookie, err := s.credentials.Authenticate(username, password)
	if err != nil {
		return "", err
	}
	s.flush()
	return cookie, nil
}

// AuthenticateByCookie returns the user owning a live session cookie.
func (s *Service) AuthenticateByCookie(cookie string) (User, bool) {
	user, ok, cleared := s.credentials.authenticateByCookie(cookie)
	if cleared {
		s.flush()
	}
	return user, ok
}

// EndSession signs out the owner of cookie.
func (s *Service) EndSession(cookie string) bool {
	ok, changed := s.credentials.endSession(cookie)
	if changed {
		s.flush()
	}
	return ok
}

// UserExists reports whether username is registered, ignoring case.
func (s *Service) UserExists(username string) bool {
	return s.credentials.Exists(username)
}

// AvatarOf returns the user's avatar, or DefaultAvatar if there is no such user.
func (s *Service) AvatarOf(username string) string {
	return s.credentials.AvatarOf(username)
}

// === Channels ===

// GetAccessibleChannels returns every channel username can access.
func (s *Service) GetAccessibleChannels(username string) []Channel {
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return []Channel{}
	}
	return s.channels.GetAccessibleChannels(name)
}

// GetChannel returns the channel if it exists and username can access it.
func (s *Service) GetChannel(username, channelID string) (Channel, bool) {
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return Channel{}, false
	}
	return s.channels.GetChannel(name, channelID)
}

// ChannelSummaries lists username's channels for display.
func (s *Service) ChannelSummaries(username string) []ChannelSummary {
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return []ChannelSummary{}
	}
	return s.channels.Summaries(name, s.credentials.AvatarOf)
}

// PostMessage appends content to the channel if username can access it.
func (s *Service) PostMessage(username, channelID, content string) bool {
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return false
	}
	if !s.channels.PostMessage(name, channelID, content) {
		return false
	}
	s.flush()
	return true
}

// GetOrCreateDirectChannel returns the Direct channel between two friends,
// creating and persisting it on first use.
func (s *Service) GetOrCreateDirectChannel(a, b string) (Channel, bool) {
	nameA, okA := s.credentials.Lookup(a)
	nameB, okB := s.credentials.Lookup(b)
	if !okA || !okB {
		return Channel{}, false
	}

	ch, ok, err := s.channels.GetOrCreateDirectChannel(nameA, nameB)
	if err != nil {
		s.logger.Error("direct channel creation failed", zap.String("a", nameA), zap.String("b", nameB), zap.Error(err))
		return Channel{}, false
	}
	if ok {
		s.flush()
	}
	return ch, ok
}

// CreateGroupChannel creates a Group channel owned by creator. Every member
// must be a registered user; creator is always a member.
func (s *Service) CreateGroupChannel(creator, name string, members ...string) (Channel, error) {
	owner, ok := s.credentials.Lookup(creator)
	if !ok {
		return Channel{}, ErrUnknownUser
	}
	resolved := []string{owner}
	for _, m := range members {
		canonical, ok := s.credentials.Lookup(m)
		if !ok {
			return Channel{}, ErrUnknownUser
		}
		resolved = append(resolved, canonical)
	}

	ch, err := s.channels.CreateGroupChannel(name, resolved...)
	if err != nil {
		return Channel{}, err
	}
	s.flush()
	return ch, nil
}

// AddChannelMember lets a member of a Group channel add another user.
func (s *Service) AddChannelMember(actor, channelID, username string) bool {
	if _, ok := s.GetChannel(actor, channelID); !ok {
		return false
	}
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return false
	}
	if !s.channels.AddMember(channelID, name) {
		return false
	}
	s.flush()
	return true
}

// RemoveChannelMember lets a member of a Group channel remove a user,
// themselves included.
func (s *Service) RemoveChannelMember(actor, channelID, username string) bool {
	if _, ok := s.GetChannel(actor, channelID); !ok {
		return false
	}
	name, ok := s.credentials.Lookup(username)
	if !ok {
		return false
	}
	if !s.channels.RemoveMember(channelID, name) {
		return false
	}
	s.flush()
	return true
}

// === Social graph ===

// AreFriends reports whether a and b are friends.
func (s *Service) AreFriends(a, b string) bool {
	return s.social.AreFriends(a, b)
}

// GetFriends returns username's friends.
func (s *Service) GetFriends(username string) []string {
	return s.social.GetFriends(username)
}

// GetPendingRequestsFor returns the users waiting for username to answer.
func (s *Service) GetPendingRequestsFor(username string) []string {
	return s.social.GetPendingRequestsFor(username)
}

// GetOutgoingRequests returns the users username is waiting on.
func (s *Service) GetOutgoingRequests(username string) []string {
	return s.social.GetOutgoingRequests(username)
}

// SendFriendRequest records that from wants to befriend to. accepted is
// true when to had already asked from, in which case they are now friends.
func (s *Service) SendFriendRequest(from, to string) (accepted bool, err error) {
	accepted, err = s.social.SendFriendRequest(from, to)
	if err != nil {
		return false, err
	}
	s.flush()
	return accepted, nil
}

// AcceptFriendRequest accepts the pending request from -> username.
func (s *Service) AcceptFriendRequest(username, from string) bool {
	if !s.social.AcceptFriendRequest(username, from) {
		return false
	}
	s.flush()
	return true
}

// DenyFriendRequest discards the pending request from -> username.
func (s *Service) DenyFriendRequest(username, from string) bool {
	if !s.social.DenyFriendRequest(username, from) {
		return false
	}
	s.flush()
	return true
}

// Stats reports the sizes of the stores.
type Stats struct {
	Users    int
	Channels int
}

// Stats returns current store sizes.
func (s *Service) Stats() Stats {
	return Stats{
		Users:    s.credentials.Len(),
		Channels: s.channels.Len(),
	}
}
