package chat

import (
	"slices"
	"sort"
	"sync"

	"github.com/aeolun/parlor/pkg/database"
)

// UserDirectory resolves user names to their registered spelling.
type UserDirectory interface {
	Lookup(name string) (canonical string, ok bool)
}

// SocialGraph owns friendships and pending friend requests.
//
// Friendships are stored in both directions; every mutation writes both
// sides under one lock so AreFriends(a, b) == AreFriends(b, a) always holds.
type SocialGraph struct {
	mu      sync.RWMutex
	users   UserDirectory
	friends map[string][]string // username -> friends, in the order they were added
	pending map[string][]string // requester -> targets, in the order they were asked

	friendsVersion  uint64
	requestsVersion uint64
}

// NewSocialGraph returns an empty graph that resolves names through users.
func NewSocialGraph(users UserDirectory) *SocialGraph {
	return &SocialGraph{
		users:   users,
		friends: make(map[string][]string),
		pending: make(map[string][]string),
	}
}

func (g *SocialGraph) resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	return g.users.Lookup(name)
}

// AreFriends reports whether a and b are friends.
func (g *SocialGraph) AreFriends(a, b string) bool {
	ca, okA := g.resolve(a)
	cb, okB := g.resolve(b)
	if !okA || !okB {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.areFriendsLocked(ca, cb)
}

func (g *SocialGraph) areFriendsLocked(a, b string) bool {
	return slices.Contains(g.friends[a], b)
}

// GetFriends returns the friends of username.
func (g *SocialGraph) GetFriends(username string) []string {
	name, ok := g.resolve(username)
	if !ok {
		return []string{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.friends[name]...)
}

// GetPendingRequestsFor returns, sorted, everyone waiting on username to answer.
func (g *SocialGraph) GetPendingRequestsFor(username string) []string {
	name, ok := g.resolve(username)
	if !ok {
		return []string{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	requesters := []string{}
	for from, targets := range g.pending {
		if slices.Contains(targets, name) {
			requesters = append(requesters, from)
		}
	}
	sort.Strings(requesters)
	return requesters
}

// GetOutgoingRequests returns the users username has asked and who have not answered.
func (g *SocialGraph) GetOutgoingRequests(username string) []string {
	name, ok := g.resolve(username)
	if !ok {
		return []string{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.pending[name]...)
}

// SendFriendRequest records a request from one user to another. If the other
// user already asked first, the two become friends at once and accepted is true.
func (g *SocialGraph) SendFriendRequest(from, to string) (accepted bool, err error) {
	if FoldName(from) == FoldName(to) {
		return false, ErrSelfRequest
	}
	fromName, ok := g.resolve(from)
	if !ok {
		return false, ErrUnknownUser
	}
	toName, ok := g.resolve(to)
	if !ok {
		return false, ErrUnknownUser
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.areFriendsLocked(fromName, toName) {
		return false, ErrAlreadyFriends
	}
	if slices.Contains(g.pending[fromName], toName) {
		return false, ErrDuplicateRequest
	}
	if slices.Contains(g.pending[toName], fromName) {
		g.removePendingLocked(toName, fromName)
		g.befriendLocked(fromName, toName)
		return true, nil
	}

	g.pending[fromName] = append(g.pending[fromName], toName)
	g.requestsVersion++
	return false, nil
}

// AcceptFriendRequest turns the pending request from -> username into a
// friendship. It returns false if there is no such request.
func (g *SocialGraph) AcceptFriendRequest(username, from string) bool {
	name, okName := g.resolve(username)
	fromName, okFrom := g.resolve(from)
	if !okName || !okFrom {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.removePendingLocked(fromName, name) {
		return false
	}
	g.befriendLocked(name, fromName)
	return true
}

// DenyFriendRequest discards the pending request from -> username. It
// returns false if there is no such request.
func (g *SocialGraph) DenyFriendRequest(username, from string) bool {
	name, okName := g.resolve(username)
	fromName, okFrom := g.resolve(from)
	if !okName || !okFrom {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removePendingLocked(fromName, name)
}

func (g *SocialGraph) removePendingLocked(from, to string) bool {
	targets := g.pending[from]
	i := slices.Index(targets, to)
	if i < 0 {
		return false
	}
	targets = slices.Delete(targets, i, i+1)
	if len(targets) == 0 {
		delete(g.pending, from)
	} else {
		g.pending[from] = targets
	}
	g.requestsVersion++
	return true
}

func (g *SocialGraph) befriendLocked(a, b string) {
	if !slices.Contains(g.friends[a], b) {
		g.friends[a] = append(g.friends[a], b)
	}
	if !slices.Contains(g.friends[b], a) {
		g.friends[b] = append(g.friends[b], a)
	}
	g.friendsVersion++
}

// Snapshot copies friendships and pending requests into their durable forms,
// each with the version it represents.
func (g *SocialGraph) Snapshot() (database.FriendshipRecords, uint64, database.FriendRequestRecords, uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	friends := make(database.FriendshipRecords, len(g.friends))
	for name, list := range g.friends {
		friends[name] = append([]string{}, list...)
	}
	requests := make(database.FriendRequestRecords, len(g.pending))
	for name, list := range g.pending {
		requests[name] = append([]string{}, list...)
	}
	return friends, g.friendsVersion, requests, g.requestsVersion
}

// Restore replaces the graph's contents. One-sided friendships are mirrored
// and duplicate or self-referencing entries are dropped.
func (g *SocialGraph) Restore(friends database.FriendshipRecords, requests database.FriendRequestRecords) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.friends = make(map[string][]string, len(friends))
	g.pending = make(map[string][]string, len(requests))

	for _, name := range sortedKeys(friends) {
		for _, friend := range friends[name] {
			if friend == "" || friend == name {
				continue
			}
			if !slices.Contains(g.friends[name], friend) {
				g.friends[name] = append(g.friends[name], friend)
			}
			if !slices.Contains(g.friends[friend], name) {
				g.friends[friend] = append(g.friends[friend], name)
			}
		}
	}

	for _, from := range sortedKeys(requests) {
		for _, to := range requests[from] {
			if to == "" || to == from || slices.Contains(g.pending[from], to) {
				continue
			}
			if slices.Contains(g.friends[from], to) {
				continue
			}
			g.pending[from] = append(g.pending[from], to)
		}
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
