package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/parlor/pkg/database"
)

func TestSocialGraph_SendFriendRequestErrors(t *testing.T) {
	g := NewSocialGraph(newDirectory("alice", "bob"))

	tests := []struct {
		name     string
		from, to string
		want     error
	}{
		{"self", "alice", "alice", ErrSelfRequest},
		{"self ignoring case", "alice", "ALICE", ErrSelfRequest},
		{"unknown sender", "mallory", "bob", ErrUnknownUser},
		{"unknown target", "alice", "mallory", ErrUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.SendFriendRequest(tt.from, tt.to)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	accepted, err := g.SendFriendRequest("alice", "bob")
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = g.SendFriendRequest("alice", "Bob")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.True(t, g.AcceptFriendRequest("bob", "alice"))
	_, err = g.SendFriendRequest("bob", "alice")
	assert.ErrorIs(t, err, ErrAlreadyFriends)
}

func TestSocialGraph_AcceptAndDeny(t *testing.T) {
	g := NewSocialGraph(newDirectory("alice", "bob", "carol"))

	_, err := g.SendFriendRequest("alice", "bob")
	require.NoError(t, err)
	_, err = g.SendFriendRequest("carol", "bob")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "carol"}, g.GetPendingRequestsFor("bob"))
	assert.Equal(t, []string{"bob"}, g.GetOutgoingRequests("alice"))

	assert.False(t, g.AcceptFriendRequest("alice", "bob"), "wrong direction")
	assert.True(t, g.AcceptFriendRequest("bob", "alice"))
	assert.False(t, g.AcceptFriendRequest("bob", "alice"), "request was consumed")

	assert.True(t, g.DenyFriendRequest("bob", "carol"))
	assert.False(t, g.DenyFriendRequest("bob", "carol"))

	assert.Empty(t, g.GetPendingRequestsFor("bob"))
	assert.True(t, g.AreFriends("alice", "bob"))
	assert.True(t, g.AreFriends("bob", "alice"))
	assert.False(t, g.AreFriends("bob", "carol"))
	assert.Equal(t, []string{"bob"}, g.GetFriends("alice"))
	assert.Equal(t, []string{"alice"}, g.GetFriends("bob"))
	assert.Empty(t, g.GetFriends("carol"))
}

func TestSocialGraph_ReciprocalRequestAutoAccepts(t *testing.T) {
	g := NewSocialGraph(newDirectory("alice", "bob"))

	accepted, err := g.SendFriendRequest("alice", "bob")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = g.SendFriendRequest("bob", "alice")
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.True(t, g.AreFriends("alice", "bob"))
	assert.Empty(t, g.GetPendingRequestsFor("alice"))
	assert.Empty(t, g.GetPendingRequestsFor("bob"))
	assert.Empty(t, g.GetOutgoingRequests("alice"))
	assert.Empty(t, g.GetOutgoingRequests("bob"))
}

func TestSocialGraph_NamesAreCanonicalised(t *testing.T) {
	g := NewSocialGraph(newDirectory("Alice", "Bob"))

	_, err := g.SendFriendRequest("alice", "BOB")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, g.GetPendingRequestsFor("bob"))
	require.True(t, g.AcceptFriendRequest("bob", "ALICE"))

	friends, _, _, _ := g.Snapshot()
	assert.Equal(t, database.FriendshipRecords{"Alice": {"Bob"}, "Bob": {"Alice"}}, friends)
}

func TestSocialGraph_RestoreMirrorsFriendships(t *testing.T) {
	g := NewSocialGraph(newDirectory("alice", "bob", "carol"))

	g.Restore(
		database.FriendshipRecords{"alice": {"bob", "alice", ""}},
		database.FriendRequestRecords{"carol": {"alice", "alice", "carol"}, "alice": {"bob"}},
	)

	assert.True(t, g.AreFriends("bob", "alice"), "one-sided record is mirrored")
	assert.Equal(t, []string{"carol"}, g.GetPendingRequestsFor("alice"))
	assert.Empty(t, g.GetPendingRequestsFor("bob"), "requests between friends are dropped")
}

func TestSocialGraph_VersionsMoveWithTheirCollection(t *testing.T) {
	g := NewSocialGraph(newDirectory("alice", "bob"))

	_, fv0, _, rv0 := g.Snapshot()
	_, err := g.SendFriendRequest("alice", "bob")
	require.NoError(t, err)
	_, fv1, _, rv1 := g.Snapshot()
	assert.Equal(t, fv0, fv1)
	assert.Greater(t, rv1, rv0)

	require.True(t, g.AcceptFriendRequest("bob", "alice"))
	_, fv2, _, rv2 := g.Snapshot()
	assert.Greater(t, fv2, fv1)
	assert.Greater(t, rv2, rv1)
}

// TestSocialGraph_Invariants drives random operations and checks that
// friendship stays symmetric and never coexists with a pending request.
func TestSocialGraph_Invariants(t *testing.T) {
	names := []string{"ann", "ben", "cat", "dan", "eve"}

	rapid.Check(t, func(t *rapid.T) {
		g := NewSocialGraph(newDirectory(names...))
		user := rapid.SampledFrom(names)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			a := user.Draw(t, fmt.Sprintf("a%d", i))
			b := user.Draw(t, fmt.Sprintf("b%d", i))
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0:
				_, _ = g.SendFriendRequest(a, b)
			case 1:
				g.AcceptFriendRequest(a, b)
			case 2:
				g.DenyFriendRequest(a, b)
			}
		}

		for _, a := range names {
			for _, b := range names {
				if g.AreFriends(a, b) != g.AreFriends(b, a) {
					t.Fatalf("asymmetric friendship between %s and %s", a, b)
				}
				if g.AreFriends(a, b) {
					for _, r := range g.GetPendingRequestsFor(b) {
						if r == a {
							t.Fatalf("%s and %s are friends but %s still has a pending request", a, b, a)
						}
					}
				}
			}
			if g.AreFriends(a, a) {
				t.Fatalf("%s is their own friend", a)
			}
		}
	})
}

func TestSocialGraph_SelfRequestUsesUsernameFolding(t *testing.T) {
	creds := NewCredentialStore(nil)
	g := NewSocialGraph(creds)

	_, err := creds.CreateUser("s", "pw")
	require.NoError(t, err)
	// U+017F LATIN SMALL LETTER LONG S lowers to itself, so it is a different user.
	_, err = creds.CreateUser("ſ", "pw")
	require.NoError(t, err)

	accepted, err := g.SendFriendRequest("s", "ſ")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, []string{"s"}, g.GetPendingRequestsFor("ſ"))

	_, err = g.SendFriendRequest("s", "S")
	assert.ErrorIs(t, err, ErrSelfRequest)
}

// TestSocialGraph_SelfRequestAgreesWithUniqueness checks that two names are
// rejected as a self request exactly when they cannot both be registered.
func TestSocialGraph_SelfRequestAgreesWithUniqueness(t *testing.T) {
	letters := []rune{'s', 'S', '\u017F', 'k', 'K', '\u212A', '\u00DF', '\u1E9E', 'i', 'I', '\u0130', '\u0131', '\u03A3', '\u03C3', '\u03C2'}
	name := rapid.Custom(func(t *rapid.T) string {
		n := rapid.IntRange(1, 3).Draw(t, "len")
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = rapid.SampledFrom(letters).Draw(t, fmt.Sprintf("r%d", i))
		}
		return string(runes)
	})

	rapid.Check(t, func(t *rapid.T) {
		a := name.Draw(t, "a")
		b := name.Draw(t, "b")

		creds := NewCredentialStore(nil)
		g := NewSocialGraph(creds)
		if _, err := creds.CreateUser(a, "pw"); err != nil {
			t.Fatalf("CreateUser(%q): %v", a, err)
		}
		_, createErr := creds.CreateUser(b, "pw")
		_, requestErr := g.SendFriendRequest(a, b)

		switch {
		case errors.Is(createErr, ErrUserExists):
			if !errors.Is(requestErr, ErrSelfRequest) {
				t.Fatalf("%q and %q are one user but the request gave %v", a, b, requestErr)
			}
		case createErr != nil:
			t.Fatalf("CreateUser(%q): %v", b, createErr)
		default:
			if requestErr != nil {
				t.Fatalf("%q and %q are distinct users but the request gave %v", a, b, requestErr)
			}
		}
	})
}
