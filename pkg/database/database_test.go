package database

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "parlor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_LoadMissing(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Load(context.Background(), CollectionUsers)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDB_SaveReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, CollectionChannels, 1, []byte(`[]`)))
	require.NoError(t, db.Save(ctx, CollectionChannels, 2, []byte(`[{"id":"x"}]`)))

	got, err := db.Load(ctx, CollectionChannels)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"x"}]`, string(got))

	infos, err := db.Describe(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, CollectionChannels, infos[0].Collection)
	assert.Equal(t, uint64(2), infos[0].Version)
}

func TestDB_UnknownCollection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Save(ctx, Collection("sessions"), 1, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = db.Load(ctx, Collection("sessions"))
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlor.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, CollectionFriendships, 3, []byte(`{"alice":["bob"]}`)))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Load(ctx, CollectionFriendships)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alice":["bob"]}`, string(got))
}

func TestDir_SaveLoad(t *testing.T) {
	dir, err := OpenDir(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = dir.Load(ctx, CollectionUsers)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, dir.Save(ctx, CollectionUsers, 1, []byte(`[{"username":"alice"}]`)))

	got, err := dir.Load(ctx, CollectionUsers)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"username":"alice"}]`, string(got))
	assert.Contains(t, string(got), "\n\t", "files are written indented")

	matches, err := filepath.Glob(filepath.Join(dir.path, ".*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files must not be left behind")

	infos, err := dir.Describe(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, CollectionUsers, infos[0].Collection)
}

func TestDir_FileNames(t *testing.T) {
	dir, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, c := range Collections {
		require.NoError(t, dir.Save(ctx, c, 1, []byte(`{}`)))
	}
	for _, name := range []string{"users.json", "channel-data.json", "friendships.json", "friend-requests.json"} {
		assert.FileExists(t, filepath.Join(dir.path, name))
	}
}

func TestValidateChannelRecord(t *testing.T) {
	assert.NoError(t, ValidateChannelRecord(ChannelRecord{ID: "a", Type: "Public"}))
	assert.Error(t, ValidateChannelRecord(ChannelRecord{Type: "Public"}))
	assert.Error(t, ValidateChannelRecord(ChannelRecord{ID: "a", Type: "Secret"}))
}

func TestDB_LargeSnapshotIsCompressed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	payload := []byte(`[` + strings.Repeat(`{"sender":"alice","content":"hello there"},`, 500) + `{}]`)
	require.NoError(t, db.Save(ctx, CollectionChannels, 1, payload))

	got, err := db.Load(ctx, CollectionChannels)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	infos, err := db.Describe(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Compressed)
	assert.Less(t, infos[0].Bytes, len(payload))

	// Overwriting with a small payload stores it uncompressed again.
	require.NoError(t, db.Save(ctx, CollectionChannels, 2, []byte(`[]`)))
	got, err = db.Load(ctx, CollectionChannels)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}

func TestCompressPayload(t *testing.T) {
	small := []byte(`{"a":1}`)
	out, ok := compressPayload(small)
	assert.False(t, ok, "below threshold")
	assert.Equal(t, small, out)

	big := bytes.Repeat([]byte("abcdefgh"), CompressionThreshold)
	out, ok = compressPayload(big)
	require.True(t, ok)
	back, err := decompressPayload(out)
	require.NoError(t, err)
	assert.Equal(t, big, back)

	_, err = decompressPayload([]byte{0, 1})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)
	_, err = decompressPayload([]byte{0xff, 0xff, 0xff, 0xff, 0})
	assert.ErrorIs(t, err, ErrSnapshotTooLarge)
	_, err = decompressPayload([]byte{0, 0, 0, 10, 0xff})
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}
