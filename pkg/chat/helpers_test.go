package chat

import (
	"context"
	"sync"
	"time"

	"github.com/aeolun/parlor/pkg/database"
)

// fakeClock is a settable clock shared by the stores under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// directory is a UserDirectory backed by a fixed list of names.
type directory map[string]string

func newDirectory(names ...string) directory {
	d := directory{}
	for _, n := range names {
		d[FoldName(n)] = n
	}
	return d
}

func (d directory) Lookup(name string) (string, bool) {
	canonical, ok := d[FoldName(name)]
	return canonical, ok
}

// alwaysFriends and neverFriends stub FriendChecker.
type friendFunc func(a, b string) bool

func (f friendFunc) AreFriends(a, b string) bool { return f(a, b) }

var (
	alwaysFriends = friendFunc(func(a, b string) bool { return a != b })
	neverFriends  = friendFunc(func(a, b string) bool { return false })
)

// memPersister keeps the latest saved value per collection in memory.
type memPersister struct {
	mu       sync.Mutex
	stored   map[database.Collection]any
	raw      map[database.Collection][]byte
	versions map[database.Collection]uint64
	saves    map[database.Collection]int
	calls    int // every Save, including dropped ones
}

func newMemPersister() *memPersister {
	return &memPersister{
		stored:   make(map[database.Collection]any),
		raw:      make(map[database.Collection][]byte),
		versions: make(map[database.Collection]uint64),
		saves:    make(map[database.Collection]int),
	}
}

func (p *memPersister) Load(ctx context.Context, c database.Collection) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.raw[c]
	if !ok {
		return nil, database.ErrSnapshotNotFound
	}
	return data, nil
}

func (p *memPersister) Save(c database.Collection, version uint64, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if version <= p.versions[c] {
		return
	}
	p.versions[c] = version
	p.stored[c] = value
	p.saves[c]++
}

func (p *memPersister) saveCount(c database.Collection) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves[c]
}

func (p *memPersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
