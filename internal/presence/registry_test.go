package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"go-chat-sync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	userID int64
	full   bool

	mu     sync.Mutex
	frames []protocol.Frame
}

func newFakeConn(id string, userID int64) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Deliver(frame []byte) bool {
	if c.full {
		return false
	}
	f, err := protocol.Decode(frame)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return true
}

func (c *fakeConn) received(eventType string) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, f := range c.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []Transition
}

func (l *recordingListener) OnTransition(tr Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, tr)
}

func TestRegistryMultiConnectionPresence(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	l := &recordingListener{}
	reg.AddListener(l)

	tab1 := newFakeConn("a1", 1)
	tab2 := newFakeConn("a2", 1)

	require.True(t, reg.Register(1, tab1))
	require.True(t, reg.Register(1, tab2))
	assert.True(t, reg.IsOnline(1))
	assert.Len(t, reg.ConnectionsFor(1), 2)
	require.Len(t, l.transitions, 1, "second connection must not re-trigger online")
	assert.True(t, l.transitions[0].Online)

	reg.Unregister(tab1)
	assert.True(t, reg.IsOnline(1))
	assert.Len(t, l.transitions, 1)

	reg.Unregister(tab2)
	assert.False(t, reg.IsOnline(1))
	assert.Empty(t, reg.ConnectionsFor(1))
	require.Len(t, l.transitions, 2)
	assert.False(t, l.transitions[1].Online)
	assert.Empty(t, l.transitions[1].Present)
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	l := &recordingListener{}
	reg.AddListener(l)

	c := newFakeConn("x", 5)
	reg.Unregister(c)
	assert.Empty(t, l.transitions)

	require.True(t, reg.Register(5, c))
	reg.Unregister(c)
	reg.Unregister(c)
	assert.Len(t, l.transitions, 2)
	assert.Equal(t, 0, reg.ConnectionCount())
}

func TestRegistryDuplicateRegister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	c := newFakeConn("x", 5)
	assert.True(t, reg.Register(5, c))
	assert.False(t, reg.Register(5, c))
	assert.Equal(t, 1, reg.ConnectionCount())
}

func TestRegistryOnlineIffHasHandle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	rng := rand.New(rand.NewSource(42))

	held := map[int64]map[string]*fakeConn{}
	var pool []*fakeConn
	for u := int64(1); u <= 4; u++ {
		held[u] = map[string]*fakeConn{}
		for i := 0; i < 3; i++ {
			pool = append(pool, newFakeConn(fmt.Sprintf("u%d-c%d", u, i), u))
		}
	}

	for step := 0; step < 500; step++ {
		c := pool[rng.Intn(len(pool))]
		if rng.Intn(2) == 0 {
			reg.Register(c.userID, c)
			held[c.userID][c.id] = c
		} else {
			reg.Unregister(c)
			delete(held[c.userID], c.id)
		}
		for u, conns := range held {
			require.Equal(t, len(conns) > 0, reg.IsOnline(u), "step %d user %d", step, u)
			require.Len(t, reg.ConnectionsFor(u), len(conns))
		}
	}
}

func TestRegistryConcurrentConnectDisconnect(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	l := &recordingListener{}
	reg.AddListener(l)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i), int64(i%5))
			reg.Register(c.userID, c)
			_ = reg.Online()
			reg.Unregister(c)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, reg.Online())
	assert.Equal(t, 0, reg.ConnectionCount())

	// Transitions for each user must alternate online/offline.
	last := map[int64]bool{}
	for _, tr := range l.transitions {
		assert.NotEqual(t, last[tr.UserID], tr.Online, "user %d", tr.UserID)
		last[tr.UserID] = tr.Online
	}
}
