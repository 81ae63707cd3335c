package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	userID, deviceID string

	mu     sync.Mutex
	kicked string
	closed bool
}

func (f *fakeHandle) DeviceID() string { return f.deviceID }
func (f *fakeHandle) UserID() string   { return f.userID }
func (f *fakeHandle) Notify(reason string) {
	f.mu.Lock()
	f.kicked = reason
	f.mu.Unlock()
}
func (f *fakeHandle) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
func (f *fakeHandle) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
func (f *fakeHandle) kickedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicked
}

func TestBindEvictsPriorSessionOnSameDevice(t *testing.T) {
	r := New(nil)
	h1 := &fakeHandle{userID: "u1", deviceID: "d1"}
	h2 := &fakeHandle{userID: "u1", deviceID: "d1"}

	r.Bind("u1", "d1", h1)
	r.Bind("u1", "d1", h2)

	require.Eventually(t, h1.wasClosed, time.Second, time.Millisecond)
	assert.Equal(t, "Another device logged in", h1.kickedReason())

	cur, ok := r.LookupDevice("u1", "d1")
	require.True(t, ok)
	assert.Same(t, h2, cur)
}

func TestBindOnDifferentDeviceDoesNotEvict(t *testing.T) {
	r := New(nil)
	h1 := &fakeHandle{userID: "u1", deviceID: "d1"}
	h2 := &fakeHandle{userID: "u1", deviceID: "d2"}

	r.Bind("u1", "d1", h1)
	r.Bind("u1", "d2", h2)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, h1.wasClosed())
	assert.Len(t, r.LookupUser("u1"), 2)
}

func TestUnbindRemovesSession(t *testing.T) {
	r := New(nil)
	h1 := &fakeHandle{userID: "u1", deviceID: "d1"}
	r.Bind("u1", "d1", h1)
	r.Unbind("u1", "d1")

	_, ok := r.LookupDevice("u1", "d1")
	assert.False(t, ok)
	assert.False(t, r.Online("u1"))
}

type countingCoordinator struct {
	mu      sync.Mutex
	offline int
}

func (c *countingCoordinator) PublishOnline(string, string) {}
func (c *countingCoordinator) PublishOffline(string) {
	c.mu.Lock()
	c.offline++
	c.mu.Unlock()
}
func (c *countingCoordinator) RemoteDevices(string) []string { return nil }

func TestUnbindPublishesOfflineOnlyWhenLastSession(t *testing.T) {
	coord := &countingCoordinator{}
	r := New(coord)
	h1 := &fakeHandle{userID: "u1", deviceID: "d1"}
	h2 := &fakeHandle{userID: "u1", deviceID: "d2"}
	r.Bind("u1", "d1", h1)
	r.Bind("u1", "d2", h2)

	r.Unbind("u1", "d1")
	coord.mu.Lock()
	assert.Equal(t, 0, coord.offline)
	coord.mu.Unlock()

	r.Unbind("u1", "d2")
	coord.mu.Lock()
	assert.Equal(t, 1, coord.offline)
	coord.mu.Unlock()
}

func TestAllReturnsEveryBoundSession(t *testing.T) {
	r := New(nil)
	h1 := &fakeHandle{userID: "u1", deviceID: "d1"}
	h2 := &fakeHandle{userID: "u1", deviceID: "d2"}
	h3 := &fakeHandle{userID: "u2", deviceID: "d1"}
	r.Bind("u1", "d1", h1)
	r.Bind("u1", "d2", h2)
	r.Bind("u2", "d1", h3)

	all := r.All()
	require.Len(t, all, 3)

	r.Unbind("u1", "d1")
	require.Len(t, r.All(), 2)
}
