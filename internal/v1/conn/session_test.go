package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	inbox    [][]byte
	readIdx  int
	writes   [][]byte
	closed   bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readIdx >= len(f.inbox) {
		return 0, nil, errClosed
	}
	data := f.inbox[f.readIdx]
	f.readIdx++
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }

var errClosed = assertError("fake connection closed")

type assertError string

func (e assertError) Error() string { return string(e) }

type recordingRouter struct {
	mu       sync.Mutex
	received [][]byte
}

func (r *recordingRouter) Route(ctx context.Context, s *Session, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, raw)
}

type recordingDisconnector struct {
	called int
}

func (d *recordingDisconnector) Disconnect(ctx context.Context, s *Session) {
	d.called++
}

func TestNewSessionDefaults(t *testing.T) {
	s := New(&fakeConn{}, "1.2.3.4", &recordingRouter{}, &recordingDisconnector{})
	assert.Equal(t, RoleAnonymous, s.GetRole())
	assert.Equal(t, "anonymous", s.UserType)
	assert.Equal(t, StatusActive, s.Status)
	assert.NotEmpty(t, s.PeerID)
}

func TestReadPumpRoutesFramesAndRunsCascadeOnClose(t *testing.T) {
	fc := &fakeConn{inbox: [][]byte{[]byte("one"), []byte("two")}}
	router := &recordingRouter{}
	disc := &recordingDisconnector{}
	s := New(fc, "1.2.3.4", router, disc)

	s.ReadPump(context.Background())

	router.mu.Lock()
	defer router.mu.Unlock()
	assert.Len(t, router.received, 2)
	assert.Equal(t, 1, disc.called)
	assert.True(t, fc.closed)
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	s := New(&fakeConn{}, "1.2.3.4", &recordingRouter{}, &recordingDisconnector{})
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.Send([]byte("x")))
	}
	assert.False(t, s.Send([]byte("overflow")))
}

func TestSetRoleAndRoomRoundTrip(t *testing.T) {
	s := New(&fakeConn{}, "1.2.3.4", &recordingRouter{}, &recordingDisconnector{})
	s.SetRole(RoleViewer)
	s.SetRoom("room1")
	assert.Equal(t, RoleViewer, s.GetRole())
	assert.Equal(t, "room1", s.GetRoom())
}

func TestTouchIceIncrementsCount(t *testing.T) {
	s := New(&fakeConn{}, "1.2.3.4", &recordingRouter{}, &recordingDisconnector{})
	s.TouchIce()
	s.TouchIce()
	assert.Equal(t, 2, s.ICECount)
}
