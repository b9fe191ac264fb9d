package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (l *testLogger) FeatureEvent(feature, id, text string)                        {}
func (l *testLogger) Debug(text string)                                           {}
func (l *testLogger) Warn(text string)                                            {}
func (l *testLogger) Error(text string, err error)                                {}
func (l *testLogger) RawDataEvent(direction, chargePointId, uniqueId, data string) {}

type fakeConn struct {
	mux    sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mux.Lock()
	defer c.mux.Unlock()
	frames := make([][]byte, len(c.frames))
	copy(frames, c.frames)
	return frames
}

func sentCallIds(t *testing.T, conn *fakeConn) []string {
	t.Helper()
	var ids []string
	for _, frame := range conn.sentFrames() {
		var fields []interface{}
		require.NoError(t, json.Unmarshal(frame, &fields))
		require.GreaterOrEqual(t, len(fields), 2)
		ids = append(ids, fields[1].(string))
	}
	return ids
}

func newActiveSession(conn *fakeConn, timeout time.Duration) *Session {
	session := NewSession("cp001", conn, &testLogger{}, timeout)
	session.activate()
	return session
}

func TestSessionConcurrentCalls(t *testing.T) {
	conn := &fakeConn{}
	session := newActiveSession(conn, 5*time.Second)

	const callCount = 5
	results := make([]interface{}, callCount)
	errs := make([]error, callCount)
	var wg sync.WaitGroup
	for i := 0; i < callCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = session.Call("Reset", map[string]interface{}{"n": n})
		}(i)
	}

	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == callCount
	}, time.Second, 5*time.Millisecond)

	// resolve in reverse send order; each waiter must still get its own reply
	ids := sentCallIds(t, conn)
	for i := len(ids) - 1; i >= 0; i-- {
		ok := session.resolveResult(ids[i], map[string]interface{}{"reply": ids[i]})
		require.True(t, ok)
	}
	wg.Wait()

	replies := make(map[string]bool)
	for i := 0; i < callCount; i++ {
		require.NoError(t, errs[i])
		payload, ok := results[i].(map[string]interface{})
		require.True(t, ok)
		replies[payload["reply"].(string)] = true
	}
	assert.Len(t, replies, callCount)
}

func TestSessionCallTimeout(t *testing.T) {
	conn := &fakeConn{}
	session := newActiveSession(conn, 30*time.Millisecond)

	_, err := session.Call("Reset", nil)
	require.ErrorIs(t, err, ErrCommandTimeout)

	// a result arriving after the timeout has no waiter and is dropped
	ids := sentCallIds(t, conn)
	require.Len(t, ids, 1)
	assert.False(t, session.resolveResult(ids[0], map[string]interface{}{}))
}

func TestSessionCallError(t *testing.T) {
	conn := &fakeConn{}
	session := newActiveSession(conn, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := session.Call("RemoteStartTransaction", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	ids := sentCallIds(t, conn)
	ok := session.resolveError(&CallError{
		UniqueId:         ids[0],
		ErrorCode:        "NotSupported",
		ErrorDescription: "no remote start",
	})
	require.True(t, ok)

	err := <-done
	var rejected *CommandRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "NotSupported", rejected.Code)
}

func TestSessionCloseFailsPendingCalls(t *testing.T) {
	conn := &fakeConn{}
	session := newActiveSession(conn, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := session.Call("Reset", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	session.markClosed()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail on close")
	}
}

func TestSessionCallRefusedWhenNotActive(t *testing.T) {
	conn := &fakeConn{}
	session := NewSession("cp001", conn, &testLogger{}, time.Second)

	_, err := session.Call("Reset", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	session.activate()
	session.beginClose()
	_, err = session.Call("Reset", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionUnknownResultDropped(t *testing.T) {
	conn := &fakeConn{}
	session := newActiveSession(conn, time.Second)
	assert.False(t, session.resolveResult(fmt.Sprintf("no-such-%d", time.Now().UnixNano()), nil))
}
