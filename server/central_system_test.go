package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConnectedUsesLocalSessions(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))

	sessions := NewSessionManager(&testLogger{})
	cs := &CentralSystem{
		database: db,
		sessions: sessions,
	}

	connected, err := cs.IsConnected("cp001")
	require.NoError(t, err)
	assert.False(t, connected)

	session := NewSession("cp001", &fakeConn{}, &testLogger{}, time.Second)
	require.NoError(t, sessions.Admit(session))

	// the local session map decides, not the cross-process registry
	connected, err = cs.IsConnected("cp001")
	require.NoError(t, err)
	assert.True(t, connected)

	_, err = cs.IsConnected("ghost")
	assert.ErrorIs(t, err, ErrUnknownChargePoint)

	sessions.Remove(session)
	connected, err = cs.IsConnected("cp001")
	require.NoError(t, err)
	assert.False(t, connected)
}
