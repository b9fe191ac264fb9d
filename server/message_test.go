package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageCall(t *testing.T) {
	data := []byte(`[2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"SingleSocketCharger"}]`)
	message, err := ParseMessage(data)
	require.NoError(t, err)

	call, ok := message.(*Call)
	require.True(t, ok)
	assert.Equal(t, "19223201", call.UniqueId)
	assert.Equal(t, "BootNotification", call.Action)

	encoded, err := call.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(encoded))
}

func TestParseMessageCallResult(t *testing.T) {
	data := []byte(`[3,"19223201",{"status":"Accepted","currentTime":"2026-08-01T10:00:00Z","interval":300}]`)
	message, err := ParseMessage(data)
	require.NoError(t, err)

	result, ok := message.(*CallResult)
	require.True(t, ok)
	assert.Equal(t, "19223201", result.UniqueId)

	encoded, err := result.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(encoded))
}

func TestParseMessageCallError(t *testing.T) {
	data := []byte(`[4,"19223201","NotSupported","action not supported",{"detail":"x"}]`)
	message, err := ParseMessage(data)
	require.NoError(t, err)

	callError, ok := message.(*CallError)
	require.True(t, ok)
	assert.Equal(t, "NotSupported", callError.ErrorCode)
	assert.Equal(t, "action not supported", callError.ErrorDescription)

	encoded, err := callError.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(encoded))
}

func TestMarshalCallErrorAlwaysFiveElements(t *testing.T) {
	callError := &CallError{UniqueId: "1", ErrorCode: "InternalError"}
	encoded, err := callError.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"1","InternalError","",{}]`, string(encoded))
}

func TestParseMessageMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not an array", `{"chargePointVendor":"VendorX"}`},
		{"not json", `hello`},
		{"too short", `[2,"19223201"]`},
		{"unknown type tag", `[9,"19223201","BootNotification",{}]`},
		{"type tag not a number", `["2","19223201","BootNotification",{}]`},
		{"call without payload", `[2,"19223201","BootNotification"]`},
		{"action not a string", `[2,"19223201",42,{}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.data))
			require.Error(t, err)
			var malformed *MalformedFrameError
			assert.True(t, errors.As(err, &malformed))
		})
	}
}

func TestParseMessageArrayPayload(t *testing.T) {
	// some stacks send array payloads; the codec must not reject them
	data := []byte(`[2,"42","DataTransfer",[1,2,3]]`)
	message, err := ParseMessage(data)
	require.NoError(t, err)
	call, ok := message.(*Call)
	require.True(t, ok)
	assert.Equal(t, "DataTransfer", call.Action)
}

func TestGetRequestType(t *testing.T) {
	_, ok := getRequestType("BootNotification")
	assert.True(t, ok)
	_, ok = getRequestType("Heartbeat")
	assert.True(t, ok)
	_, ok = getRequestType("SignCertificate")
	assert.False(t, ok)
}
