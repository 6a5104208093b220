package ec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	line, err := Encode("getRobotMode", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"getRobotMode","params":{},"jsonrpc":"2.0","id":1}`+"\n", string(line))

	line, err = Encode("set_servo_status", map[string]any{"status": 1}, 7)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"set_servo_status","params":{"status":1},"jsonrpc":"2.0","id":7}`+"\n", string(line))
}

func TestEncodeEmptyParamsAsObject(t *testing.T) {
	line, err := Encode("clearAlarm", map[string]any{}, 1)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"params":{}`)
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	line, err := Encode("setSysVarB", map[string]any{"name": "a<b>&c"}, 1)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"a<b>&c"`)
}

func TestEncodeUnsupportedParam(t *testing.T) {
	_, err := Encode("bad", map[string]any{"ch": make(chan int)}, 1)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTripID(t *testing.T) {
	for _, id := range []int{0, 1, 42, 65535} {
		line, err := Encode("getRobotState", nil, id)
		require.NoError(t, err)

		var req struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(line, &req))

		reply, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0"})
		require.NoError(t, err)
		resp := Decode(reply)
		assert.Equal(t, KindSuccess, resp.Kind)
		assert.Equal(t, id, resp.ID)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    ResponseKind
		id      int
		result  string
		message string
	}{
		{
			name:   "integer result",
			raw:    `{"jsonrpc":"2.0","result":"2","id":1}`,
			kind:   KindSuccess,
			id:     1,
			result: `2`,
		},
		{
			name:   "boolean result",
			raw:    `{"jsonrpc":"2.0","result":"true","id":3}`,
			kind:   KindSuccess,
			id:     3,
			result: `true`,
		},
		{
			name:   "nested array result",
			raw:    `{"jsonrpc":"2.0","result":"[0.5,1,[2]]","id":1}`,
			kind:   KindSuccess,
			id:     1,
			result: `[0.5,1,[2]]`,
		},
		{
			name:    "error object",
			raw:     `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":5}`,
			kind:    KindError,
			id:      5,
			message: "Method not found",
		},
		{
			name:    "error string",
			raw:     `{"jsonrpc":"2.0","error":"busy","id":1}`,
			kind:    KindError,
			id:      1,
			message: "busy",
		},
		{
			name: "result is not a string",
			raw:  `{"jsonrpc":"2.0","result":2,"id":1}`,
			kind: KindMalformed,
			id:   1,
		},
		{
			name: "result string is not json",
			raw:  `{"jsonrpc":"2.0","result":"not json","id":1}`,
			kind: KindMalformed,
			id:   1,
		},
		{
			name: "neither result nor error",
			raw:  `{"jsonrpc":"2.0","id":1}`,
			kind: KindMalformed,
			id:   1,
		},
		{
			name: "not an object",
			raw:  `[1,2,3]`,
			kind: KindMalformed,
		},
		{
			name: "garbage",
			raw:  `{{{`,
			kind: KindMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Decode([]byte(tt.raw))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.id, resp.ID)
			if tt.result != "" {
				assert.JSONEq(t, tt.result, string(resp.Result))
			}
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}
