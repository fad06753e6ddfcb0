package replication_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kliu/painttyServer/internal/replication"
)

func TestDecode_RoomKinds(t *testing.T) {
	raw := []byte(`{"message":"newroom","sender":"w1","info":` +
		`{"name":"alpha","port":40123,"maxLoad":8,"currentLoad":2,"private":true,"timestamp":0}}`)

	env, err := replication.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, replication.KindNewRoom, env.Message)
	assert.Equal(t, "w1", env.Sender)
	require.NotNil(t, env.Info)
	assert.Equal(t, "alpha", env.Info.Name)
	assert.Equal(t, 40123, env.Info.Port)
	assert.Equal(t, 8, env.Info.MaxLoad)
	assert.True(t, env.Info.Private)
}

func TestDecode_Broadcast(t *testing.T) {
	raw := []byte(`{"message":"broadcast","sender":"w2","content":{"note":"hi"}}`)

	env, err := replication.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, replication.KindBroadcast, env.Message)
	assert.JSONEq(t, `{"note":"hi"}`, string(env.Content))
}

func TestDecode_UnknownKindRejected(t *testing.T) {
	_, err := replication.Decode([]byte(`{"message":"evict","info":{"name":"a"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message kind")
}

func TestDecode_MissingPayload(t *testing.T) {
	for _, kind := range []string{"newroom", "roominfo", "roomclose"} {
		_, err := replication.Decode([]byte(`{"message":"` + kind + `"}`))
		assert.Error(t, err, kind)
	}

	_, err := replication.Decode([]byte(`{"message":"broadcast"}`))
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := replication.Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestKind_WireNames(t *testing.T) {
	for kind, name := range map[replication.Kind]string{
		replication.KindNewRoom:   "newroom",
		replication.KindRoomInfo:  "roominfo",
		replication.KindRoomClose: "roomclose",
		replication.KindBroadcast: "broadcast",
	} {
		data, err := json.Marshal(kind)
		require.NoError(t, err)
		assert.Equal(t, `"`+name+`"`, string(data))

		var back replication.Kind
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, kind, back)
	}

	_, err := json.Marshal(replication.KindUnknown)
	assert.Error(t, err)
}
