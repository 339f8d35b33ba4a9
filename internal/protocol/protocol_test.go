package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
)

func TestDecodeEnvelopeExtractsNestedPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"type":      TypeCatchupReceived,
		"clientId":  "c1",
		"timestamp": time.Now(),
		"payload":   CatchupReceived{Chunk: 3, LSN: "0/10"},
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, TypeCatchupReceived, env.Type)
	require.Equal(t, "c1", env.ClientID)

	var p CatchupReceived
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, 3, p.Chunk)
	require.Equal(t, "0/10", p.LSN)
}

func TestToWireFromWireRoundTrip(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"id": "t1", "clientId": "c1"})
	orig := changeset.Change{
		Table: "tasks", Op: changeset.OpUpdate, Data: data,
		LSN: lsn.MustParse("0/1A"), UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}

	wire := ToWire(orig)
	back, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, orig.Table, back.Table)
	require.Equal(t, orig.Op, back.Op)
	require.Equal(t, orig.LSN, back.LSN)
	require.True(t, orig.UpdatedAt.Equal(back.UpdatedAt))
}

func TestFromWireRejectsBadLSN(t *testing.T) {
	_, err := FromWire(ChangeWire{Table: "tasks", Op: "update", LSN: "not-an-lsn"})
	require.Error(t, err)
}
