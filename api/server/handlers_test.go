package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalworks/voteflow/engine/pkg/journal"
)

func TestEventJSON_FieldNames(t *testing.T) {
	ev := journal.Event{
		ID:         uuid.New(),
		OccurredAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Kind:       journal.KindStake,
		Account:    "alice",
		Asset:      "vfw",
		Amount:     "100",
	}

	data, err := json.Marshal(eventToJSON(ev))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, key := range []string{"id", "occurred_at", "kind", "account", "asset", "amount"} {
		assert.Contains(t, decoded, key)
	}
	assert.Equal(t, ev.ID.String(), decoded["id"])
	assert.Equal(t, "stake", decoded["kind"])

	// Unset fields are omitted rather than serialized as PascalCase zeroes.
	assert.NotContains(t, decoded, "strategy")
	assert.NotContains(t, decoded, "Strategy")
	assert.NotContains(t, decoded, "detail")
}
