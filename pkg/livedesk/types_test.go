package livedesk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_Decode(t *testing.T) {
	ev := Event{
		Event: EventQueueJoined,
		Data:  json.RawMessage(`{"position":2,"estimated_wait":16}`),
	}

	var data QueueJoinedData
	assert.NoError(t, ev.Decode(&data))
	assert.Equal(t, 2, data.Position)
	assert.Equal(t, 16, data.EstimatedWaitMinutes)
}

func TestEvent_Decode_NoPayload(t *testing.T) {
	ev := Event{Event: EventSessionEnded}

	var data map[string]interface{}
	assert.Error(t, ev.Decode(&data))
}
