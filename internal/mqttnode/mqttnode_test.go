package mqttnode

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shilianming/iotgw/internal/model"
	"github.com/shilianming/iotgw/internal/mqueue"
)

func TestNode_Forward_PublishesMqttRawMessage(t *testing.T) {
	q := mqueue.NewMem()
	n := New(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.forward("dev1", "23.5")

	msgs := q.Messages(mqueue.QueuePreHandler)
	require.Len(t, msgs, 1)
	var raw model.MqttRawMessage
	require.NoError(t, json.Unmarshal(msgs[0], &raw))
	assert.Equal(t, "dev1", raw.MqttClientID)
	assert.Equal(t, "23.5", raw.Message)
}

func TestNode_Unsubscribe_UnknownClientIsNoop(t *testing.T) {
	q := mqueue.NewMem()
	n := New(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.Unsubscribe("never-subscribed")
}
