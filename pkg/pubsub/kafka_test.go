package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelToKey(t *testing.T) {
	key, err := channelToKey(TopicChannel("messages-insert"))
	require.NoError(t, err)
	assert.Equal(t, "messages-insert", key)

	_, err = channelToKey("messages-insert")
	assert.Error(t, err)
	_, err = channelToKey(ChannelPrefix)
	assert.Error(t, err)
}

func TestSanitizeGroupID(t *testing.T) {
	assert.Equal(t, "chat-node-1-sub-chat-presence", sanitizeGroupID("chat-node-1-sub-chat:presence"))
	assert.Equal(t, "a.b_c-d", sanitizeGroupID("a.b_c-d"))
	assert.Equal(t, "x--y", sanitizeGroupID("x/*y"))
}
