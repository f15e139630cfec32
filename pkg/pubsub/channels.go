package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for cross-instance chat fan-out.
const (
	// ChannelPrefix prefixes every chat channel: "chat:<hub topic>".
	ChannelPrefix = "chat:"

	// ChannelPattern matches every chat channel.
	ChannelPattern = ChannelPrefix + "*"

	// KafkaTopic is the single Kafka topic carrying all chat channels, keyed by hub topic.
	KafkaTopic = "chat-events"
)

// TopicChannel returns the channel name for a hub topic.
func TopicChannel(topic string) string {
	return ChannelPrefix + topic
}

// ChannelTopic returns the hub topic encoded in a channel name.
func ChannelTopic(channel string) (string, error) {
	if !strings.HasPrefix(channel, ChannelPrefix) || len(channel) == len(ChannelPrefix) {
		return "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return strings.TrimPrefix(channel, ChannelPrefix), nil
}
