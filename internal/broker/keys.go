package broker

import "strings"

// Key and channel naming shared by the gateway and workers.
const (
	// ControlLog is the single shared log of stream lifecycle events.
	ControlLog = "control"

	chunkLogPrefix  = "chunks:"
	stateKeyPrefix  = "state:"
	ownerKeyPrefix  = "owner:"
	heartbeatPrefix = "heartbeat:"
	eventsPrefix    = "events:"
)

// OwnerPattern matches all stream ownership keys.
const OwnerPattern = ownerKeyPrefix + "*"

// EventsPattern matches all per-stream progress channels.
const EventsPattern = eventsPrefix + "*"

// ChunkLog returns the per-stream chunk log name.
func ChunkLog(streamID string) string { return chunkLogPrefix + streamID }

// StateKey returns the per-stream state hash key.
func StateKey(streamID string) string { return stateKeyPrefix + streamID }

// OwnerKey returns the per-stream ownership key.
func OwnerKey(streamID string) string { return ownerKeyPrefix + streamID }

// HeartbeatKey returns the per-worker liveness key.
func HeartbeatKey(workerID string) string { return heartbeatPrefix + workerID }

// EventsChannel returns the per-stream progress channel name.
func EventsChannel(streamID string) string { return eventsPrefix + streamID }

// StreamIDFromOwnerKey extracts the stream id from an ownership key.
func StreamIDFromOwnerKey(key string) string {
	return strings.TrimPrefix(key, ownerKeyPrefix)
}

// StreamIDFromEventsChannel extracts the stream id from a progress channel name.
func StreamIDFromEventsChannel(channel string) string {
	return strings.TrimPrefix(channel, eventsPrefix)
}
