package protocol

import "fmt"

// Methods defined by the appliance firmware.
const (
	MethodGet    = "GET"
	MethodGetAck = "GETACK"
	MethodSet    = "SET"
	MethodSetAck = "SETACK"
	MethodPush   = "PUSH"
	MethodError  = "ERROR"
)

// AckMethod returns the acknowledge method matching a request method.
// GET is acknowledged by GETACK and SET by SETACK; PUSH has no ack.
func AckMethod(method string) string {
	switch method {
	case MethodGet:
		return MethodGetAck
	case MethodSet:
		return MethodSetAck
	default:
		return ""
	}
}

// JSON keys of the message envelope.
const (
	KeyHeader         = "header"
	KeyPayload        = "payload"
	KeyMessageID      = "messageId"
	KeyNamespace      = "namespace"
	KeyMethod         = "method"
	KeyPayloadVersion = "payloadVersion"
	KeyFrom           = "from"
	KeyTimestamp      = "timestamp"
	KeyTimestampMs    = "timestampMs"
	KeySign           = "sign"
	KeyError          = "error"
	KeyCode           = "code"
	KeyChannel        = "channel"
	KeyMultiple       = "multiple"
	KeyAbility        = "ability"
	KeyDigest         = "digest"
	KeyAll            = "all"
	KeyMaxCmdNum      = "maxCmdNum"
	KeyOnline         = "online"
	KeyStatus         = "status"
)

// Error codes carried in METHOD_ERROR payloads.
const (
	// ErrorCodeInvalidKey is returned by the device when the request
	// signature was computed with the wrong shared key.
	ErrorCodeInvalidKey = 5001
)

// payloadVersionCurrent is the only payload version the firmware speaks.
const payloadVersionCurrent = 1

// DefaultSource is the header "from" value identifying this bridge as the
// message originator. Devices echo it back in replies; the firmware only
// requires it to look like an app subscribe topic.
const DefaultSource = "/app/gray-logic-meross/subscribe"

// MQTT topic layout used by the appliances.
const (
	topicRequestFmt  = "/appliance/%s/subscribe"
	topicResponseFmt = "/appliance/%s/publish"

	// TopicDiscovery matches every appliance publish topic. Subscribing to
	// it lets a single broker connection receive traffic for all devices.
	TopicDiscovery = "/appliance/+/publish"
)

// TopicRequest returns the topic a request for the given device UUID must
// be published to.
func TopicRequest(uuid string) string {
	return fmt.Sprintf(topicRequestFmt, uuid)
}

// TopicResponse returns the topic the given device publishes responses and
// pushes on.
func TopicResponse(uuid string) string {
	return fmt.Sprintf(topicResponseFmt, uuid)
}
