// Package push fans swap lifecycle notifications out to WebSocket
// subscribers. Clients subscribe to topics or to individual swap ids;
// the hub routes each message to every matching session without ever
// blocking the coordinator.
package push

import (
	"encoding/json"
	"time"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// Outbound envelope types.
const (
	TypeHeartbeat         = "heartbeat"
	TypeSwapCreated       = "swap_created"
	TypeSwapUpdated       = "swap_updated"
	TypeSwapStatusChanged = "swap_status_changed"
	TypeSwapError         = "swap_error"
	TypeSwapSubscribed    = "swap_subscribed"
	TypeSwapUnsubscribed  = "swap_unsubscribed"
	TypeSwaps             = "swaps"
	TypeError             = "error"
)

// Subscription topics.
const (
	TopicSwapUpdates      = "swap_updates"
	TopicHTLCEvents       = "htlc_events"
	TopicSystemEvents     = "system_events"
	TopicWithdrawalEvents = "withdrawal_events"
)

// Inbound actions.
const (
	ActionSubscribe       = "subscribe"
	ActionUnsubscribe     = "unsubscribe"
	ActionSubscribeSwap   = "subscribe_swap"
	ActionUnsubscribeSwap = "unsubscribe_swap"
	ActionGetSwaps        = "get_swaps"
	ActionGetSwap         = "get_swap"
	ActionPong            = "pong"
)

// Envelope is the frame every outbound message travels in.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func newEnvelope(msgType string, data interface{}) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func marshalEnvelope(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(newEnvelope(msgType, data))
}

// Request is an inbound client frame.
type Request struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
	SwapID string   `json:"swap_id,omitempty"`
	Status string   `json:"status,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// SwapUpdate is the data payload of swap lifecycle messages.
type SwapUpdate struct {
	Swap           *htlc.Swap  `json:"swap"`
	PreviousStatus htlc.Status `json:"previous_status,omitempty"`
	UpdateKind     string      `json:"update_kind,omitempty"`
}

// SwapErrorData is the data payload of swap_error messages.
type SwapErrorData struct {
	SwapID  string      `json:"swap_id"`
	Status  htlc.Status `json:"status"`
	Message string      `json:"message"`
}

// SwapList is the data payload answering get_swaps.
type SwapList struct {
	Swaps []*htlc.Swap `json:"swaps"`
	Count int          `json:"count"`
}

// SubscriptionAck is the data payload of swap_(un)subscribed messages.
type SubscriptionAck struct {
	SwapID string `json:"swap_id"`
}

// ErrorData is the data payload of error messages.
type ErrorData struct {
	Message string `json:"message"`
}

var topics = map[string]bool{
	TopicSwapUpdates:      true,
	TopicHTLCEvents:       true,
	TopicSystemEvents:     true,
	TopicWithdrawalEvents: true,
}

// ValidTopic reports whether clients may subscribe to the topic.
func ValidTopic(topic string) bool {
	return topics[topic]
}
