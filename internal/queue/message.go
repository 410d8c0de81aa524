package queue

import (
	"encoding/json"
	"fmt"
)

// EventCertificatesIngested is sent after a request stores at least one blob.
const EventCertificatesIngested = "certificates.ingested"

// MessageVersion is the current payload layout.
const MessageVersion = 1

// Message is the payload sent to downstream queue consumers.
type Message struct {
	Event      string   `json:"event"`
	OwnerID    string   `json:"ownerId"`
	BlobIDs    []string `json:"blobIds"`
	RequestID  string   `json:"requestId"`
	EnqueuedAt string   `json:"enqueuedAt"`
	Version    int      `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Version > MessageVersion {
		return Message{}, fmt.Errorf("unsupported message version %d", msg.Version)
	}
	return msg, nil
}
