// Package onebot defines the OneBot-11 subset of the wire envelope this
// bridge speaks to a QQ client over WebSocket.
package onebot

import "encoding/json"

// Event is the inbound envelope. Only the fields this bridge reads are
// modeled; unknown top-level keys are ignored by encoding/json.
type Event struct {
	PostType      string    `json:"post_type"`
	MetaEventType string    `json:"meta_event_type,omitempty"`
	SelfID        int64     `json:"self_id,omitempty"`
	MessageType   string    `json:"message_type,omitempty"` // "private" or "group"
	UserID        int64     `json:"user_id,omitempty"`
	GroupID       int64     `json:"group_id,omitempty"`
	GroupName     string    `json:"group_name,omitempty"`
	Sender        Sender    `json:"sender,omitempty"`
	Message       []Segment `json:"message,omitempty"`

	// Outbound-call acknowledgement fields; present when the client is
	// replying to an API call rather than pushing an event.
	Status  string          `json:"status,omitempty"`
	Retcode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
}

// Sender identifies the author of a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
}

// Segment is one element of a message's segment array.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

// SegmentData holds the union of fields used by the segment types this
// bridge understands: text, at, image, face. Unused fields are omitted
// by the zero value on encode and ignored on decode.
type SegmentData struct {
	Text string `json:"text,omitempty"`
	QQ   string `json:"qq,omitempty"`
	URL  string `json:"url,omitempty"`
	File string `json:"file,omitempty"`
	ID   string `json:"id,omitempty"`
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: SegmentData{Text: text}}
}

// ImageSegment builds an outbound image segment carrying inline base64 data.
func ImageSegment(base64 string) Segment {
	return Segment{Type: "image", Data: SegmentData{File: "base64://" + base64}}
}

// APICall is an outbound request to the connected client.
type APICall struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

// SendMsgParams is the params object for send_private_msg / send_group_msg.
type SendMsgParams struct {
	UserID  int64     `json:"user_id,omitempty"`
	GroupID int64     `json:"group_id,omitempty"`
	Message []Segment `json:"message"`
}

const (
	ActionSendPrivateMsg = "send_private_msg"
	ActionSendGroupMsg   = "send_group_msg"
)
