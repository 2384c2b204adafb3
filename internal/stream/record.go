package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Event names used by the upstream chat API.
const (
	EventMessage     = "message"
	EventMessageFile = "message_file"
	EventMessageEnd  = "message_end"
	EventError       = "error"
)

// doneSentinel is the literal data payload that ends a stream.
const doneSentinel = "[DONE]"

// Payload holds the fields of a decoded data frame. Any field may be empty.
type Payload struct {
	Event        string          `json:"event,omitempty"`
	Answer       string          `json:"answer,omitempty"`
	Text         string          `json:"text,omitempty"`
	Content      string          `json:"content,omitempty"`
	URL          string          `json:"url,omitempty"`
	Message      string          `json:"message,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`

	// RawContent is set when the frame was not JSON and its text is passed
	// through in Content.
	RawContent bool `json:"-"`

	// Raw is the payload exactly as it appeared after the data prefix.
	Raw string `json:"-"`
}

// TextPayload returns the first non-empty textual field in the order
// answer, text, content.
func (p Payload) TextPayload() string {
	for _, s := range [...]string{p.Answer, p.Text, p.Content} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Record is a single decoded event. The set of implementations is closed:
// Message, MessageFile, MessageEnd, Error and Unrecognized.
type Record interface {
	Fields() Payload
	record()
}

// Message carries a token of the answer.
type Message struct{ Payload }

// MessageFile announces a file produced by the conversation.
type MessageFile struct{ Payload }

// MessageEnd ends the stream.
type MessageEnd struct{ Payload }

// Error is an error reported by the upstream, or a synthesized transport
// failure.
type Error struct{ Payload }

// Unrecognized is any record whose event is missing or unknown.
type Unrecognized struct{ Payload }

func (r Message) Fields() Payload      { return r.Payload }
func (r MessageFile) Fields() Payload  { return r.Payload }
func (r MessageEnd) Fields() Payload   { return r.Payload }
func (r Error) Fields() Payload        { return r.Payload }
func (r Unrecognized) Fields() Payload { return r.Payload }

func (Message) record()      {}
func (MessageFile) record()  {}
func (MessageEnd) record()   {}
func (Error) record()        {}
func (Unrecognized) record() {}

// NewRecord wraps p in the variant selected by p.Event.
func NewRecord(p Payload) Record {
	switch p.Event {
	case EventMessage:
		return Message{p}
	case EventMessageFile:
		return MessageFile{p}
	case EventMessageEnd:
		return MessageEnd{p}
	case EventError:
		return Error{p}
	default:
		return Unrecognized{p}
	}
}

// DecodeRecord turns a data payload into a record. It never fails: the
// termination sentinel becomes a MessageEnd, a JSON object is decoded
// field by field and anything that is not JSON is passed through as a raw
// Message so no upstream token is lost.
func DecodeRecord(data string) Record {
	if strings.TrimSpace(data) == doneSentinel {
		return MessageEnd{Payload{Event: EventMessageEnd, Raw: data}}
	}

	if !gjson.Valid(data) {
		return Message{Payload{
			Event:      EventMessage,
			Content:    data,
			RawContent: true,
			Raw:        data,
		}}
	}

	doc := gjson.Parse(data)
	if !doc.IsObject() {
		return Unrecognized{Payload{Raw: data}}
	}

	// Walk the members in order so a repeated key keeps its last value.
	p := Payload{Raw: data}
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "event":
			p.Event = str(value)
		case "answer":
			p.Answer = str(value)
		case "text":
			p.Text = str(value)
		case "content":
			p.Content = str(value)
		case "url":
			p.URL = str(value)
		case "message":
			p.Message = str(value)
		case "finish_reason":
			p.FinishReason = str(value)
		case "conversation_id":
			p.ConversationID = str(value)
		case "message_id":
			p.MessageID = str(value)
		case "task_id":
			p.TaskID = str(value)
		case "metadata":
			p.Metadata = nil
			if value.Type != gjson.Null {
				p.Metadata = json.RawMessage(value.Raw)
			}
		}
		return true
	})
	return NewRecord(p)
}

// str reads a scalar member; null reads as "".
func str(v gjson.Result) string {
	if v.Type == gjson.Null {
		return ""
	}
	return v.String()
}
