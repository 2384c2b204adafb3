package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bogusRecord is a Record outside the known variants.
type bogusRecord struct{ Payload }

func (bogusRecord) record() {}

func (b bogusRecord) Fields() Payload { return b.Payload }

func translate(t *testing.T, tr *Translator, rec Record) string {
	t.Helper()
	out, err := tr.Translate(rec)
	require.NoError(t, err)
	return string(out)
}

func TestTranslator_Message(t *testing.T) {
	tr := NewTranslator()

	assert.Equal(t, "Hi", translate(t, tr, Message{Payload{Event: EventMessage, Answer: "Hi"}}))
	assert.Equal(t, "t", translate(t, tr, Message{Payload{Event: EventMessage, Text: "t", Content: "c"}}))
	assert.Equal(t, "c", translate(t, tr, Message{Payload{Event: EventMessage, Content: "c"}}))
	assert.Empty(t, translate(t, tr, Message{Payload{Event: EventMessage}}))
	assert.Equal(t, StateStreaming, tr.State())
}

func TestTranslator_MessageFile(t *testing.T) {
	tr := NewTranslator()

	out := translate(t, tr, MessageFile{Payload{Event: EventMessageFile, URL: "https://files.example/a.png"}})
	assert.Equal(t, "\n[file] https://files.example/a.png\n", out)

	assert.Empty(t, translate(t, tr, MessageFile{Payload{Event: EventMessageFile}}))
	assert.Equal(t, StateStreaming, tr.State())
}

func TestTranslator_ErrorDoesNotTerminate(t *testing.T) {
	tr := NewTranslator()

	assert.Equal(t, "\n[error] boom\n", translate(t, tr, Error{Payload{Event: EventError, Message: "boom"}}))
	assert.Equal(t, "\n[error] unknown stream error\n", translate(t, tr, Error{Payload{Event: EventError}}))
	assert.Equal(t, StateStreaming, tr.State())
	assert.Equal(t, "ok", translate(t, tr, Message{Payload{Event: EventMessage, Answer: "ok"}}))
}

func TestTranslator_MessageEnd(t *testing.T) {
	t.Run("without finish reason", func(t *testing.T) {
		tr := NewTranslator()
		assert.Empty(t, translate(t, tr, MessageEnd{Payload{Event: EventMessageEnd}}))
		assert.Equal(t, StateDone, tr.State())
		assert.True(t, tr.Done())
	})

	t.Run("with finish reason", func(t *testing.T) {
		tr := NewTranslator()
		out := translate(t, tr, MessageEnd{Payload{
			Event:        EventMessageEnd,
			FinishReason: "stop",
			Metadata:     []byte(`{"usage":{}}`),
		}})
		assert.Equal(t, "\n[finished: stop]\n", out)
	})

	t.Run("nothing after end", func(t *testing.T) {
		tr := NewTranslator()
		translate(t, tr, MessageEnd{Payload{Event: EventMessageEnd}})

		out, err := tr.Translate(Message{Payload{Event: EventMessage, Answer: "late"}})
		assert.ErrorIs(t, err, ErrStreamDone)
		assert.Empty(t, out)
		assert.Equal(t, StateDone, tr.State())
	})
}

func TestTranslator_Unrecognized(t *testing.T) {
	tr := NewTranslator()

	assert.Equal(t, "raw", translate(t, tr, Unrecognized{Payload{Event: "tts_message", RawContent: true, Content: "raw"}}))
	assert.Empty(t, translate(t, tr, Unrecognized{Payload{Event: "agent_thought", Answer: "thinking"}}))
	assert.Empty(t, translate(t, tr, Unrecognized{Payload{RawContent: true}}))
	assert.Empty(t, translate(t, tr, Unrecognized{}))
	assert.Equal(t, StateStreaming, tr.State())
}

func TestTranslator_InternalFault(t *testing.T) {
	for name, rec := range map[string]Record{
		"unknown variant": bogusRecord{},
		"nil record":      nil,
	} {
		t.Run(name, func(t *testing.T) {
			tr := NewTranslator()
			assert.Equal(t, "a", translate(t, tr, Message{Payload{Event: EventMessage, Answer: "a"}}))

			_, err := tr.Translate(rec)
			require.ErrorIs(t, err, ErrUnknownRecord)
			assert.Equal(t, StateFailed, tr.State())

			_, again := tr.Translate(Message{Payload{Event: EventMessage, Answer: "b"}})
			assert.ErrorIs(t, again, ErrUnknownRecord)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
