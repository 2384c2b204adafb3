package stream

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const unknownStreamError = "unknown stream error"

var (
	// ErrStreamDone is returned for records offered after the stream ended.
	ErrStreamDone = errors.New("stream: translation already finished")
	// ErrUnknownRecord is returned for a record outside the known variants.
	ErrUnknownRecord = errors.New("stream: unknown record type")
)

// State is the translation state of one stream.
type State int

const (
	StateStreaming State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Translator turns records into the flat text stream sent to clients.
type Translator struct {
	state  State
	err    error
	logger logrus.FieldLogger
}

func NewTranslator(opts ...Option) *Translator {
	o := newOptions(opts)
	return &Translator{logger: o.logger}
}

// State reports the current state.
func (t *Translator) State() State {
	return t.state
}

// Done reports whether the translator reached a terminal state.
func (t *Translator) Done() bool {
	return t.state != StateStreaming
}

// Translate returns the output for a single record, possibly empty.
// Once a MessageEnd has been translated every later call returns
// ErrStreamDone; after a fault every later call returns that fault.
func (t *Translator) Translate(rec Record) ([]byte, error) {
	switch t.state {
	case StateDone:
		return nil, ErrStreamDone
	case StateFailed:
		return nil, t.err
	}

	switch r := rec.(type) {
	case Message:
		if text := r.TextPayload(); text != "" {
			return []byte(text), nil
		}
		return nil, nil

	case MessageFile:
		t.logger.WithFields(logrus.Fields{
			"url":        r.URL,
			"message_id": r.MessageID,
		}).Info("received file message")
		if r.URL == "" {
			return nil, nil
		}
		return fmt.Appendf(nil, "\n[file] %s\n", r.URL), nil

	case Error:
		msg := r.Message
		if msg == "" {
			msg = unknownStreamError
		}
		t.logger.WithField("message", msg).Error("upstream stream error")
		return fmt.Appendf(nil, "\n[error] %s\n", msg), nil

	case MessageEnd:
		t.state = StateDone
		entry := t.logger.WithField("finish_reason", r.FinishReason)
		if len(r.Metadata) > 0 {
			entry = entry.WithField("metadata", string(r.Metadata))
		}
		entry.Debug("chat completed")
		if r.FinishReason == "" {
			return nil, nil
		}
		return fmt.Appendf(nil, "\n[finished: %s]\n", r.FinishReason), nil

	case Unrecognized:
		if text := r.TextPayload(); r.RawContent && text != "" {
			return []byte(text), nil
		}
		t.logger.WithField("event", r.Event).Debug("ignoring unknown event")
		return nil, nil

	default:
		return nil, t.fail(fmt.Errorf("%w: %T", ErrUnknownRecord, rec))
	}
}

func (t *Translator) fail(err error) error {
	t.state = StateFailed
	t.err = err
	t.logger.WithError(err).Error("stream translation failed")
	return err
}
