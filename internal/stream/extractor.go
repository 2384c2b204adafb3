package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultReadSize    = 4096
	defaultMaxLineSize = 1024 * 1024 // 1MB max buffer
)

// ErrLineTooLong is reported when a line grows past the configured maximum
// without a terminator.
var ErrLineTooLong = errors.New("stream: line too long")

// Option configures an Extractor, a Translator or both.
type Option func(*options)

type options struct {
	readSize    int
	maxLineSize int
	logger      logrus.FieldLogger
}

func newOptions(opts []Option) options {
	o := options{
		readSize:    defaultReadSize,
		maxLineSize: defaultMaxLineSize,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithReadSize sets how many bytes are requested from the source per read.
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithMaxLineSize bounds the line buffer.
func WithMaxLineSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLineSize = n
		}
	}
}

// WithLogger sets the logger used for observability of the stream.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Extractor turns an SSE byte stream into records. It is not safe for
// concurrent use; each upstream response gets its own Extractor.
type Extractor struct {
	ctx    context.Context
	src    io.ReadCloser
	buf    []byte
	opts   options
	logger logrus.FieldLogger

	// pending is the unterminated tail of the stream read so far.
	pending []byte
	// lines holds complete lines split off pending but not yet consumed.
	lines   []string
	failure Record
	done    bool

	stop      func() bool
	closeOnce sync.Once
	closeErr  error
}

// NewExtractor returns an Extractor reading from src. The source is closed
// when the stream ends, when reading fails, when Close is called or when
// ctx is cancelled, whichever happens first.
func NewExtractor(ctx context.Context, src io.ReadCloser, opts ...Option) *Extractor {
	o := newOptions(opts)
	e := &Extractor{
		ctx:    ctx,
		src:    src,
		buf:    make([]byte, o.readSize),
		opts:   o,
		logger: o.logger,
	}
	e.stop = context.AfterFunc(ctx, func() {
		_ = e.release()
	})
	return e
}

// Next returns the next record. It returns io.EOF once the source is
// exhausted or ctx is cancelled; a read failure is returned once as an
// Error record, followed by io.EOF.
func (e *Extractor) Next() (Record, error) {
	for {
		for len(e.lines) > 0 {
			line := e.lines[0]
			e.lines = e.lines[1:]
			if rec, ok := e.frame(line); ok {
				return rec, nil
			}
		}

		if e.failure != nil {
			rec := e.failure
			e.failure = nil
			return rec, nil
		}

		if e.done {
			return nil, io.EOF
		}

		if err := e.fill(); err != nil {
			e.finish()
			switch {
			case e.ctx.Err() != nil:
				// The consumer went away; not an upstream fault.
				e.logger.WithError(e.ctx.Err()).Debug("stream cancelled")
			case errors.Is(err, io.EOF):
				if len(e.pending) > 0 {
					e.logger.WithField("bytes", len(e.pending)).Debug("discarding unterminated trailing line")
				}
			default:
				e.logger.WithError(err).Warn("upstream read failed")
				e.failure = Error{Payload{
					Event:   EventError,
					Message: fmt.Sprintf("failed to read upstream stream: %v", err),
				}}
			}
			e.pending = nil
		}
	}
}

// Records returns the remaining records as an iterator. Breaking out of
// the loop closes the source.
func (e *Extractor) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		defer e.Close()
		for {
			rec, err := e.Next()
			if err != nil {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Close releases the source. It is safe to call more than once.
func (e *Extractor) Close() error {
	e.done = true
	e.lines = nil
	e.pending = nil
	e.failure = nil
	e.stop()
	return e.release()
}

// fill performs one read and moves every complete line out of pending.
func (e *Extractor) fill() error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	n, err := e.src.Read(e.buf)
	if n > 0 {
		e.pending = append(e.pending, e.buf[:n]...)
		e.split()
		if len(e.pending) > e.opts.maxLineSize {
			return ErrLineTooLong
		}
	}
	return err
}

func (e *Extractor) split() {
	for {
		i := bytes.IndexByte(e.pending, '\n')
		if i < 0 {
			break
		}
		e.lines = append(e.lines, decodeLine(e.pending[:i]))
		e.pending = e.pending[i+1:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
}

// frame applies the data-line policy to a complete line.
func (e *Extractor) frame(line string) (Record, bool) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil, false
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, false
	}
	data = strings.TrimPrefix(data, " ")

	rec := DecodeRecord(data)
	if p := rec.Fields(); p.RawContent {
		e.logger.WithField("raw", p.Raw).Warn("data line is not JSON, passing it through as text")
	}
	return rec, true
}

func (e *Extractor) finish() {
	e.done = true
	e.stop()
	_ = e.release()
}

func (e *Extractor) release() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.src.Close()
	})
	return e.closeErr
}

// decodeLine converts a complete line to text. Invalid UTF-8 is replaced
// with U+FFFD.
func decodeLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
