package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Process reads body until the stream ends and publishes the translated
// output on the chunks channel, which it closes on return. The channel is
// unbuffered, so reading from the upstream pauses until the consumer has
// taken the previous chunk. The final chunk is either Done or carries the
// translation fault.
func (p *Parser) Process(body io.ReadCloser) {
	defer close(p.chunks)

	ex := NewExtractor(p.ctx, body, p.opts...)
	defer ex.Close()
	tr := NewTranslator(p.opts...)

	for {
		rec, err := ex.Next()
		if err != nil {
			p.send(Chunk{Done: true})
			return
		}

		out, err := tr.Translate(rec)
		if err != nil {
			p.send(Chunk{Error: err})
			return
		}
		if len(out) > 0 && !p.send(Chunk{Content: string(out)}) {
			return
		}
		if tr.Done() {
			p.send(Chunk{Done: true})
			return
		}
	}
}

// send delivers c unless the consumer went away.
func (p *Parser) send(c Chunk) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.chunks <- c:
		return true
	}
}

type flushErrorer interface {
	Flush() error
}

// Copy translates the SSE stream read from src into w, flushing w after
// every record that produced output. It returns the number of bytes
// written. Bytes already written stay written when an error is returned.
func Copy(ctx context.Context, w io.Writer, src io.ReadCloser, opts ...Option) (int64, error) {
	ex := NewExtractor(ctx, src, opts...)
	defer ex.Close()
	tr := NewTranslator(opts...)

	var written int64
	for rec := range ex.Records() {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		out, err := tr.Translate(rec)
		if err != nil {
			return written, err
		}
		if len(out) > 0 {
			n, err := w.Write(out)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("failed to write translated output: %w", err)
			}
			if err := flush(w); err != nil {
				return written, fmt.Errorf("failed to flush translated output: %w", err)
			}
		}
		if tr.Done() {
			break
		}
	}
	return written, ctx.Err()
}

func flush(w io.Writer) error {
	switch f := w.(type) {
	case http.Flusher:
		f.Flush()
	case flushErrorer:
		return f.Flush()
	}
	return nil
}
