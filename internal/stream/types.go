package stream

import "context"

// Chunk represents a piece of translated output
type Chunk struct {
	Content string
	Done    bool
	Error   error
}

// Parser turns an upstream SSE body into translated chunks
type Parser struct {
	ctx    context.Context
	chunks chan Chunk
	opts   []Option
}

func NewParser(ctx context.Context, opts ...Option) *Parser {
	return &Parser{
		ctx:    ctx,
		chunks: make(chan Chunk),
		opts:   opts,
	}
}

func (p *Parser) Chunks() <-chan Chunk {
	return p.chunks
}
