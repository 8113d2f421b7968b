package transport

import (
	"context"
	"sync"
)

const defaultPipeBuffer = 64

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	in   chan []byte
	peer *PipeEnd
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected ends; closing either closes both.
func NewPipe() (*PipeEnd, *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{in: make(chan []byte, defaultPipeBuffer), done: done, once: once}
	b := &PipeEnd{in: make(chan []byte, defaultPipeBuffer), done: done, once: once}
	a.peer = b
	b.peer = a

	return a, b
}

func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-p.in:
		return data, nil
	case <-p.done:
		// Drain what the peer wrote before closing.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case p.peer.in <- buf:
		return nil
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
