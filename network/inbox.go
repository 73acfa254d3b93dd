package network

import (
	"context"
	"sync"
)

// Inbox is the FIFO of events waiting to be received by a session. It is safe
// for concurrent use: transports push from their delivery paths while a single
// reader blocks in Receive.
type Inbox struct {
	mtx    sync.Mutex
	events []*Event
	bytes  int
	closed bool

	// signal has a capacity of one and is written to, without blocking, on every push
	signal chan struct{}
	done   chan struct{}
}

func NewInbox() *Inbox {
	return &Inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an event. Events pushed after Close are dropped.
func (in *Inbox) Push(ev *Event) {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	if in.closed {
		return
	}
	in.events = append(in.events, ev)
	in.bytes += ev.Size()
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

// Receive pops the next event, copying its payload into buf. When buf is too
// short the event is left at the head of the inbox and a *SizeError is returned.
func (in *Inbox) Receive(ctx context.Context, buf []byte) (*Event, error) {
	for {
		in.mtx.Lock()
		if in.closed {
			in.mtx.Unlock()
			return nil, ErrSessionClosed
		}
		if len(in.events) > 0 {
			ev := in.events[0]
			if len(ev.Data) > len(buf) {
				in.mtx.Unlock()
				return nil, &SizeError{Need: len(ev.Data)}
			}
			in.events[0] = nil
			in.events = in.events[1:]
			in.bytes -= ev.Size()
			in.mtx.Unlock()

			out := *ev
			n := copy(buf, ev.Data)
			out.Data = buf[:n]
			return &out, nil
		}
		in.mtx.Unlock()

		select {
		case <-in.signal:
		case <-in.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Poll returns the number of bytes queued. See Event.Size
func (in *Inbox) Poll() (int, error) {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	if in.closed {
		return 0, ErrSessionClosed
	}
	return in.bytes, nil
}

// Close drops every queued event and wakes up a blocked reader.
func (in *Inbox) Close() {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.events = nil
	in.bytes = 0
	close(in.done)
}
