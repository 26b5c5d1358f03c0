package eventio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Token identifies which registered descriptor became readable. A worker
// loop typically uses it over a fixed, small set of typed tokens
// (queue-available, interrupt-resample, kill), not a general dynamic
// registration scheme.
type Token uint32

// WaitContext multiplexes readiness across a small, fixed set of
// descriptors via epoll.
type WaitContext struct {
	epfd   int
	tokens map[int]Token
}

// NewWaitContext creates an epoll instance. Poll-context construction
// failure is fatal to the worker that depends on it.
func NewWaitContext() (*WaitContext, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventio: epoll_create1: %w", err)
	}
	return &WaitContext{epfd: fd, tokens: make(map[int]Token)}, nil
}

// Add registers fd for readability, tagged with token.
func (w *WaitContext) Add(fd int, token Token) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventio: epoll_ctl add: %w", err)
	}
	w.tokens[fd] = token
	return nil
}

// Wait blocks until at least one registered descriptor is readable,
// returning the tokens for all that are, in epoll-returned order.
func (w *WaitContext) Wait() ([]Token, error) {
	var events [8]unix.EpollEvent
	for {
		n, err := unix.EpollWait(w.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("eventio: epoll_wait: %w", err)
		}
		tokens := make([]Token, 0, n)
		for i := 0; i < n; i++ {
			if tok, ok := w.tokens[int(events[i].Fd)]; ok {
				tokens = append(tokens, tok)
			}
		}
		return tokens, nil
	}
}

// Close releases the epoll descriptor.
func (w *WaitContext) Close() error {
	return unix.Close(w.epfd)
}
