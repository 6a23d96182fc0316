package pool

import "context"

// slots bounds checked-out connections and implements the wait discipline.
// Drivers enforce their own connection caps, but neither database/sql nor
// pgxpool can fail fast, so every pool gates Acquire through slots.
type slots struct {
	ch   chan struct{}
	mode WaitMode
}

func newSlots(size int, mode WaitMode) *slots {
	if size < 1 {
		size = 1
	}
	return &slots{ch: make(chan struct{}, size), mode: mode}
}

func (s *slots) take(ctx context.Context) error {
	if s.mode == WaitModeNoWait {
		select {
		case s.ch <- struct{}{}:
			return nil
		default:
			return ErrPoolExhausted
		}
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slots) give() {
	<-s.ch
}

func (s *slots) busy() int {
	return len(s.ch)
}
