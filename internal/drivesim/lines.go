package drivesim

import (
	"context"
	"sync"

	"cbmcopy/internal/cbm"
)

// iec models the open collector bus: a line is asserted while any side
// pulls it. The parallel port is a plain shared register.
type iec struct {
	mu      sync.Mutex
	host    cbm.Line
	drive   cbm.Line
	pp      byte
	changed chan struct{}
}

func newIEC() *iec {
	return &iec{changed: make(chan struct{})}
}

// update changes the lines pulled by one side and wakes waiters.
func (b *iec) update(drive bool, set, release cbm.Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &b.host
	if drive {
		p = &b.drive
	}
	old := *p
	*p = (*p | set) &^ release
	if *p != old {
		close(b.changed)
		b.changed = make(chan struct{})
	}
}

func (b *iec) get(l cbm.Line) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return (b.host|b.drive)&l != 0
}

func (b *iec) wait(ctx context.Context, l cbm.Line, state bool) error {
	for {
		b.mu.Lock()
		asserted := (b.host|b.drive)&l != 0
		ch := b.changed
		b.mu.Unlock()
		if asserted == state {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *iec) readPP() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pp
}

func (b *iec) writePP(v byte) {
	b.mu.Lock()
	b.pp = v
	b.mu.Unlock()
}

// reset releases every line of both sides.
func (b *iec) reset() {
	b.update(false, 0, ^cbm.Line(0))
	b.update(true, 0, ^cbm.Line(0))
}

// side is the view of one bus participant.
type side struct {
	bus   *iec
	drive bool
}

func (s side) Set(l cbm.Line) { s.bus.update(s.drive, l, 0) }
func (s side) Release(l cbm.Line) { s.bus.update(s.drive, 0, l) }
func (s side) SetRelease(set, release cbm.Line) { s.bus.update(s.drive, set, release) }
func (s side) Get(l cbm.Line) bool { return s.bus.get(l) }

func (s side) Wait(ctx context.Context, l cbm.Line, state bool) error {
	return s.bus.wait(ctx, l, state)
}

// put drives DATA to carry bit: released for 1, asserted for 0.
func (s side) put(bit bool) {
	if bit {
		s.Release(cbm.LineData)
	} else {
		s.Set(cbm.LineData)
	}
}

// stream is one direction of the burst channel.
type stream chan byte

func (c stream) write(ctx context.Context, p []byte) error {
	for _, b := range p {
		select {
		case c <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c stream) read(ctx context.Context, p []byte) error {
	for i := range p {
		select {
		case b := <-c:
			p[i] = b
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// drain discards buffered bytes.
func (c stream) drain() {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}
