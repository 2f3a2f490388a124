package transfer

import (
	"context"

	"cbmcopy/internal/cbm"
)

// serial1 moves one bit per handshake. ATN is the host strobe, CLOCK the
// drive acknowledge and DATA carries the bit, most significant bit first. A
// released DATA line is a 1 bit.
//
//	host send: DATA=bit, ATN low | drive: sample, CLOCK low
//	           ATN high, DATA high | drive: CLOCK high
//	host recv: ATN low | drive: DATA=bit, CLOCK low
//	           sample, ATN high | drive: DATA high, CLOCK high
type serial1 struct {
	l cbm.Lines
}

func (w *serial1) name() string { return "serial1" }

func (w *serial1) open(ctx context.Context) error {
	w.l.Release(cbm.LineATN | cbm.LineClock | cbm.LineData)
	if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
		return err
	}
	return w.l.Wait(ctx, cbm.LineData, false)
}

func (w *serial1) release() {
	w.l.Release(cbm.LineATN | cbm.LineClock | cbm.LineData)
}

func (w *serial1) sendByte(ctx context.Context, b byte) error {
	for i := 7; i >= 0; i-- {
		if b&(1<<uint(i)) != 0 {
			w.l.Release(cbm.LineData)
		} else {
			w.l.Set(cbm.LineData)
		}
		w.l.Set(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, true); err != nil {
			return err
		}
		w.l.Release(cbm.LineATN | cbm.LineData)
		if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *serial1) recvByte(ctx context.Context) (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		w.l.Set(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, true); err != nil {
			return 0, err
		}
		b <<= 1
		if !w.l.Get(cbm.LineData) {
			b |= 1
		}
		w.l.Release(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
			return 0, err
		}
	}
	return b, nil
}

func (w *serial1) send(ctx context.Context, p []byte) error {
	for _, b := range p {
		if err := w.sendByte(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (w *serial1) recv(ctx context.Context, p []byte) error {
	for i := range p {
		b, err := w.recvByte(ctx)
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

func (w *serial1) recvBlock(ctx context.Context, buf []byte) (byte, error) {
	return recvStatusBlock(ctx, w, buf)
}
