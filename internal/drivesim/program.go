package drivesim

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/drivecode"
	"cbmcopy/internal/gcr"
	"cbmcopy/internal/proto"
)

// stubMagic starts every program of the simulator's drive code library.
// The rest of the blob is the program name.
const stubMagic = "SIM:"

const (
	trackMapFlag = 0x80
	mapNeeded    = 0
)

// Protocols lists the protocol drivers the simulator runs.
var Protocols = []string{"serial1", "serial2", "parallel", "burst"}

// Library returns the drive code library understood by the simulator.
func Library() drivecode.MapLibrary {
	lib := drivecode.MapLibrary{}
	add := func(name string) {
		lib[name] = append([]byte(stubMagic+name), 0)
	}
	for _, p := range Protocols {
		add(p)
	}
	for _, fam := range []cbm.Family{cbm.Family1541, cbm.Family1571, cbm.Family1581} {
		for _, write := range []bool{false, true} {
			add(drivecode.Program{Write: write, Family: fam}.Name())
			if fam != cbm.Family1581 {
				add(drivecode.Program{Write: write, Warp: true, Family: fam}.Name())
			}
		}
	}
	return lib
}

// driveWire is the drive half of a transfer protocol. Every send and recv
// call is one message and must match the host's call of the same size.
type driveWire interface {
	send(ctx context.Context, p []byte) error
	recv(ctx context.Context, p []byte) error
	release()
}

type serial1Drive struct{ l side }

func (w *serial1Drive) release() { w.l.Release(cbm.LineData | cbm.LineClock) }

func (w *serial1Drive) recv(ctx context.Context, p []byte) error {
	for i := range p {
		var b byte
		for bit := 0; bit < 8; bit++ {
			if err := w.l.Wait(ctx, cbm.LineATN, true); err != nil {
				return err
			}
			b <<= 1
			if !w.l.Get(cbm.LineData) {
				b |= 1
			}
			w.l.Set(cbm.LineClock)
			if err := w.l.Wait(ctx, cbm.LineATN, false); err != nil {
				return err
			}
			w.l.Release(cbm.LineClock)
		}
		p[i] = b
	}
	return nil
}

func (w *serial1Drive) send(ctx context.Context, p []byte) error {
	for _, b := range p {
		for i := 7; i >= 0; i-- {
			if err := w.l.Wait(ctx, cbm.LineATN, true); err != nil {
				return err
			}
			w.l.put(b&(1<<uint(i)) != 0)
			w.l.Set(cbm.LineClock)
			if err := w.l.Wait(ctx, cbm.LineATN, false); err != nil {
				return err
			}
			w.l.SetRelease(0, cbm.LineData|cbm.LineClock)
		}
	}
	return nil
}

type serial2Drive struct{ l side }

func (w *serial2Drive) release() { w.l.Release(cbm.LineData | cbm.LineClock) }

func (w *serial2Drive) recv(ctx context.Context, p []byte) error {
	for i := range p {
		var b byte
		for pair := 0; pair < 4; pair++ {
			if err := w.l.Wait(ctx, cbm.LineATN, true); err != nil {
				return err
			}
			// a preceding send may still hold DATA
			w.l.Release(cbm.LineData)
			b <<= 1
			if !w.l.Get(cbm.LineData) {
				b |= 1
			}
			w.l.Set(cbm.LineClock)
			if err := w.l.Wait(ctx, cbm.LineATN, false); err != nil {
				return err
			}
			b <<= 1
			if !w.l.Get(cbm.LineData) {
				b |= 1
			}
			w.l.Release(cbm.LineClock)
		}
		p[i] = b
	}
	return nil
}

func (w *serial2Drive) send(ctx context.Context, p []byte) error {
	for _, b := range p {
		for i := 7; i > 0; i -= 2 {
			if err := w.l.Wait(ctx, cbm.LineATN, true); err != nil {
				return err
			}
			w.l.put(b&(1<<uint(i)) != 0)
			w.l.Set(cbm.LineClock)
			if err := w.l.Wait(ctx, cbm.LineATN, false); err != nil {
				return err
			}
			w.l.put(b&(1<<uint(i-1)) != 0)
			w.l.Release(cbm.LineClock)
		}
	}
	return nil
}

type parallelDrive struct {
	l    side
	clk  bool
	data bool
}

func (w *parallelDrive) release() {
	w.l.Release(cbm.LineData | cbm.LineClock)
	w.clk, w.data = false, false
}

// edge waits for the next host CLOCK toggle.
func (w *parallelDrive) edge(ctx context.Context) error {
	w.clk = !w.clk
	return w.l.Wait(ctx, cbm.LineClock, w.clk)
}

// ack toggles DATA.
func (w *parallelDrive) ack() {
	w.data = !w.data
	if w.data {
		w.l.Set(cbm.LineData)
	} else {
		w.l.Release(cbm.LineData)
	}
}

func (w *parallelDrive) recv(ctx context.Context, p []byte) error {
	n := len(p) + len(p)&1
	for i := 0; i < n; i++ {
		if err := w.edge(ctx); err != nil {
			return err
		}
		b := w.l.bus.readPP()
		if i < len(p) {
			p[i] = b
		}
		w.ack()
	}
	return nil
}

func (w *parallelDrive) send(ctx context.Context, p []byte) error {
	n := len(p) + len(p)&1
	for i := 0; i < n; i++ {
		if err := w.edge(ctx); err != nil {
			return err
		}
		var b byte
		if i < len(p) {
			b = p[i]
		}
		w.l.bus.writePP(b)
		w.ack()
	}
	return nil
}

type burstDrive struct {
	in, out stream
}

func (w *burstDrive) release() {}

func (w *burstDrive) recv(ctx context.Context, p []byte) error { return w.in.read(ctx, p) }
func (w *burstDrive) send(ctx context.Context, p []byte) error { return w.out.write(ctx, p) }

// session is one run of an uploaded main program.
type session struct {
	d     *Drive
	w     driveWire
	write bool
	warp  bool
	burst bool
}

// parseProgram splits a main program name like "read-warp-1541".
func parseProgram(name string) (write, warp bool, family string, err error) {
	f := strings.Split(name, "-")
	if len(f) != 3 {
		return false, false, "", errors.Errorf("not a main program: %q", name)
	}
	switch f[0] {
	case "read":
	case "write":
		write = true
	default:
		return false, false, "", errors.Errorf("not a main program: %q", name)
	}
	switch f[1] {
	case "turbo":
	case "warp":
		warp = true
	default:
		return false, false, "", errors.Errorf("not a main program: %q", name)
	}
	return write, warp, f[2], nil
}

func (s *session) run(ctx context.Context) error {
	hdr := make([]byte, 2)
	for {
		if err := s.w.recv(ctx, hdr); err != nil {
			return err
		}
		track, sector := int(hdr[0]), int(hdr[1])
		var err error
		switch {
		case track == 0 && sector == 0:
			return nil
		case track&trackMapFlag != 0:
			err = s.trackMap(ctx, track&^trackMapFlag, sector)
		case s.write:
			err = s.writeBlock(ctx, track, sector)
		default:
			err = s.readBlock(ctx, track, sector)
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) readBlock(ctx context.Context, track, sector int) error {
	code, data := s.d.readBlock(track, sector)
	if s.burst {
		if code != proto.DOSOk {
			return s.w.send(ctx, []byte{byte(code)})
		}
		if err := s.w.send(ctx, []byte{proto.MoreDataFollows}); err != nil {
			return err
		}
		if err := s.w.send(ctx, data); err != nil {
			return err
		}
		return s.w.send(ctx, []byte{proto.DOSOk})
	}
	if err := s.w.send(ctx, []byte{byte(code)}); err != nil {
		return err
	}
	return s.w.send(ctx, data)
}

func (s *session) writeBlock(ctx context.Context, track, sector int) error {
	size := gcr.BlockSize
	if s.warp {
		size = gcr.EncodedSize
	}
	buf := make([]byte, size)
	if err := s.w.recv(ctx, buf); err != nil {
		return err
	}
	data := buf
	code := proto.DOSOk
	if s.warp {
		data = make([]byte, gcr.BlockSize)
		if err := gcr.Decode(data, buf); err != nil {
			code = gcr.Code(err) + 18
		}
	}
	if c := s.d.writeBlock(track, sector, data); c != proto.DOSOk {
		code = c
	}
	return s.w.send(ctx, []byte{byte(code)})
}

// trackMap receives the sector needs of track. A warp read program then
// streams up to count needed sectors in rotation order, stopping after the
// first failed one.
func (s *session) trackMap(ctx context.Context, track, count int) error {
	n := s.d.geom.SectorCount(track)
	m := make([]byte, n)
	if err := s.w.recv(ctx, m); err != nil {
		return err
	}
	if !s.warp || s.write || n == 0 {
		return nil
	}
	first := s.d.spin(n)
	for i := 0; i < n && count > 0; i++ {
		se := (first + i) % n
		if m[se] != mapNeeded {
			continue
		}
		count--
		code, data := s.d.readBlock(track, se)
		if code != proto.DOSOk {
			return s.w.send(ctx, []byte{byte(se), byte(code)})
		}
		buf := make([]byte, gcr.BufSize)
		if err := gcr.Encode(buf, data); err != nil {
			return err
		}
		if err := s.w.send(ctx, []byte{byte(se), proto.DOSOk}); err != nil {
			return err
		}
		if err := s.w.send(ctx, buf); err != nil {
			return err
		}
	}
	return nil
}
