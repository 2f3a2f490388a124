package drivesim

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/drivecode"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/proto"
)

// DefaultDevice is the bus address of the simulated drive.
const DefaultDevice = 8

const streamBuffer = 512

func init() {
	cbm.Register("sim", Open)
}

// running is a drive program executing in its own goroutine.
type running struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Adapter is a host adapter with one simulated drive attached. Besides the
// DOS level Bus it offers the raw IEC lines, an XP1541 parallel port and a
// burst channel.
type Adapter struct {
	dev   int
	drive *Drive
	cable bool

	bus     *iec
	host    side
	toDrive stream
	toHost  stream

	mu     sync.Mutex
	prog   *running
	listen int
	talk   int
	open   map[int]bool

	// SavePath, when set, receives the disk on Shutdown if it was written.
	SavePath string
}

// NewAdapter attaches d as device dev. cable reports a parallel cable.
func NewAdapter(d *Drive, dev int, cable bool) *Adapter {
	b := newIEC()
	return &Adapter{
		dev:     dev,
		drive:   d,
		cable:   cable,
		bus:     b,
		host:    side{bus: b},
		toDrive: make(stream, streamBuffer),
		toHost:  make(stream, streamBuffer),
		listen:  -1,
		talk:    -1,
		open:    make(map[int]bool),
	}
}

// Open is the "sim" adapter: arg names an image file loaded into a drive at
// device 8, optionally followed by ",xp" for a parallel cable. Written disks
// are saved back on Shutdown. An empty arg attaches a blank 1541 disk.
func Open(arg string) (cbm.Bus, error) {
	path, opts, _ := strings.Cut(arg, ",")
	var d *Drive
	if path == "" {
		g, err := geometry.Lookup(geometry.D64)
		if err != nil {
			return nil, err
		}
		d = NewDrive(cbm.Drive1541, g, 0)
	} else {
		var err error
		if d, err = Load(path); err != nil {
			return nil, err
		}
	}
	a := NewAdapter(d, DefaultDevice, opts == "xp")
	a.SavePath = path
	return a, nil
}

// Drive returns the attached drive.
func (a *Adapter) Drive() *Drive { return a.drive }

func (a *Adapter) present(dev int) error {
	if dev != a.dev {
		return errors.Errorf("device %d not present", dev)
	}
	return nil
}

// idle waits until no drive program is running. A running program keeps the
// drive off the command channel.
func (a *Adapter) idle(ctx context.Context) error {
	a.mu.Lock()
	p := a.prog
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "drive busy running %s", p.name)
	}
	a.mu.Lock()
	if a.prog == p {
		a.prog = nil
	}
	a.mu.Unlock()
	return nil
}

// WaitProgram blocks until the running drive program ends and returns its error.
func (a *Adapter) WaitProgram(ctx context.Context) error {
	a.mu.Lock()
	p := a.prog
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := a.idle(ctx); err != nil {
		return err
	}
	return p.err
}

// Running reports the name of the running main program, "" if none.
func (a *Adapter) Running() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prog == nil {
		return ""
	}
	select {
	case <-a.prog.done:
		return ""
	default:
		return a.prog.name
	}
}

func (a *Adapter) Listen(ctx context.Context, dev, sa int) error {
	if err := a.present(dev); err != nil {
		return err
	}
	if err := a.idle(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.listen = sa
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Unlisten(ctx context.Context) error {
	a.mu.Lock()
	a.listen = -1
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Talk(ctx context.Context, dev, sa int) error {
	if err := a.present(dev); err != nil {
		return err
	}
	if err := a.idle(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.talk = sa
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Untalk(ctx context.Context) error {
	a.mu.Lock()
	a.talk = -1
	a.mu.Unlock()
	return nil
}

func (a *Adapter) OpenFile(ctx context.Context, dev, sa int, name []byte) error {
	if err := a.present(dev); err != nil {
		return err
	}
	if err := a.idle(ctx); err != nil {
		return err
	}
	switch {
	case sa == cbm.CommandChannel:
		if len(name) > 0 {
			a.exec(name)
		}
	case sa == bufferSA && strings.HasPrefix(string(name), "#"):
		a.drive.openBuffer()
	default:
		a.drive.fail(proto.DOSSyntax)
		return nil
	}
	a.mu.Lock()
	a.open[sa] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) CloseFile(ctx context.Context, dev, sa int) error {
	if err := a.present(dev); err != nil {
		return err
	}
	if sa == bufferSA {
		a.drive.closeBuffer()
	}
	a.mu.Lock()
	delete(a.open, sa)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) RawWrite(ctx context.Context, p []byte) (int, error) {
	a.mu.Lock()
	sa := a.listen
	a.mu.Unlock()
	switch sa {
	case bufferSA:
		return a.drive.bufferWrite(p), nil
	case cbm.CommandChannel:
		a.exec(p)
		return len(p), nil
	default:
		return 0, errors.Errorf("no listener on channel %d", sa)
	}
}

func (a *Adapter) RawRead(ctx context.Context, p []byte) (int, error) {
	a.mu.Lock()
	sa := a.talk
	a.mu.Unlock()
	switch sa {
	case bufferSA:
		return a.drive.bufferRead(p), nil
	case cbm.CommandChannel:
		return copy(p, a.drive.statusLine()), nil
	default:
		return 0, errors.Errorf("no talker on channel %d", sa)
	}
}

func (a *Adapter) Command(ctx context.Context, dev int, cmd []byte) error {
	if err := a.present(dev); err != nil {
		return err
	}
	if err := a.idle(ctx); err != nil {
		return err
	}
	a.exec(cmd)
	return nil
}

// exec runs a DOS command and starts drive code on U3/U4.
func (a *Adapter) exec(cmd []byte) {
	if req := a.drive.command(cmd); req != nil {
		a.start(req.warp)
	}
}

func (a *Adapter) DeviceStatus(ctx context.Context, dev int) (int, string, error) {
	if err := a.present(dev); err != nil {
		return 0, "", err
	}
	if err := a.idle(ctx); err != nil {
		return 0, "", err
	}
	code, text := a.drive.takeStatus()
	return code, text, nil
}

// Upload stores code with M-W commands of at most 32 bytes each.
func (a *Adapter) Upload(ctx context.Context, dev int, addr uint16, code []byte) (int, error) {
	if err := a.present(dev); err != nil {
		return 0, err
	}
	if err := a.idle(ctx); err != nil {
		return 0, err
	}
	n := 0
	for n < len(code) {
		chunk := code[n:]
		if len(chunk) > memChunk {
			chunk = chunk[:memChunk]
		}
		at := addr + uint16(n)
		cmd := append([]byte{'M', '-', 'W', byte(at), byte(at >> 8), byte(len(chunk))}, chunk...)
		a.drive.command(cmd)
		if st, text := a.drive.takeStatus(); st != proto.DOSOk {
			return n, errors.Errorf("memory write at $%04x: %02d, %s", at, st, text)
		}
		n += len(chunk)
	}
	return n, nil
}

func (a *Adapter) Identify(ctx context.Context, dev int) (cbm.DriveType, error) {
	if err := a.present(dev); err != nil {
		return cbm.DriveUnknown, err
	}
	return a.drive.Type, nil
}

// Reset stops drive code and releases every line.
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	p := a.prog
	a.prog = nil
	a.listen, a.talk = -1, -1
	a.open = make(map[int]bool)
	a.mu.Unlock()
	if p != nil {
		p.cancel()
		<-p.done
	}
	a.bus.reset()
	a.toDrive.drain()
	a.toHost.drain()
	a.drive.reset()
	return nil
}

// Shutdown resets the bus and saves a written disk to SavePath.
func (a *Adapter) Shutdown() error {
	if err := a.Reset(context.Background()); err != nil {
		return err
	}
	if a.SavePath != "" && a.drive.Dirty() {
		return a.drive.Save(a.SavePath)
	}
	return nil
}

// start launches the uploaded main program and protocol driver.
func (a *Adapter) start(warp bool) {
	mainName := a.drive.program(int(drivecode.MainAddr))
	protoName := a.drive.program(int(drivecode.ProtocolAddr))
	write, progWarp, family, err := parseProgram(mainName)
	if err != nil || progWarp != warp || family != a.drive.Type.Family().String() {
		a.drive.fail(proto.DOSSyntax)
		return
	}
	var w driveWire
	dl := side{bus: a.bus, drive: true}
	switch protoName {
	case "serial1":
		w = &serial1Drive{l: dl}
	case "serial2":
		w = &serial2Drive{l: dl}
	case "parallel":
		w = &parallelDrive{l: dl}
	case "burst":
		w = &burstDrive{in: a.toDrive, out: a.toHost}
	default:
		a.drive.fail(proto.DOSSyntax)
		return
	}
	s := &session{d: a.drive, w: w, write: write, warp: warp, burst: protoName == "burst"}
	ctx, cancel := context.WithCancel(context.Background())
	p := &running{name: mainName + "/" + protoName, cancel: cancel, done: make(chan struct{})}
	a.mu.Lock()
	a.prog = p
	a.mu.Unlock()
	a.drive.ok()
	go func() {
		defer close(p.done)
		defer cancel()
		p.err = s.run(ctx)
		w.release()
		log.WithFields(log.Fields{"program": p.name, "err": p.err}).Debug("drive program finished")
	}()
}

// Set, Release, SetRelease, Get and Wait drive the host side of the IEC lines.
func (a *Adapter) Set(l cbm.Line)                   { a.host.Set(l) }
func (a *Adapter) Release(l cbm.Line)               { a.host.Release(l) }
func (a *Adapter) SetRelease(set, release cbm.Line) { a.host.SetRelease(set, release) }
func (a *Adapter) Get(l cbm.Line) bool              { return a.host.Get(l) }

func (a *Adapter) Wait(ctx context.Context, l cbm.Line, state bool) error {
	return a.host.Wait(ctx, l, state)
}

func (a *Adapter) ParallelCable(dev int) bool { return a.cable && dev == a.dev }
func (a *Adapter) ReadPP() byte               { return a.bus.readPP() }
func (a *Adapter) WritePP(b byte)             { a.bus.writePP(b) }

func (a *Adapter) BurstWrite(ctx context.Context, p []byte) error { return a.toDrive.write(ctx, p) }
func (a *Adapter) BurstRead(ctx context.Context, p []byte) error  { return a.toHost.read(ctx, p) }

var (
	_ cbm.Bus          = (*Adapter)(nil)
	_ cbm.Lines        = (*Adapter)(nil)
	_ cbm.ParallelPort = (*Adapter)(nil)
	_ cbm.BurstPort    = (*Adapter)(nil)
)
