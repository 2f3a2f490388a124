// Package drivesim is a software Commodore drive and host adapter. It speaks
// the DOS command channel and runs the drive side of every transfer protocol,
// so the copy engine can be exercised without hardware.
package drivesim

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/imagefile"
	"cbmcopy/internal/proto"
)

const (
	ramSize    = 0x800
	bufferSA   = 2
	memChunk   = 32
	errorMapOK = 1
)

// injected is a programmed failure of one sector.
type injected struct {
	code  int
	times int // <0: forever
}

// Drive is a simulated drive with an in-memory disk.
type Drive struct {
	Type cbm.DriveType

	mu       sync.Mutex
	geom     *geometry.Geometry
	blocks   [][]byte
	tracks   int
	faults   map[geometry.TS]*injected
	attempts map[geometry.TS]int
	writes   map[geometry.TS]int
	dirty    bool

	ram         [ramSize]byte
	buf         [geometry.BlockSize]byte
	bufPtr      int
	bufOpen     bool
	status      int
	statusText  string
	statusTS    geometry.TS
	doubleSided bool
	rotation    int
}

// NewDrive returns a drive of type dt holding an empty disk of layout g with
// tracks tracks (0: the standard count).
func NewDrive(dt cbm.DriveType, g *geometry.Geometry, tracks int) *Drive {
	if tracks <= 0 {
		tracks = g.Tracks
	}
	d := &Drive{
		Type:     dt,
		geom:     g,
		tracks:   tracks,
		blocks:   make([][]byte, g.Blocks(tracks)),
		faults:   make(map[geometry.TS]*injected),
		attempts: make(map[geometry.TS]int),
		writes:   make(map[geometry.TS]int),

		doubleSided: g.TwoSided,
	}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, geometry.BlockSize)
	}
	d.setStatus(proto.DOSPowerUp, geometry.TS{})
	return d
}

// DriveTypeFor returns the drive model that natively uses format f.
func DriveTypeFor(f geometry.Format) cbm.DriveType {
	switch f {
	case geometry.D71:
		return cbm.Drive1571
	case geometry.D81:
		return cbm.Drive1581
	case geometry.D80:
		return cbm.Drive8050
	case geometry.D82:
		return cbm.Drive8250
	default:
		return cbm.Drive1541
	}
}

// Load reads an image file into a new drive. Blocks flagged in an attached
// error map fail permanently with their recorded code.
func Load(path string) (*Drive, error) {
	g, err := geometry.ByPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	tracks, hasErrors, err := g.DetectLayout(int64(len(raw)))
	if err != nil {
		return nil, err
	}
	d := NewDrive(DriveTypeFor(g.Format), g, tracks)
	n := g.Blocks(tracks)
	for i := 0; i < n; i++ {
		copy(d.blocks[i], raw[i*geometry.BlockSize:])
	}
	if hasErrors {
		emap := raw[n*geometry.BlockSize:]
		for t := 1; t <= tracks; t++ {
			for s := 0; s < g.SectorCount(t); s++ {
				idx, _ := g.BlockIndex(t, s)
				if b := emap[idx]; b != errorMapOK && b != 0 {
					code := int(b)
					if code >= 2 && code <= 11 {
						code += 18
					}
					d.SetError(t, s, code, -1)
				}
			}
		}
	}
	return d, nil
}

// Save writes the disk to path atomically.
func (d *Drive) Save(path string) error {
	d.mu.Lock()
	data := bytes.Join(d.blocks, nil)
	d.dirty = false
	d.mu.Unlock()
	return imagefile.WriteFileAtomic(path, data, 0o644)
}

// Geometry returns the disk layout.
func (d *Drive) Geometry() *geometry.Geometry { return d.geom }

// Dirty reports whether the disk was written since it was loaded or saved.
func (d *Drive) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// DoubleSided reports whether the second disk side is accessible.
func (d *Drive) DoubleSided() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doubleSided
}

// SetError makes reads of track/sector fail with code. times limits the
// number of failures, a negative value fails forever, 0 clears the fault.
func (d *Drive) SetError(track, sector, code, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := geometry.TS{Track: track, Sector: sector}
	if times == 0 {
		delete(d.faults, ts)
		return
	}
	d.faults[ts] = &injected{code: code, times: times}
}

// Attempts returns how often track/sector was read.
func (d *Drive) Attempts(track, sector int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[geometry.TS{Track: track, Sector: sector}]
}

// Writes returns how often track/sector was written.
func (d *Drive) Writes(track, sector int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[geometry.TS{Track: track, Sector: sector}]
}

// Block returns a copy of the stored block, nil for addresses off the disk.
func (d *Drive) Block(track, sector int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.index(track, sector)
	if !ok {
		return nil
	}
	return append([]byte(nil), d.blocks[idx]...)
}

// SetBlock stores data at track/sector.
func (d *Drive) SetBlock(track, sector int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.index(track, sector)
	if !ok {
		return errors.Errorf("invalid block %d/%d", track, sector)
	}
	copy(d.blocks[idx], data)
	return nil
}

func (d *Drive) index(track, sector int) (int, bool) {
	if track < 1 || track > d.tracks {
		return 0, false
	}
	if d.geom.TwoSided && !d.doubleSided && track > d.geom.SideTracks {
		return 0, false
	}
	idx, err := d.geom.BlockIndex(track, sector)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// readBlock returns the status and data of a block read.
func (d *Drive) readBlock(track, sector int) (int, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := geometry.TS{Track: track, Sector: sector}
	idx, ok := d.index(track, sector)
	if !ok {
		return proto.DOSIllegalTS, make([]byte, geometry.BlockSize)
	}
	d.attempts[ts]++
	data := append([]byte(nil), d.blocks[idx]...)
	if f := d.faults[ts]; f != nil {
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(d.faults, ts)
			}
		}
		return f.code, data
	}
	return proto.DOSOk, data
}

func (d *Drive) writeBlock(track, sector int, data []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.index(track, sector)
	if !ok {
		return proto.DOSIllegalTS
	}
	d.writes[geometry.TS{Track: track, Sector: sector}]++
	copy(d.blocks[idx], data)
	d.dirty = true
	return proto.DOSOk
}

func (d *Drive) setStatus(code int, ts geometry.TS) {
	d.status = code
	d.statusText = proto.DOSMessage(code)
	d.statusTS = ts
}

// takeStatus returns the error channel message and resets it to OK.
func (d *Drive) takeStatus() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, text := d.status, d.statusText
	d.setStatus(proto.DOSOk, geometry.TS{})
	return code, text
}

func (d *Drive) statusLine() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := fmt.Sprintf("%02d, %s,%02d,%02d\r", d.status, d.statusText, d.statusTS.Track, d.statusTS.Sector)
	d.setStatus(proto.DOSOk, geometry.TS{})
	return line
}

// numbers parses the blank or comma separated decimal arguments of a command.
func numbers(s string) ([]int, error) {
	f := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == ':' })
	out := make([]int, 0, len(f))
	for _, x := range f {
		n, err := strconv.Atoi(x)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// startRequest is returned by command when a U3 or U4 starts drive code.
type startRequest struct {
	warp bool
}

// command runs one DOS command. A non-nil startRequest asks the adapter to
// launch the uploaded program.
func (d *Drive) command(cmd []byte) *startRequest {
	s := string(cmd)
	upper := strings.ToUpper(strings.TrimRight(s, "\r"))
	switch {
	case strings.HasPrefix(upper, "M-W") && len(cmd) >= 6:
		addr := int(cmd[3]) | int(cmd[4])<<8
		n := int(cmd[5])
		data := cmd[6:]
		if n > len(data) || addr+n > ramSize {
			d.fail(proto.DOSSyntax)
			return nil
		}
		d.mu.Lock()
		copy(d.ram[addr:], data[:n])
		d.mu.Unlock()
		d.ok()
	case strings.HasPrefix(upper, "I"):
		d.ok()
	case strings.HasPrefix(upper, "U0>M"):
		if d.Type != cbm.Drive1571 {
			d.fail(proto.DOSSyntax)
			return nil
		}
		d.mu.Lock()
		d.doubleSided = strings.HasSuffix(upper, "1")
		d.mu.Unlock()
		d.ok()
	case strings.HasPrefix(upper, "U1"), strings.HasPrefix(upper, "UA"):
		d.blockCommand(upper[2:], false)
	case strings.HasPrefix(upper, "U2"), strings.HasPrefix(upper, "UB"):
		d.blockCommand(upper[2:], true)
	case strings.HasPrefix(upper, "B-P"):
		args, err := numbers(upper[3:])
		if err != nil || len(args) != 2 || args[0] != bufferSA || args[1] < 0 || args[1] > 0xff {
			d.fail(proto.DOSSyntax)
			return nil
		}
		d.mu.Lock()
		d.bufPtr = args[1]
		d.mu.Unlock()
		d.ok()
	case strings.HasPrefix(upper, "U3"), strings.HasPrefix(upper, "UC"):
		return &startRequest{warp: false}
	case strings.HasPrefix(upper, "U4"), strings.HasPrefix(upper, "UD"):
		return &startRequest{warp: true}
	default:
		d.fail(proto.DOSSyntax)
	}
	return nil
}

func (d *Drive) ok() {
	d.mu.Lock()
	d.setStatus(proto.DOSOk, geometry.TS{})
	d.mu.Unlock()
}

func (d *Drive) fail(code int) {
	d.mu.Lock()
	d.setStatus(code, geometry.TS{})
	d.mu.Unlock()
}

// blockCommand runs "U1:2 0 t s" and "U2:2 0 t s".
func (d *Drive) blockCommand(args string, write bool) {
	n, err := numbers(args)
	if err != nil || len(n) != 4 || n[0] != bufferSA {
		d.fail(proto.DOSSyntax)
		return
	}
	d.mu.Lock()
	open := d.bufOpen
	d.mu.Unlock()
	if !open {
		d.fail(proto.DOSNoChannel)
		return
	}
	t, s := n[2], n[3]
	ts := geometry.TS{Track: t, Sector: s}
	if write {
		d.mu.Lock()
		data := append([]byte(nil), d.buf[:]...)
		d.mu.Unlock()
		code := d.writeBlock(t, s, data)
		d.mu.Lock()
		d.setStatus(code, ts)
		d.mu.Unlock()
		return
	}
	code, data := d.readBlock(t, s)
	d.mu.Lock()
	copy(d.buf[:], data)
	d.bufPtr = 0
	if code == proto.DOSOk {
		d.setStatus(code, geometry.TS{})
	} else {
		d.setStatus(code, ts)
	}
	d.mu.Unlock()
}

func (d *Drive) openBuffer() {
	d.mu.Lock()
	d.bufOpen = true
	d.bufPtr = 0
	d.setStatus(proto.DOSOk, geometry.TS{})
	d.mu.Unlock()
}

func (d *Drive) closeBuffer() {
	d.mu.Lock()
	d.bufOpen = false
	d.mu.Unlock()
}

func (d *Drive) bufferWrite(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range p {
		d.buf[d.bufPtr] = b
		d.bufPtr = (d.bufPtr + 1) & 0xff
		n++
	}
	return n
}

func (d *Drive) bufferRead(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range p {
		p[i] = d.buf[d.bufPtr]
		d.bufPtr = (d.bufPtr + 1) & 0xff
	}
	return len(p)
}

// program returns the name stored by a stub program at addr.
func (d *Drive) program(addr int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := d.ram[addr:]
	if !bytes.HasPrefix(mem, []byte(stubMagic)) {
		return ""
	}
	mem = mem[len(stubMagic):]
	if i := bytes.IndexByte(mem, 0); i >= 0 {
		mem = mem[:i]
	}
	return string(mem)
}

// spin returns the sector under the head when a track scan starts on a
// track of n sectors. The disk keeps turning between scans.
func (d *Drive) spin(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotation += 7
	return d.rotation % n
}

func (d *Drive) reset() {
	d.mu.Lock()
	d.bufOpen = false
	d.bufPtr = 0
	d.ram = [ramSize]byte{}
	d.setStatus(proto.DOSPowerUp, geometry.TS{})
	d.mu.Unlock()
}
