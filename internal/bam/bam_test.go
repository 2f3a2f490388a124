package bam

import (
	"context"
	"strings"
	"testing"

	"cbmcopy/internal/geometry"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// memDisk is a read-only in-memory transport.
type memDisk struct {
	blocks map[geometry.TS][]byte
	errs   map[geometry.TS]int
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: map[geometry.TS][]byte{}, errs: map[geometry.TS]int{}}
}

func (d *memDisk) block(t, s int) []byte {
	ts := geometry.TS{Track: t, Sector: s}
	b, ok := d.blocks[ts]
	if !ok {
		b = make([]byte, geometry.BlockSize)
		d.blocks[ts] = b
	}
	return b
}

func (d *memDisk) OpenDisk(context.Context, *transfer.Settings, bool, transfer.StartFunc, transfer.MessageFunc) error {
	return nil
}

func (d *memDisk) ReadBlock(_ context.Context, t, s int, buf []byte) error {
	if code, ok := d.errs[geometry.TS{Track: t, Sector: s}]; ok {
		return proto.NewDriveError(code)
	}
	copy(buf, d.block(t, s))
	return nil
}

func (d *memDisk) WriteBlock(context.Context, int, int, []byte, int) error { return nil }
func (d *memDisk) CloseDisk(context.Context) error                         { return nil }
func (d *memDisk) IsCBMDrive() bool                                        { return false }
func (d *memDisk) NeedsTurbo() bool                                        { return false }

func (d *memDisk) SendTrackMap(context.Context, int, []transfer.SectorStatus, int) error {
	return nil
}

func (d *memDisk) ReadGCRBlock(context.Context, []byte) (int, error) { return 0, nil }

// setFree marks sectors 0..n-1 free in a bitmap entry.
func setFree(e []byte, n int) {
	for s := 0; s < n; s++ {
		e[s/8] |= 1 << uint(s%8)
	}
}

func allocate(e []byte, s int) {
	e[s/8] &^= 1 << uint(s%8)
}

// d64Disk returns a disk whose BAM marks every sector free except the given ones.
func d64Disk(g *geometry.Geometry, used ...geometry.TS) *memDisk {
	d := newMemDisk()
	bam := d.block(18, 0)
	bam[0], bam[1] = 18, 1
	bam[2] = 0x41
	for t := 1; t <= 35; t++ {
		setFree(bam[4*t+1:4*t+4], g.SectorCount(t))
	}
	for _, ts := range used {
		allocate(bam[4*ts.Track+1:4*ts.Track+4], ts.Sector)
	}
	return d
}

func settings(g *geometry.Geometry, mode transfer.BAMMode) *transfer.Settings {
	s := transfer.DefaultSettings()
	s.Geometry = g
	s.BAMMode = mode
	s.StartTrack = 1
	s.EndTrack = g.Tracks
	return s
}

type msgLog struct{ warnings []string }

func (l *msgLog) fn() transfer.MessageFunc {
	return func(sev transfer.Severity, format string, args ...interface{}) {
		if sev == transfer.SevWarning {
			l.warnings = append(l.warnings, format)
		}
	}
}

func lookup(t *testing.T, f geometry.Format) *geometry.Geometry {
	t.Helper()
	g, err := geometry.Lookup(f)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestAllocatedOnlyTwoSectors(t *testing.T) {
	g := lookup(t, geometry.D64)
	src := d64Disk(g, geometry.TS{Track: 18, Sector: 0}, geometry.TS{Track: 1, Sector: 0})
	m, mode, err := Build(context.Background(), src, settings(g, transfer.BAMAllocated), nil)
	if err != nil {
		t.Fatal(err)
	}
	if mode != transfer.BAMAllocated {
		t.Fatalf("mode downgraded to %v", mode)
	}
	if m.Total != 2 {
		t.Fatalf("Total = %d, want 2", m.Total)
	}
	must := m.Sectors(transfer.MustCopy)
	if len(must) != 2 || must[0] != (geometry.TS{Track: 1, Sector: 0}) || must[1] != (geometry.TS{Track: 18, Sector: 0}) {
		t.Fatalf("must_copy = %v", must)
	}
	if got := m.Count(transfer.DontCopy); got != g.Blocks(g.MaxTracks)-2 {
		t.Fatalf("dont_copy = %d", got)
	}
}

func TestBAMModes(t *testing.T) {
	g := lookup(t, geometry.D64)
	cases := []struct {
		name  string
		mode  transfer.BAMMode
		start int
		end   int
		want  int
	}{
		{"ignore", transfer.BAMIgnore, 1, 35, 683},
		{"ignore range", transfer.BAMIgnore, 2, 3, 42},
		{"save", transfer.BAMSave, 1, 35, 19 + 1},
		{"allocated", transfer.BAMAllocated, 1, 35, 2},
		{"allocated outside range", transfer.BAMAllocated, 2, 17, 0},
		// tracks beyond 35 have no BAM entries
		{"allocated 40 tracks", transfer.BAMAllocated, 1, 40, 2 + 5*17},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src := d64Disk(g, geometry.TS{Track: 1, Sector: 0})
			s := settings(g, c.mode)
			s.StartTrack, s.EndTrack = c.start, c.end
			m, _, err := Build(context.Background(), src, s, nil)
			if err != nil {
				t.Fatal(err)
			}
			if m.Total != c.want {
				t.Fatalf("Total = %d, want %d", m.Total, c.want)
			}
			if m.Get(c.end+1, 0) == transfer.MustCopy {
				t.Fatal("sector past end track selected")
			}
		})
	}
}

func TestD71SecondSide(t *testing.T) {
	g := lookup(t, geometry.D71)
	d := d64Disk(g)
	d.block(18, 0)[3] = 0x80
	side2 := d.block(53, 0)
	for tr := 36; tr <= 70; tr++ {
		setFree(side2[(tr-36)*3:(tr-36)*3+3], g.SectorCount(tr))
	}
	allocate(side2[(36-36)*3:], 5)

	m, mode, err := Build(context.Background(), d, settings(g, transfer.BAMAllocated), nil)
	if err != nil || mode != transfer.BAMAllocated {
		t.Fatalf("Build: %v, mode %v", err, mode)
	}
	// 18/0, 53/0 and 36/5
	if m.Total != 3 {
		t.Fatalf("Total = %d, want 3", m.Total)
	}
	if m.Get(36, 5) != transfer.MustCopy || m.Get(53, 0) != transfer.MustCopy {
		t.Fatal("side 2 sectors missing")
	}

	d.block(18, 0)[3] = 0
	var log msgLog
	m, mode, err = Build(context.Background(), d, settings(g, transfer.BAMAllocated), log.fn())
	if err != nil {
		t.Fatal(err)
	}
	if mode != transfer.BAMIgnore || m.Total != 1366 || len(log.warnings) != 1 {
		t.Fatalf("single-sided d71 header: mode %v total %d warnings %v", mode, m.Total, log.warnings)
	}
}

func d81Disk(g *geometry.Geometry) *memDisk {
	d := newMemDisk()
	hdr := d.block(40, 0)
	hdr[0], hdr[1] = 40, 3
	dir := d.block(40, 3)
	dir[0], dir[1] = 0, 0xff
	b1, b2 := d.block(40, 1), d.block(40, 2)
	b1[0], b1[1] = 40, 2
	b2[0], b2[1] = 0, 0xff
	for tr := 1; tr <= 80; tr++ {
		blk := b1
		if tr > 40 {
			blk = b2
		}
		off := 0x10 + ((tr-1)%40)*6 + 1
		setFree(blk[off:off+5], 40)
	}
	return d
}

func TestD81Chain(t *testing.T) {
	g := lookup(t, geometry.D81)
	d := d81Disk(g)
	allocate(d.block(40, 2)[0x10+(41-41)*6+1:], 3)
	m, mode, err := Build(context.Background(), d, settings(g, transfer.BAMAllocated), nil)
	if err != nil || mode != transfer.BAMAllocated {
		t.Fatalf("Build: %v, mode %v", err, mode)
	}
	// header, two BAM blocks and 41/3
	if m.Total != 4 || m.Get(41, 3) != transfer.MustCopy || m.Get(40, 0) != transfer.MustCopy {
		t.Fatalf("Total = %d, sectors %v", m.Total, m.Sectors(transfer.MustCopy))
	}
	if m.Get(40, 1) != transfer.MustCopy || m.Get(40, 2) != transfer.MustCopy || m.Get(40, 3) != transfer.DontCopy {
		t.Fatal("BAM blocks not taken from 40/1 and 40/2")
	}

	m, mode, err = Build(context.Background(), d, settings(g, transfer.BAMSave), nil)
	if err != nil || mode != transfer.BAMSave {
		t.Fatalf("save Build: %v, mode %v", err, mode)
	}
	// track 40 whole and 41/3
	if m.Total != 41 {
		t.Fatalf("save Total = %d, want 41", m.Total)
	}
}

func TestD81BrokenBAMLink(t *testing.T) {
	g := lookup(t, geometry.D81)
	d := d81Disk(g)
	d.block(40, 1)[1] = 5
	var log msgLog
	m, mode, err := Build(context.Background(), d, settings(g, transfer.BAMAllocated), log.fn())
	if err != nil {
		t.Fatal(err)
	}
	if mode != transfer.BAMIgnore || m.Total != 3200 || len(log.warnings) != 1 {
		t.Fatalf("mode %v total %d warnings %v", mode, m.Total, log.warnings)
	}
}

func d80Disk(g *geometry.Geometry, bamBlocks int) *memDisk {
	d := newMemDisk()
	hdr := d.block(39, 0)
	hdr[0], hdr[1] = 38, 0
	for k := 0; k < bamBlocks; k++ {
		blk := d.block(38, 3*k)
		blk[0], blk[1] = 38, byte(3*(k+1))
		if k == bamBlocks-1 {
			blk[0], blk[1] = 39, 1
		}
		for i := 0; i < 50; i++ {
			tr := 50*k + i + 1
			if tr > g.MaxTracks {
				break
			}
			off := 6 + i*5 + 1
			setFree(blk[off:off+4], g.SectorCount(tr))
		}
	}
	return d
}

func TestD80AndD82Chains(t *testing.T) {
	d80 := lookup(t, geometry.D80)
	d := d80Disk(d80, 2)
	allocate(d.block(38, 3)[6+(77-51)*5+1:], 22)
	m, mode, err := Build(context.Background(), d, settings(d80, transfer.BAMAllocated), nil)
	if err != nil || mode != transfer.BAMAllocated {
		t.Fatalf("d80 Build: %v, mode %v", err, mode)
	}
	if m.Total != 4 || m.Get(77, 22) != transfer.MustCopy {
		t.Fatalf("d80 Total = %d", m.Total)
	}

	d82 := lookup(t, geometry.D82)
	m, mode, err = Build(context.Background(), d80Disk(d82, 4), settings(d82, transfer.BAMAllocated), nil)
	if err != nil || mode != transfer.BAMAllocated || m.Total != 5 {
		t.Fatalf("d82 Build: %v, mode %v, total %d", err, mode, m.Total)
	}
}

func TestChainMismatchFallsBack(t *testing.T) {
	d82 := lookup(t, geometry.D82)
	var log msgLog
	m, mode, err := Build(context.Background(), d80Disk(d82, 2), settings(d82, transfer.BAMAllocated), log.fn())
	if err != nil {
		t.Fatal(err)
	}
	if mode != transfer.BAMIgnore || m.Total != 4166 {
		t.Fatalf("mode %v total %d", mode, m.Total)
	}
	if len(log.warnings) != 1 || !strings.Contains(log.warnings[0], "BAM") {
		t.Fatalf("warnings = %v", log.warnings)
	}
}

func TestIllegalTrackFallsBack(t *testing.T) {
	g := lookup(t, geometry.D64)
	d := d64Disk(g)
	d.errs[geometry.TS{Track: 18, Sector: 0}] = proto.DOSIllegalTS
	var log msgLog
	m, mode, err := Build(context.Background(), d, settings(g, transfer.BAMSave), log.fn())
	if err != nil {
		t.Fatal(err)
	}
	if mode != transfer.BAMIgnore || m.Total != 683 {
		t.Fatalf("mode %v total %d", mode, m.Total)
	}
	if len(log.warnings) != 1 || !strings.Contains(log.warnings[0], "illegal track") {
		t.Fatalf("warnings = %v", log.warnings)
	}
}

func TestCanceledBAMReadIsFatal(t *testing.T) {
	g := lookup(t, geometry.D64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := d64Disk(g)
	d.errs[geometry.TS{Track: 18, Sector: 0}] = proto.DOSNoSync
	if _, _, err := Build(ctx, d, settings(g, transfer.BAMAllocated), nil); err == nil {
		t.Fatal("canceled run must not fall back")
	}
}

func TestRender(t *testing.T) {
	g := lookup(t, geometry.D64)
	m := NewMap(g)
	row := m.Track(1)
	for i := range row {
		row[i] = transfer.DontCopy
	}
	m.Set(1, 0, transfer.Copied)
	m.Set(1, 1, transfer.Error)
	if got := m.Render(1); got != "*?"+strings.Repeat(".", 19) {
		t.Fatalf("Render = %q", got)
	}
}
