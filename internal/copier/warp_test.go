package copier

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"cbmcopy/internal/bam"
	"cbmcopy/internal/gcr"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// warpStream is a warp drive source replaying a fixed stream of sectors.
type warpStream struct {
	fakeSource
	track  int
	stream []int
	link   error
	served int
}

func (w *warpStream) IsCBMDrive() bool { return true }

func (w *warpStream) ReadGCRBlock(_ context.Context, buf []byte) (int, error) {
	if w.served >= len(w.stream) {
		return -1, w.link
	}
	se := w.stream[w.served]
	w.served++
	if err := gcr.Encode(buf, fill(w.track, se)); err != nil {
		return se, err
	}
	return se, nil
}

type blockSink struct{ written map[geometry.TS]int }

func (b *blockSink) OpenDisk(context.Context, *transfer.Settings, bool, transfer.StartFunc, transfer.MessageFunc) error {
	return nil
}

func (b *blockSink) ReadBlock(context.Context, int, int, []byte) error { return nil }

func (b *blockSink) WriteBlock(_ context.Context, t, s int, _ []byte, _ int) error {
	b.written[geometry.TS{Track: t, Sector: s}]++
	return nil
}

func (b *blockSink) CloseDisk(context.Context) error { return nil }
func (b *blockSink) IsCBMDrive() bool                { return false }
func (b *blockSink) NeedsTurbo() bool                { return false }

func (b *blockSink) SendTrackMap(context.Context, int, []transfer.SectorStatus, int) error {
	return nil
}

func (b *blockSink) ReadGCRBlock(context.Context, []byte) (int, error) { return 0, nil }

func warpRun(t *testing.T, src *warpStream) (*run, *blockSink) {
	t.Helper()
	g, err := geometry.Lookup(geometry.D64)
	if err != nil {
		t.Fatal(err)
	}
	m := bam.NewMap(g)
	row := m.Track(src.track)
	for se := range row {
		row[se] = transfer.DontCopy
	}
	row[0], row[1], row[2] = transfer.MustCopy, transfer.MustCopy, transfer.MustCopy
	sink := &blockSink{written: map[geometry.TS]int{}}
	r := &run{
		srcT: src,
		dstT: sink,
		s:    *settings(func(s *transfer.Settings) { s.Warp = transfer.WarpOn }),
		res:  &Result{Map: m, Total: 3},
	}
	return r, sink
}

func TestWarpStream(t *testing.T) {
	cases := []struct {
		name    string
		stream  []int
		link    error
		copied  int
		wantErr bool
	}{
		{"in order", []int{2, 0, 1}, nil, 3, false},
		{"repeated sector", []int{0, 0}, nil, 1, true},
		{"sector not in map", []int{1, 7}, nil, 1, true},
		{"lost link", []int{0}, proto.Link("read gcr block", errors.New("timeout")), 1, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src := &warpStream{fakeSource: *newFakeSource(), track: 1, stream: c.stream, link: c.link}
			r, sink := warpRun(t, src)
			row := r.res.Map.Track(1)
			_, err := r.warpPass(context.Background(), 1, row)
			if c.wantErr {
				if !errors.Is(err, proto.ErrLink) {
					t.Fatalf("err = %v, want a link failure", err)
				}
			} else if err != nil {
				t.Fatal(err)
			}
			if r.res.Processed != c.copied || len(sink.written) != c.copied {
				t.Fatalf("copied %d, written %d, want %d", r.res.Processed, len(sink.written), c.copied)
			}
			if src.served != len(c.stream) {
				t.Fatalf("served %d of %d", src.served, len(c.stream))
			}
		})
	}
}
