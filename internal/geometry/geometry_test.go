package geometry

import (
	"reflect"
	"testing"
)

func TestBlockCounts(t *testing.T) {
	cases := []struct {
		f      Format
		tracks int
		want   int
	}{
		{D64, 35, 683},
		{D64, 40, 768},
		{D64, 42, 802},
		{D71, 70, 1366},
		{D80, 77, 2083},
		{D82, 154, 4166},
		{D81, 80, 3200},
	}
	for _, c := range cases {
		g, err := Lookup(c.f)
		if err != nil {
			t.Fatal(err)
		}
		if got := g.Blocks(c.tracks); got != c.want {
			t.Errorf("%s: Blocks(%d) = %d, want %d", g.Name, c.tracks, got, c.want)
		}
	}
}

func TestSectorCountSumsToBlocks(t *testing.T) {
	for _, g := range All() {
		sum := 0
		for tr := 1; tr <= g.MaxTracks; tr++ {
			sum += g.SectorCount(tr)
		}
		if sum != g.Blocks(g.MaxTracks) {
			t.Errorf("%s: sector sum %d != Blocks %d", g.Name, sum, g.Blocks(g.MaxTracks))
		}
		if g.SectorCount(0) != 0 || g.SectorCount(g.MaxTracks+1) != 0 {
			t.Errorf("%s: out of range tracks must have 0 sectors", g.Name)
		}
	}
}

func TestSecondSideRepeatsZones(t *testing.T) {
	d71, _ := Lookup(D71)
	for tr := 1; tr <= 35; tr++ {
		if d71.SectorCount(tr) != d71.SectorCount(tr+35) {
			t.Fatalf("d71 track %d and %d differ", tr, tr+35)
		}
	}
	if d71.Side(35) != 0 || d71.Side(36) != 1 {
		t.Error("d71 side boundary wrong")
	}
	d82, _ := Lookup(D82)
	if d82.SectorCount(78) != 29 || d82.SectorCount(154) != 23 {
		t.Error("d82 second side zones wrong")
	}
}

func TestOffset(t *testing.T) {
	d64, _ := Lookup(D64)
	cases := []struct {
		tr, se int
		want   int64
	}{
		{1, 0, 0},
		{1, 20, 20 * 256},
		{2, 0, 21 * 256},
		{18, 0, 357 * 256},
		{35, 16, 682 * 256},
	}
	for _, c := range cases {
		got, err := d64.Offset(c.tr, c.se)
		if err != nil {
			t.Fatalf("Offset(%d,%d): %v", c.tr, c.se, err)
		}
		if got != c.want {
			t.Errorf("Offset(%d,%d) = %d, want %d", c.tr, c.se, got, c.want)
		}
	}
	if _, err := d64.Offset(18, 19); err == nil {
		t.Error("sector 19 on track 18 accepted")
	}
	if _, err := d64.Offset(43, 0); err == nil {
		t.Error("track 43 accepted")
	}
}

func TestDetectLayout(t *testing.T) {
	d64, _ := Lookup(D64)
	cases := []struct {
		size     int64
		tracks   int
		hasError bool
		ok       bool
	}{
		{174848, 35, false, true},
		{175531, 35, true, true},
		{196608, 40, false, true},
		{197376, 40, true, true},
		{1000, 0, false, false},
		{0, 0, false, false},
	}
	for _, c := range cases {
		tr, he, err := d64.DetectLayout(c.size)
		if (err == nil) != c.ok {
			t.Errorf("size %d: err = %v", c.size, err)
			continue
		}
		if c.ok && (tr != c.tracks || he != c.hasError) {
			t.Errorf("size %d: got (%d,%v), want (%d,%v)", c.size, tr, he, c.tracks, c.hasError)
		}
	}
}

func TestTrackOrder(t *testing.T) {
	d64, _ := Lookup(D64)
	if got := d64.TrackOrder(1, 3, true); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("d64 order = %v", got)
	}
	d71, _ := Lookup(D71)
	got := d71.TrackOrder(34, 37, true)
	if want := []int{36, 37, 34, 35}; !reflect.DeepEqual(got, want) {
		t.Errorf("d71 zigzag order = %v, want %v", got, want)
	}
	full := d71.TrackOrder(1, 70, true)
	if len(full) != 70 || full[0] != 1 || full[1] != 36 || full[2] != 2 {
		t.Errorf("d71 full zigzag starts %v", full[:3])
	}
	if got := d71.TrackOrder(1, 70, false); got[35] != 36 {
		t.Errorf("linear order broken: %v", got[34:37])
	}
}

func TestByName(t *testing.T) {
	for _, n := range []string{"d64", ".D64", " d81 "} {
		if _, err := ByName(n); err != nil {
			t.Errorf("ByName(%q): %v", n, err)
		}
	}
	if _, err := ByName("g64"); err == nil {
		t.Error("g64 accepted")
	}
	g, err := ByPath("/tmp/disk.D71")
	if err != nil || g.Format != D71 {
		t.Errorf("ByPath = %v, %v", g, err)
	}
}
