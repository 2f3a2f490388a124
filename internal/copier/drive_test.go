package copier

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cbmcopy/internal/drivesim"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/transfer"
)

func simDrive(t *testing.T, f geometry.Format, cable bool, seed int) *drivesim.Adapter {
	t.Helper()
	g, err := geometry.Lookup(f)
	if err != nil {
		t.Fatal(err)
	}
	d := drivesim.NewDrive(drivesim.DriveTypeFor(f), g, 0)
	for tr := 1; tr <= seed; tr++ {
		for s := 0; s < g.SectorCount(tr); s++ {
			if err := d.SetBlock(tr, s, fill(tr, s)); err != nil {
				t.Fatal(err)
			}
		}
	}
	a := drivesim.NewAdapter(d, drivesim.DefaultDevice, cable)
	t.Cleanup(func() { _ = a.Reset(context.Background()) })
	return a
}

func driveContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func checkImage(t *testing.T, path string, g *geometry.Geometry, tracks int) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for tr := 1; tr <= tracks; tr++ {
		for s := 0; s < g.SectorCount(tr); s++ {
			off, _ := g.Offset(tr, s)
			if !bytes.Equal(raw[off:off+geometry.BlockSize], fill(tr, s)) {
				t.Fatalf("block %d/%d differs", tr, s)
			}
		}
	}
}

func TestDriveToImage(t *testing.T) {
	cases := []struct {
		name   string
		format geometry.Format
		warp   transfer.WarpMode
		mode   int
		warped bool
	}{
		{"serial2 warp", geometry.D64, transfer.WarpAuto, transfer.ModeSerial2, true},
		{"serial2 no warp", geometry.D64, transfer.WarpOff, transfer.ModeSerial2, false},
		{"original", geometry.D80, transfer.WarpAuto, transfer.ModeOriginal, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := driveContext(t)
			a := simDrive(t, c.format, false, 2)
			g := a.Drive().Geometry()
			dst := filepath.Join(t.TempDir(), "out"+g.Ext)
			res, err := CopyDisk(ctx, DriveEndpoint(a, drivesim.DefaultDevice), ImageEndpoint(dst), Options{
				Settings: settings(func(s *transfer.Settings) {
					s.EndTrack = 2
					s.Warp = c.warp
				}),
				Library: drivesim.Library(),
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Settings.Transfer != c.mode || res.Settings.UseWarp() != c.warped {
				t.Fatalf("resolved %s", res.Settings.String())
			}
			want := g.Blocks(2)
			if res.Processed != want || res.Map.Count(transfer.Error) != 0 {
				t.Fatalf("processed %d of %d, %d errors", res.Processed, want, res.Map.Count(transfer.Error))
			}
			checkImage(t, dst, g, 2)
			if err := a.WaitProgram(ctx); err != nil {
				t.Fatalf("drive program: %v", err)
			}
		})
	}
}

func TestImageToDriveParallel(t *testing.T) {
	ctx := driveContext(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.d64")
	writeD64(t, src)
	a := simDrive(t, geometry.D64, true, 0)

	res, err := CopyDisk(ctx, ImageEndpoint(src), DriveEndpoint(a, drivesim.DefaultDevice), Options{
		Settings: settings(func(s *transfer.Settings) { s.EndTrack = 2 }),
		Library:  drivesim.Library(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Settings.Transfer != transfer.ModeParallel || !res.Settings.UseWarp() {
		t.Fatalf("resolved %s", res.Settings.String())
	}
	if res.Settings.Interleave != transfer.DefaultInterleave(transfer.ModeParallel) {
		t.Fatalf("interleave %d", res.Settings.Interleave)
	}
	d := a.Drive()
	for tr := 1; tr <= 2; tr++ {
		for s := 0; s < 21; s++ {
			if !bytes.Equal(d.Block(tr, s), fill(tr, s)) {
				t.Fatalf("block %d/%d differs", tr, s)
			}
			if n := d.Writes(tr, s); n != 1 {
				t.Fatalf("block %d/%d written %d times", tr, s, n)
			}
		}
	}
	if d.Writes(3, 0) != 0 {
		t.Fatal("track 3 written")
	}
}

func TestDriveErrorRecovered(t *testing.T) {
	ctx := driveContext(t)
	a := simDrive(t, geometry.D64, false, 1)
	a.Drive().SetError(1, 7, 23, 1)
	dst := filepath.Join(t.TempDir(), "out.d64")

	res, err := CopyDisk(ctx, DriveEndpoint(a, drivesim.DefaultDevice), ImageEndpoint(dst), Options{
		Settings: settings(func(s *transfer.Settings) {
			s.EndTrack = 1
			s.Retries = 1
			s.Warp = transfer.WarpOff
		}),
		Library: drivesim.Library(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := a.Drive().Attempts(1, 7); n != 2 {
		t.Fatalf("1/7 read %d times", n)
	}
	if res.Map.Count(transfer.Error) != 0 || len(res.Warnings()) != 0 {
		t.Fatalf("errors %d, warnings %v", res.Map.Count(transfer.Error), res.Warnings())
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 683*geometry.BlockSize {
		t.Fatalf("image has an error map (%d bytes)", fi.Size())
	}
	checkImage(t, dst, res.Settings.Geometry, 1)
}

func TestWarpDowngrade(t *testing.T) {
	ctx := driveContext(t)
	a := simDrive(t, geometry.D81, false, 1)
	dst := filepath.Join(t.TempDir(), "out.d81")

	res, err := CopyDisk(ctx, DriveEndpoint(a, drivesim.DefaultDevice), ImageEndpoint(dst), Options{
		Settings: settings(func(s *transfer.Settings) {
			s.EndTrack = 1
			s.Warp = transfer.WarpOn
		}),
		Library: drivesim.Library(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Settings.UseWarp() || len(res.Warnings()) != 1 {
		t.Fatalf("warp %v, warnings %v", res.Settings.UseWarp(), res.Warnings())
	}
	checkImage(t, dst, res.Settings.Geometry, 1)
}

func TestDriveFormatMismatch(t *testing.T) {
	ctx := driveContext(t)
	a := simDrive(t, geometry.D64, false, 0)
	dst := filepath.Join(t.TempDir(), "out.d81")
	_, err := CopyDisk(ctx, DriveEndpoint(a, drivesim.DefaultDevice), ImageEndpoint(dst), Options{Library: drivesim.Library()})
	if err == nil {
		t.Fatal("1541 accepted a d81 destination")
	}
}
