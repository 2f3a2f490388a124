package copier

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/drivecode"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/imagefile"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// formatFor returns the native disk format of a drive model.
func formatFor(dt cbm.DriveType, twoSided bool) geometry.Format {
	switch dt {
	case cbm.Drive1571:
		if twoSided {
			return geometry.D71
		}
		return geometry.D64
	case cbm.Drive1581:
		return geometry.D81
	case cbm.Drive8050:
		return geometry.D80
	case cbm.Drive8250, cbm.DriveSFD1001:
		if twoSided {
			return geometry.D82
		}
		return geometry.D80
	case cbm.DriveUnknown:
		return geometry.Unknown
	default:
		return geometry.D64
	}
}

// driveReads reports whether drive model dt can handle disks of format f.
func driveReads(dt cbm.DriveType, f geometry.Format) bool {
	switch f {
	case geometry.D64:
		return dt.Is1541Family() || dt == cbm.Drive2031 || dt == cbm.Drive2040 ||
			dt == cbm.Drive3040 || dt == cbm.Drive4040
	case geometry.D71:
		return dt == cbm.Drive1571
	case geometry.D81:
		return dt == cbm.Drive1581
	case geometry.D80:
		return dt == cbm.Drive8050 || dt == cbm.Drive8250 || dt == cbm.DriveSFD1001
	case geometry.D82:
		return dt == cbm.Drive8250 || dt == cbm.DriveSFD1001
	}
	return false
}

func invalid(format string, args ...interface{}) error {
	return proto.NewStatusErr(proto.StatusInvalidSettings, format, args...)
}

// resolve fills in everything the settings leave open: drive type, disk
// format, track range, transfer mode, warp and interleave.
func (r *run) resolve(ctx context.Context) error {
	s := &r.s
	switch {
	case r.src.IsDrive() && r.dst.IsDrive():
		return proto.NewStatusErr(proto.StatusUnsupported, "drive to drive copies are not supported")
	case r.src.IsDrive():
		r.drive = &r.src
	case r.dst.IsDrive():
		r.drive = &r.dst
	}
	for _, e := range []Endpoint{r.src, r.dst} {
		if !e.IsDrive() && e.Transport == nil {
			return proto.NewStatusErr(proto.StatusInternal, "endpoint without transport")
		}
	}
	if s.Retries < 0 {
		return invalid("retries must not be negative (%d)", s.Retries)
	}

	if r.drive != nil && s.DriveType == cbm.DriveUnknown {
		dt, err := r.drive.Bus.Identify(ctx, r.drive.Dev)
		if err != nil {
			return proto.NewStatusErr(proto.StatusNoDrive, "can't identify drive %d: %v", r.drive.Dev, err)
		}
		s.DriveType = dt
		r.opt.Message.Printf(transfer.SevInfo, "drive %02d is a %s", r.drive.Dev, dt)
	}

	if err := r.resolveGeometry(); err != nil {
		return err
	}
	g := s.Geometry
	s.Format = g.Format
	s.TwoSided = g.TwoSided
	if r.drive != nil && s.DriveType != cbm.DriveUnknown && !driveReads(s.DriveType, g.Format) {
		return proto.NewStatusErr(proto.StatusUnsupported, "a %s drive can't handle %s disks", s.DriveType, g.Name)
	}

	if s.StartTrack == 0 {
		s.StartTrack = 1
	}
	if s.EndTrack == 0 {
		s.EndTrack = g.Tracks
		r.autoEnd = true
	}
	if s.StartTrack < 1 || s.StartTrack > s.EndTrack || s.EndTrack > g.MaxTracks {
		return invalid("invalid track range %d-%d (%s has at most %d tracks)", s.StartTrack, s.EndTrack, g.Name, g.MaxTracks)
	}

	if r.drive == nil {
		s.Warp = transfer.WarpOff
		if s.Interleave == -1 {
			s.Interleave = 1
		}
	} else if err := r.resolveMode(); err != nil {
		return err
	}
	if !g.ValidInterleave(s.Interleave) {
		return invalid("invalid interleave %d (%s allows 1-%d)", s.Interleave, g.Name, g.MaxInterleave)
	}
	return nil
}

// resolveGeometry: explicit settings first, then a format bound to an image
// end or named by its extension, then the drive's native format.
func (r *run) resolveGeometry() error {
	s := &r.s
	if s.Geometry != nil {
		return nil
	}
	if s.Format != geometry.Unknown {
		g, err := geometry.Lookup(s.Format)
		if err != nil {
			return invalid("%v", err)
		}
		s.Geometry = g
		return nil
	}
	for _, e := range []Endpoint{r.src, r.dst} {
		img, ok := e.Transport.(*imagefile.Image)
		if !ok {
			continue
		}
		if g := img.Geometry(); g != nil {
			s.Geometry = g
			return nil
		}
		if g, err := geometry.ByPath(img.Path()); err == nil {
			s.Geometry = g
			return nil
		}
	}
	if r.drive != nil {
		if f := formatFor(s.DriveType, s.TwoSided); f != geometry.Unknown {
			g, err := geometry.Lookup(f)
			if err != nil {
				return invalid("%v", err)
			}
			s.Geometry = g
			return nil
		}
	}
	return invalid("can't determine the disk format, use a known image extension or set the format")
}

// resolveMode picks the transfer mode, warp and default interleave of a run
// involving a drive.
func (r *run) resolveMode() error {
	s := &r.s
	bus, dev := r.drive.Bus, r.drive.Dev
	if s.Transfer == transfer.ModeAuto {
		s.Transfer = transfer.ResolveAuto(bus, dev, s.DriveType)
		log.WithFields(log.Fields{"transfer": transfer.ModeName(s.Transfer), "drive": s.DriveType.String()}).Debug("transfer mode selected")
	}
	if err := transfer.CheckMode(s.Transfer, bus, dev, s.DriveType); err != nil {
		return err
	}
	capable := transfer.WarpCapable(s.Transfer, s.DriveType)
	switch s.Warp {
	case transfer.WarpAuto:
		s.Warp = transfer.WarpOff
		if capable {
			s.Warp = transfer.WarpOn
		}
	case transfer.WarpOn:
		if !capable {
			r.opt.Message.Printf(transfer.SevWarning, "warp mode isn't supported by %s transfers with a %s drive, disabling",
				transfer.ModeName(s.Transfer), s.DriveType)
			s.Warp = transfer.WarpOff
		}
	}
	if s.Interleave == -1 {
		s.Interleave = transfer.DefaultInterleave(s.Transfer)
		if s.Interleave > s.Geometry.MaxInterleave {
			s.Interleave = s.Geometry.MaxInterleave
		}
	}
	return nil
}

// openEnds builds the drive transport, uploads its drive code and opens
// source and destination.
func (r *run) openEnds(ctx context.Context) error {
	var start transfer.StartFunc
	for _, e := range []*Endpoint{&r.src, &r.dst} {
		if !e.IsDrive() {
			continue
		}
		t, err := transfer.New(r.s.Transfer, e.Bus, e.Dev)
		if err != nil {
			return err
		}
		e.Transport = t
		loader := &drivecode.Loader{Bus: e.Bus, Dev: e.Dev, Lib: r.opt.Library}
		if err := loader.Init(ctx, r.s.DriveType, r.s.TwoSided); err != nil {
			return proto.NewStatusErr(proto.StatusOpenFailed, "drive %d: %v", e.Dev, err)
		}
		if t.NeedsTurbo() {
			p := drivecode.Program{Write: e == &r.dst, Warp: r.s.UseWarp(), Family: r.s.DriveType.Family()}
			if err := loader.Upload(ctx, transfer.ModeName(r.s.Transfer), p); err != nil {
				return proto.NewStatusErr(proto.StatusOpenFailed, "drive %d: %v", e.Dev, err)
			}
			warp := r.s.UseWarp()
			start = func(ctx context.Context) error { return loader.Start(ctx, warp) }
		}
	}
	r.srcT, r.dstT = r.src.Transport, r.dst.Transport

	if err := r.srcT.OpenDisk(ctx, &r.s, false, start, r.opt.Message); err != nil {
		return openError("source", r.src, err)
	}
	r.srcOpen = true
	if err := r.dstT.OpenDisk(ctx, &r.s, true, start, r.opt.Message); err != nil {
		return openError("destination", r.dst, err)
	}
	r.dstOpen = true

	// a source image may hold more tracks than the format default
	if img, ok := r.srcT.(*imagefile.Image); ok && r.autoEnd {
		if n := img.Tracks(); n > r.s.EndTrack && n <= r.s.Geometry.MaxTracks {
			r.s.EndTrack = n
		}
	}
	return nil
}

// openError keeps structural open errors and turns anything else into one.
func openError(what string, e Endpoint, err error) error {
	var se *proto.StatusError
	if errors.As(err, &se) {
		return err
	}
	return proto.NewStatusErr(proto.StatusOpenFailed, "can't open %s %s: %v", what, e, err)
}
