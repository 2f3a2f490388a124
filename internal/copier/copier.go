// Package copier copies whole disks between drives and image files. It
// resolves the drive type, transfer mode, warp mode and interleave of a run,
// opens both ends, builds the sector map and runs the per track retry loop.
package copier

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/bam"
	"cbmcopy/internal/cbm"
	"cbmcopy/internal/drivecode"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/imagefile"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// Endpoint is one end of a copy: a drive on a bus or a ready made transport
// such as an image file.
type Endpoint struct {
	Bus cbm.Bus
	Dev int

	// Transport is used as is when Bus is nil.
	Transport transfer.Transport
}

// DriveEndpoint addresses drive dev on bus.
func DriveEndpoint(bus cbm.Bus, dev int) Endpoint {
	return Endpoint{Bus: bus, Dev: dev}
}

// ImageEndpoint is the image file at path. Its format follows the run's
// settings or, failing that, the file extension.
func ImageEndpoint(path string) Endpoint {
	return Endpoint{Transport: imagefile.New(path, nil)}
}

// IsDrive reports whether e is a drive.
func (e Endpoint) IsDrive() bool { return e.Bus != nil }

func (e Endpoint) String() string {
	if e.IsDrive() {
		return "drive " + strconv.Itoa(e.Dev)
	}
	if img, ok := e.Transport.(*imagefile.Image); ok {
		return img.Path()
	}
	return "transport"
}

// Status is the progress snapshot passed to the status callback.
type Status struct {
	Track  int // 0: copy loop starts
	Sector int

	// ReadResult and WriteResult are the proto codes of the last attempt:
	// 0 ok, a DOS code, or -1 for link failures.
	ReadResult  int
	WriteResult int

	Processed int
	Total     int
	Map       *bam.Map
}

// Options carries everything a copy needs besides the two ends.
type Options struct {
	Settings *transfer.Settings
	// Library holds the drive programs of the fast transfer modes.
	Library drivecode.Library

	Message transfer.MessageFunc
	// Status is called once with Track 0 and after every attempted sector.
	// A non-nil return aborts the copy.
	Status func(Status) error
	// TrackDone is called after a track was finished.
	TrackDone func(track int, m *bam.Map)
}

// Result describes a completed copy.
type Result struct {
	// Settings are the resolved settings of the run.
	Settings  transfer.Settings
	BAMMode   transfer.BAMMode
	Map       *bam.Map
	Processed int
	Total     int

	warnings []string
}

// Warnings returns the warnings of the run. A copy with warnings completed,
// but not every sector could be copied or some option was downgraded.
func (r *Result) Warnings() []string { return r.warnings }

// Failed lists the sectors left in error state.
func (r *Result) Failed() []geometry.TS {
	if r.Map == nil {
		return nil
	}
	return r.Map.Sectors(transfer.Error)
}

// run is the state of one CopyDisk call.
type run struct {
	src, dst   Endpoint
	srcT, dstT transfer.Transport
	s          transfer.Settings
	opt        Options
	res        *Result

	// drive is the drive end, nil for image to image copies.
	drive   *Endpoint
	srcOpen bool
	dstOpen bool
	// autoEnd is set when the end track was not given.
	autoEnd bool
}

// CopyDisk copies the disk in src to dst. A returned error is structural
// and aborts the copy; sector errors are retried and finally reported
// through Result.
func CopyDisk(ctx context.Context, src, dst Endpoint, opt Options) (*Result, error) {
	r := &run{src: src, dst: dst, opt: opt, res: &Result{}}
	if opt.Settings != nil {
		r.s = *opt.Settings
	} else {
		r.s = *transfer.DefaultSettings()
	}
	r.opt.Message = r.collect(opt.Message)

	err := r.copy(ctx)
	r.res.Settings = r.s
	if err != nil {
		if ctx.Err() != nil {
			r.abort()
			return r.res, errors.Wrap(ctx.Err(), "copy canceled")
		}
		r.opt.Message.Printf(transfer.SevFatal, "%v", err)
		if errors.Is(err, proto.ErrLink) && r.drive != nil {
			r.abort()
			return r.res, err
		}
		r.closeAll(context.Background())
		return r.res, err
	}
	return r.res, nil
}

// collect records warnings before passing messages on.
func (r *run) collect(next transfer.MessageFunc) transfer.MessageFunc {
	return func(sev transfer.Severity, format string, args ...interface{}) {
		if sev == transfer.SevWarning {
			r.res.warnings = append(r.res.warnings, fmt.Sprintf(format, args...))
		}
		next.Printf(sev, format, args...)
	}
}

func (r *run) copy(ctx context.Context) error {
	if err := r.resolve(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"src":      r.src.String(),
		"dst":      r.dst.String(),
		"format":   r.s.Geometry.Name,
		"settings": r.s.String(),
	}).Debug("starting copy")

	if err := r.openEnds(ctx); err != nil {
		return err
	}
	m, mode, err := bam.Build(ctx, r.srcT, &r.s, r.opt.Message)
	if err != nil {
		return errors.Wrap(err, "read BAM")
	}
	r.res.Map, r.res.BAMMode, r.res.Total = m, mode, m.Total
	if err := r.loop(ctx); err != nil {
		return err
	}
	return r.closeAll(ctx)
}

// abort runs after cancellation or a lost link: interrupted image writes are
// completed and drive code is stopped.
func (r *run) abort() {
	for _, t := range []transfer.Transport{r.srcT, r.dstT} {
		if c, ok := t.(transfer.Cleaner); ok {
			if err := c.Cleanup(); err != nil {
				log.WithError(err).Warn("cleanup after abort")
			}
		}
	}
	r.srcOpen, r.dstOpen = false, false
	if r.drive != nil {
		if err := r.drive.Bus.Reset(context.Background()); err != nil {
			log.WithError(err).Warn("bus reset after abort")
		}
	}
}

// closeAll closes whatever is open. Closing the destination finalizes
// images, so its error is returned.
func (r *run) closeAll(ctx context.Context) error {
	var first error
	if r.srcOpen {
		r.srcOpen = false
		if err := r.srcT.CloseDisk(ctx); err != nil {
			r.opt.Message.Printf(transfer.SevWarning, "closing source: %v", err)
		}
	}
	if r.dstOpen {
		r.dstOpen = false
		if err := r.dstT.CloseDisk(ctx); err != nil {
			first = errors.Wrap(err, "closing destination")
		}
	}
	return first
}
