package copier

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/gcr"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// stride returns the first pass visiting order of the needed sectors of a
// row: advance by interleave, then forward to the next needed sector.
func stride(row []transfer.SectorStatus, interleave int) []int {
	n := len(row)
	left := 0
	for _, st := range row {
		if st.Needed() {
			left++
		}
	}
	order := make([]int, 0, left)
	if left == 0 {
		return order
	}
	taken := make([]bool, n)
	se := 0
	for left > 0 {
		for !row[se].Needed() || taken[se] {
			se = (se + 1) % n
		}
		order = append(order, se)
		taken[se] = true
		left--
		se = (se + interleave) % n
	}
	return order
}

// ascending returns the needed sectors of a row in sector order.
func ascending(row []transfer.SectorStatus) []int {
	var order []int
	for se, st := range row {
		if st.Needed() {
			order = append(order, se)
		}
	}
	return order
}

func countNeeded(row []transfer.SectorStatus) int {
	n := 0
	for _, st := range row {
		if st.Needed() {
			n++
		}
	}
	return n
}

func (r *run) status(st Status) error {
	if r.opt.Status == nil {
		return nil
	}
	st.Processed, st.Total, st.Map = r.res.Processed, r.res.Total, r.res.Map
	if err := r.opt.Status(st); err != nil {
		return proto.NewStatusErr(proto.StatusCanceled, "copy aborted by status callback: %v", err)
	}
	return nil
}

// loop copies every track of the range.
func (r *run) loop(ctx context.Context) error {
	if err := r.status(Status{}); err != nil {
		return err
	}
	warpRead := r.s.UseWarp() && r.srcT.IsCBMDrive()
	for _, track := range r.s.Geometry.TrackOrder(r.s.StartTrack, r.s.EndTrack, r.s.ZigZag) {
		if err := r.track(ctx, track, warpRead); err != nil {
			return err
		}
		if r.opt.TrackDone != nil {
			r.opt.TrackDone(track, r.res.Map)
		}
	}
	if failed := r.res.Map.Count(transfer.Error); failed > 0 {
		r.opt.Message.Printf(transfer.SevWarning, "%d sectors could not be copied", failed)
	}
	return nil
}

// track runs up to Retries+1 passes over the needed sectors of one track.
func (r *run) track(ctx context.Context, track int, warpRead bool) error {
	row := r.res.Map.Track(track)
	if countNeeded(row) == 0 {
		return nil
	}
	failed := 0
	for pass := 0; pass <= r.s.Retries; pass++ {
		var err error
		if warpRead {
			failed, err = r.warpPass(ctx, track, row)
		} else {
			order := ascending(row)
			if pass == 0 {
				order = stride(row, r.s.Interleave)
			}
			failed, err = r.blockPass(ctx, track, row, order)
		}
		if err != nil {
			return err
		}
		if failed == 0 {
			return nil
		}
		if pass < r.s.Retries {
			log.WithFields(log.Fields{"track": track, "errors": failed, "pass": pass + 1}).Debug("retrying track")
		}
	}
	r.opt.Message.Printf(transfer.SevWarning, "track %d: %d sectors failed after %d attempts", track, failed, r.s.Retries+1)
	return nil
}

// canceled checks ctx between sectors.
func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "copy canceled")
	}
	return nil
}

// blockPass copies the sectors in order with plain block reads.
func (r *run) blockPass(ctx context.Context, track int, row []transfer.SectorStatus, order []int) (int, error) {
	buf := make([]byte, gcr.BufSize)
	failed := 0
	for _, se := range order {
		if err := canceled(ctx); err != nil {
			return failed, err
		}
		block := buf[:gcr.BlockSize]
		rerr := r.srcT.ReadBlock(ctx, track, se, block)
		if rerr != nil && ctx.Err() != nil {
			return failed, canceled(ctx)
		}
		st := Status{Track: track, Sector: se, ReadResult: proto.Code(rerr)}
		if rerr != nil {
			st.WriteResult = r.placeholder(ctx, track, se, block, rerr)
			r.sectorFailed(track, se, "read", rerr)
			row[se] = transfer.Error
			failed++
		} else {
			werr := r.write(ctx, track, se, buf)
			if werr != nil && ctx.Err() != nil {
				return failed, canceled(ctx)
			}
			st.WriteResult = proto.Code(werr)
			if werr != nil {
				r.sectorFailed(track, se, "write", werr)
				row[se] = transfer.Error
				failed++
			} else {
				row[se] = transfer.Copied
				r.res.Processed++
			}
		}
		if err := r.status(st); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// warpPass sends the track map and takes the sectors in the order the drive
// streams them. A failed sector ends the stream; the sectors it did not
// serve stay needed for the next pass. A link failure or a sector the map
// did not ask for leaves the stream position unknown and ends the copy.
func (r *run) warpPass(ctx context.Context, track int, row []transfer.SectorStatus) (int, error) {
	if err := canceled(ctx); err != nil {
		return 0, err
	}
	count := countNeeded(row)
	if err := r.srcT.SendTrackMap(ctx, track, row, count); err != nil {
		if ctx.Err() != nil {
			return count, canceled(ctx)
		}
		if errors.Is(err, proto.ErrLink) {
			return count, err
		}
		r.opt.Message.Printf(transfer.SevWarning, "track %d: can't send track map: %v", track, err)
		return count, nil
	}
	g := make([]byte, gcr.BufSize)
	block := make([]byte, gcr.BufSize)
	for i := 0; i < count; i++ {
		if err := canceled(ctx); err != nil {
			return countNeeded(row), err
		}
		se, rerr := r.srcT.ReadGCRBlock(ctx, g)
		if rerr != nil && ctx.Err() != nil {
			return countNeeded(row), canceled(ctx)
		}
		if errors.Is(rerr, proto.ErrLink) {
			return countNeeded(row), rerr
		}
		if se < 0 || se >= len(row) || !row[se].Needed() {
			return countNeeded(row), proto.Link("read gcr block", errors.Errorf("track %d: drive served unexpected sector %d", track, se))
		}
		// the drive ends its stream after reporting a failure
		endOfStream := rerr != nil
		if rerr == nil {
			if derr := gcr.Decode(block, g); derr != nil {
				rerr = proto.NewDriveError(gcr.Code(derr) + 18)
			}
		}
		st := Status{Track: track, Sector: se, ReadResult: proto.Code(rerr)}
		if rerr != nil {
			st.WriteResult = r.placeholder(ctx, track, se, block, rerr)
			r.sectorFailed(track, se, "read", rerr)
			row[se] = transfer.Error
			if err := r.status(st); err != nil {
				return countNeeded(row), err
			}
			if endOfStream {
				break
			}
			continue
		}
		werr := r.write(ctx, track, se, block)
		if werr != nil && ctx.Err() != nil {
			return countNeeded(row), canceled(ctx)
		}
		st.WriteResult = proto.Code(werr)
		if werr != nil {
			r.sectorFailed(track, se, "write", werr)
			row[se] = transfer.Error
		} else {
			row[se] = transfer.Copied
			r.res.Processed++
		}
		if err := r.status(st); err != nil {
			return countNeeded(row), err
		}
	}
	return countNeeded(row), nil
}

// write stores one block at the destination. buf holds the plain block and
// room for its GCR form, which warp drive destinations receive.
func (r *run) write(ctx context.Context, track, sector int, buf []byte) error {
	if r.s.UseWarp() && r.dstT.IsCBMDrive() {
		g := make([]byte, gcr.BufSize)
		if err := gcr.Encode(g, buf[:gcr.BlockSize]); err != nil {
			return err
		}
		return r.dstT.WriteBlock(ctx, track, sector, g[:gcr.EncodedSize], proto.DOSOk)
	}
	return r.dstT.WriteBlock(ctx, track, sector, buf[:gcr.BlockSize], proto.DOSOk)
}

// placeholder writes the block of a failed read to an image destination so
// that its error map records the read status. It returns the write result.
func (r *run) placeholder(ctx context.Context, track, sector int, block []byte, rerr error) int {
	code := proto.Code(rerr)
	if r.dstT.IsCBMDrive() || code <= 0 {
		return proto.DOSOk
	}
	err := r.dstT.WriteBlock(ctx, track, sector, block[:gcr.BlockSize], code)
	if err != nil {
		log.WithFields(log.Fields{"track": track, "sector": sector}).WithError(err).Debug("placeholder write failed")
	}
	return proto.Code(err)
}

func (r *run) sectorFailed(track, sector int, op string, err error) {
	log.WithFields(log.Fields{
		"track":  track,
		"sector": sector,
		"op":     op,
	}).WithError(err).Debug("sector failed")
	r.opt.Message.Printf(transfer.SevDebug, "%s error on %d/%d: %v", op, track, sector, err)
}
