package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cbmcopy/internal/bam"
	"cbmcopy/internal/cbm"
	"cbmcopy/internal/config"
	"cbmcopy/internal/copier"
	"cbmcopy/internal/drivecode"
	"cbmcopy/internal/drivesim"
	"cbmcopy/internal/logging"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
	"cbmcopy/internal/version"
)

// options are the flags of the copy command.
type options struct {
	configPath string
	adapter    string
	driveCode  string

	transfer   string
	interleave int
	retries    int
	startTrack int
	endTrack   int
	warp       bool
	noWarp     bool
	twoSided   bool
	bamMode    string
	errorMap   string
	driveType  string
	format     string
	timeout    time.Duration

	verbose bool
	quiet   bool
	strict  bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "cbmcopy [flags] SRC DST",
		Short: "Copy disks between Commodore drives and image files",
		Long: `Copy a whole disk between a Commodore disk drive and a .d64, .d71, .d80,
.d81 or .d82 image file, or between two image files.

A numeric SRC or DST selects a drive (device 8-30) on the adapter, anything
else is an image file. Each finished track prints a disk map line:
'*' copied, '?' error, '.' skipped.`,
		Args: func(cmd *cobra.Command, args []string) error {
			return usage(cobra.ExactArgs(2)(cmd, args))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.copy(cmd, args[0], args[1])
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usage(err) })

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "JSON file with default settings")
	f.StringVar(&o.adapter, "adapter", "", `bus adapter, "name" or "name:arg" (sim:disk.d64[,xp])`)
	f.StringVar(&o.driveCode, "drive-code", "", "directory holding the drive programs")
	f.StringVarP(&o.transfer, "transfer", "t", "", "transfer mode: auto, serial1, serial2, parallel, burst, original")
	f.IntVarP(&o.interleave, "interleave", "i", -1, "sector interleave, -1 for the transfer mode default")
	f.IntVarP(&o.retries, "retries", "r", 0, "retries per track after the first pass")
	f.IntVarP(&o.startTrack, "start-track", "s", 1, "first track to copy")
	f.IntVarP(&o.endTrack, "end-track", "e", 0, "last track to copy, 0 for the last track of the format")
	f.BoolVarP(&o.warp, "warp", "w", false, "force warp mode")
	f.BoolVar(&o.noWarp, "no-warp", false, "disable warp mode")
	f.BoolVarP(&o.twoSided, "two-sided", "2", false, "copy both sides of a 1571 or 8250 disk")
	f.StringVarP(&o.bamMode, "bam-mode", "b", "", "sectors to copy: ignore (all), allocated, save")
	f.StringVarP(&o.errorMap, "error-map", "E", "", "append an error map to images: always, on_error, never")
	f.StringVarP(&o.driveType, "drive-type", "d", "", "drive type (1541, 1571, 1581, 8050, ...), default: ask the drive")
	f.StringVarP(&o.format, "format", "f", "", "disk format (d64, d71, d80, d81, d82), default: image extension")
	f.DurationVar(&o.timeout, "timeout", 0, "timeout for one block transfer")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "only log warnings and errors, no disk map")
	f.BoolVar(&o.strict, "strict", false, "exit with status 3 when the copy completed with warnings")

	cmd.AddCommand(newModesCmd(), newVersionCmd())
	return cmd
}

// loadConfig reads the config file and lets the flags given override it.
func (o *options) loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config")
	}
	f := cmd.Flags()
	if f.Changed("adapter") {
		cfg.Adapter = o.adapter
	}
	if f.Changed("drive-code") {
		cfg.DriveCodeDir = o.driveCode
	}
	if f.Changed("transfer") {
		cfg.Transfer = o.transfer
	}
	if f.Changed("interleave") {
		cfg.Interleave = o.interleave
	}
	if f.Changed("retries") {
		cfg.Retries = o.retries
	}
	if f.Changed("bam-mode") {
		cfg.BAMMode = o.bamMode
	}
	if f.Changed("error-map") {
		cfg.ErrorMap = o.errorMap
	}
	if f.Changed("drive-type") {
		cfg.DriveType = o.driveType
	}
	if f.Changed("timeout") {
		cfg.BlockTimeoutMS = int(o.timeout / time.Millisecond)
	}
	switch {
	case o.warp && o.noWarp:
		return cfg, usage(errors.New("--warp and --no-warp exclude each other"))
	case o.warp:
		cfg.Warp = "on"
	case o.noWarp:
		cfg.Warp = "off"
	}
	switch {
	case o.verbose && o.quiet:
		return cfg, usage(errors.New("--verbose and --quiet exclude each other"))
	case o.verbose:
		cfg.LogLevel = "debug"
	case o.quiet:
		cfg.LogLevel = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, usage(err)
	}
	return cfg, nil
}

// endpoint parses a SRC or DST argument.
func endpoint(arg string) (dev int, isDrive bool, err error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, false, nil
	}
	if n < 8 || n > 30 {
		return 0, false, usage(errors.Errorf("invalid drive number %d, use 8-30", n))
	}
	return n, true, nil
}

func (o *options) copy(cmd *cobra.Command, srcArg, dstArg string) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	s, err := config.Settings(cfg, o.format)
	if err != nil {
		return usage(err)
	}
	s.StartTrack, s.EndTrack, s.TwoSided = o.startTrack, o.endTrack, o.twoSided

	srcDev, srcDrive, err := endpoint(srcArg)
	if err != nil {
		return err
	}
	dstDev, dstDrive, err := endpoint(dstArg)
	if err != nil {
		return err
	}
	if srcDrive && dstDrive {
		return usage(errors.New("copying from drive to drive is not supported"))
	}

	var bus cbm.Bus
	if srcDrive || dstDrive {
		if bus, err = cbm.Open(cfg.Adapter); err != nil {
			return errors.Wrap(err, "open adapter")
		}
		defer func() {
			if err := bus.Shutdown(); err != nil {
				log.WithError(err).Error("adapter shutdown")
			}
		}()
	}
	ends := func(arg string, dev int, isDrive bool) copier.Endpoint {
		if isDrive {
			return copier.DriveEndpoint(bus, dev)
		}
		return copier.ImageEndpoint(arg)
	}
	src, dst := ends(srcArg, srcDev, srcDrive), ends(dstArg, dstDev, dstDrive)

	out := cmd.OutOrStdout()
	opt := copier.Options{
		Settings: s,
		Library:  library(cfg, bus),
		Message:  logging.MessageFunc(log.StandardLogger()),
	}
	if !o.quiet {
		opt.TrackDone = func(track int, m *bam.Map) {
			fmt.Fprintf(out, "%3d: %s\n", track, m.Render(track))
		}
	}

	log.WithFields(log.Fields{"src": src.String(), "dst": dst.String()}).Info("copying disk")
	res, err := copier.CopyDisk(cmd.Context(), src, dst, opt)
	if err != nil {
		if res != nil && res.Map != nil && !o.quiet {
			summary(out, res)
		}
		if proto.IsCanceled(err) {
			return err
		}
		return &reportedError{err}
	}
	if !o.quiet {
		summary(out, res)
	}
	if o.strict && len(res.Warnings()) > 0 {
		return errWarnings
	}
	return nil
}

// library picks the drive programs: a configured directory or the programs
// of a simulated drive.
func library(cfg config.Config, bus cbm.Bus) drivecode.Library {
	if cfg.DriveCodeDir != "" {
		return drivecode.DirLibrary(cfg.DriveCodeDir)
	}
	if _, ok := bus.(*drivesim.Adapter); ok {
		return drivesim.Library()
	}
	return nil
}

func summary(w io.Writer, res *copier.Result) {
	failed := res.Failed()
	fmt.Fprintf(w, "%d of %d blocks copied, %d errors (%s)\n", res.Processed, res.Total, len(failed), res.Settings.String())
	for _, ts := range failed {
		fmt.Fprintf(w, "  error at %d/%d\n", ts.Track, ts.Sector)
	}
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the transfer modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tABBREV\tINTERLEAVE\tWARP")
			for _, m := range transfer.Modes() {
				il := "-"
				if m.Interleave > 0 {
					il = strconv.Itoa(m.Interleave)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", m.Name, m.Abbrev, il, m.Warp)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cbmcopy", version.Get().String())
		},
	}
}
