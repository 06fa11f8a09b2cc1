package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/lifecycle"
	"github.com/gftdcojp/hpcds/internal/notify"
	"github.com/gftdcojp/hpcds/pkg/hpcds"
	"github.com/gftdcojp/hpcds/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var version = "dev"

type options struct {
	addr    string
	dataset string
	token   string
	journal string
	res     string
	version string
	access  string
	timeout time.Duration
	natsURL string
	prefix  string
	output  string
	verbose bool
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", hpcds.DefaultServerURL, "datastore server URL")
	flag.StringVar(&o.dataset, "dataset", os.Getenv("HPCDS_DATASET"), "dataset id")
	flag.StringVar(&o.token, "token", os.Getenv("HPCDS_TOKEN"), "bearer token")
	flag.StringVar(&o.journal, "journal", defaultJournal(), "lease journal path (empty disables)")
	flag.StringVar(&o.res, "res", "1,1,1", "resolution level as x,y,z")
	flag.StringVar(&o.version, "version", "latest", "dataset version (number, latest or mixedLatest)")
	flag.StringVar(&o.access, "access", "", "access mode: read, write or read-write")
	flag.DurationVar(&o.timeout, "timeout", hpcds.DefaultLeaseTimeout, "lease timeout")
	flag.StringVar(&o.natsURL, "nats", nats.DefaultURL, "NATS URL for watch")
	flag.StringVar(&o.prefix, "prefix", "hpcds", "notification subject prefix")
	flag.StringVar(&o.output, "o", "", "write the block read to this file")
	flag.BoolVar(&o.verbose, "v", false, "verbose logging")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("hpcds-ctl %s\n", version)
	case "create":
		if len(args) < 2 {
			usageExit("usage: hpcds-ctl create <description.json>")
		}
		err = cmdCreate(ctx, o, args[1])
	case "info":
		err = cmdInfo(ctx, o)
	case "delete":
		if len(args) < 2 {
			usageExit("usage: hpcds-ctl delete <dataset>")
		}
		err = cmdDelete(ctx, o, args[1])
	case "read":
		if len(args) < 7 {
			usageExit("usage: hpcds-ctl read <x> <y> <z> <t> <c> <a>")
		}
		err = cmdRead(ctx, o, args[1:7])
	case "write":
		if len(args) < 8 {
			usageExit("usage: hpcds-ctl write <x> <y> <z> <t> <c> <a> <file>")
		}
		err = cmdWrite(ctx, o, args[1:7], args[7])
	case "stop":
		err = cmdStop(ctx, o)
	case "gc":
		err = cmdGC(ctx, o)
	case "watch":
		err = cmdWatch(ctx, o)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `hpcds-ctl - HPC datastore client CLI

Usage:
  hpcds-ctl [flags] <command> [args]

Commands:
  create <description.json>      Create a dataset and print its id
  info                           Show the dataset description and journaled leases
  delete <dataset>               Delete a dataset
  read <x y z t c a>             Read one block
  write <x y z t c a> <file>     Write one encoded block from file
  stop                           Stop the lease for -res/-version/-access
  gc                             Drop journaled leases whose endpoint is gone
  watch                          Print block notifications for the dataset
  version                        Show version

Flags:
  -addr string      datastore server URL (default "http://localhost:9080")
  -dataset string   dataset id (default $HPCDS_DATASET)
  -res string       resolution level (default "1,1,1")
  -version string   dataset version (default "latest")
  -access string    access mode (default depends on command)
  -timeout duration lease timeout (default 10s)
  -journal string   lease journal path`)
}

func usageExit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func defaultJournal() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hpcds", "leases.db")
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newClient(o options) (*hpcds.Client, error) {
	if o.journal != "" {
		if err := os.MkdirAll(filepath.Dir(o.journal), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	return hpcds.New(hpcds.Config{
		ServerURL:    o.addr,
		Dataset:      o.dataset,
		Token:        o.token,
		LeaseTimeout: o.timeout,
		JournalPath:  o.journal,
		Logger:       newLogger(o.verbose),
	})
}

// open acquires or reuses a lease. The client is detached afterwards so the
// lease stays in the journal for later invocations.
func open(ctx context.Context, c *hpcds.Client, o options, def hpcds.AccessMode) (*hpcds.BlockClient, error) {
	res, err := parsePoint(o.res)
	if err != nil {
		return nil, err
	}
	v, err := hpcds.ParseVersion(o.version)
	if err != nil {
		return nil, err
	}
	access := def
	if o.access != "" {
		if access, err = hpcds.ParseAccessMode(o.access); err != nil {
			return nil, err
		}
	}
	return c.Open(ctx, res, v, access)
}

func cmdCreate(ctx context.Context, o options, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	desc, err := hpcds.ParseDescription(data)
	if err != nil {
		return err
	}
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	id, err := c.CreateDataset(ctx, desc)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdInfo(ctx context.Context, o options) error {
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	desc, err := c.LoadDescription(ctx)
	if err != nil {
		return err
	}
	fmt.Print(desc.String())

	journal := c.Journal()
	if journal == nil {
		return nil
	}
	leases, err := journal.ListLeases(ctx, c.Dataset())
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tENDPOINT\tACQUIRED\tEXPIRES")
	for _, l := range leases {
		expires := "never"
		if l.Bounded() {
			expires = humanize.Time(l.ExpiresAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Key, l.Endpoint, humanize.Time(l.AcquiredAt), expires)
	}
	return w.Flush()
}

func cmdDelete(ctx context.Context, o options, id string) error {
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	ok, err := c.DeleteDataset(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("dataset %s deleted\n", id)
	} else {
		fmt.Printf("dataset %s not found\n", id)
	}
	return nil
}

func cmdRead(ctx context.Context, o options, coord []string) error {
	bc6, err := parseBlock(coord)
	if err != nil {
		return err
	}
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	bc, err := open(ctx, c, o, hpcds.AccessRead)
	if err != nil {
		return err
	}
	b, err := bc.Read(ctx, bc6)
	if err != nil {
		return err
	}
	if b.Absent() {
		fmt.Printf("%s: no data\n", bc6)
		return nil
	}
	fmt.Printf("%s: size %s, %s, %s\n", bc6, b.Size, b.Type, humanize.Bytes(uint64(len(b.Data))))

	if o.output != "" {
		raw, err := b.Encode()
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.output, raw, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func cmdWrite(ctx context.Context, o options, coord []string, path string) error {
	bc6, err := parseBlock(coord)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	bc, err := open(ctx, c, o, hpcds.AccessWrite)
	if err != nil {
		return err
	}
	b, next, err := block.DecodeAt(raw, 0, bc.VoxelType())
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if next != len(raw) {
		return fmt.Errorf("%s: %d trailing bytes after block", path, len(raw)-next)
	}
	b.Coordinate = bc6
	if err := bc.Write(ctx, bc6, b); err != nil {
		return err
	}
	fmt.Printf("%s: wrote %s\n", bc6, humanize.Bytes(uint64(len(raw))))
	return nil
}

func cmdStop(ctx context.Context, o options) error {
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	bc, err := open(ctx, c, o, hpcds.AccessRead)
	if err != nil {
		return err
	}
	endpoint := bc.Endpoint()
	if err := bc.Stop(ctx); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", endpoint)
	return nil
}

func cmdGC(ctx context.Context, o options) error {
	c, err := newClient(o)
	if err != nil {
		return err
	}
	defer c.Detach()

	journal := c.Journal()
	if journal == nil {
		return fmt.Errorf("no lease journal configured")
	}
	n, err := lifecycle.CollectOrphans(ctx, journal, c.LeaseManager(), c.Dataset(), newLogger(o.verbose))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale lease(s)\n", n)
	return nil
}

func cmdWatch(ctx context.Context, o options) error {
	if o.dataset == "" {
		return hpcds.ErrInvalidDataset
	}
	logger := newLogger(o.verbose)
	nc, err := natsutil.Connect(config.NotifyConfig{
		URL:            o.natsURL,
		ConnectionName: "hpcds-ctl",
		MaxReconnects:  -1,
		ReconnectWait:  config.Duration(2 * time.Second),
	}, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOP\tBLOCK\tSIZE\tBYTES\tOBJECT")
	w.Flush()
	sub, err := notify.Subscribe(nc, o.prefix, o.dataset, logger, func(ev notify.Event) {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.TimeOnly), ev.Op, ev.Coordinate, ev.Size,
			humanize.Bytes(uint64(ev.Bytes)), ev.ObjectKey)
		w.Flush()
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func parsePoint(s string) (hpcds.Point3D, error) {
	v, err := parseInts(strings.Split(s, ","), 3)
	if err != nil {
		return hpcds.Point3D{}, fmt.Errorf("resolution %q: %w", s, err)
	}
	return hpcds.Point3D{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseBlock(args []string) (hpcds.Block6D, error) {
	v, err := parseInts(args, 6)
	if err != nil {
		return hpcds.Block6D{}, fmt.Errorf("block coordinate: %w", err)
	}
	c := hpcds.Block6D{X: v[0], Y: v[1], Z: v[2], Time: v[3], Channel: v[4], Angle: v[5]}
	return c, c.Validate()
}

func parseInts(parts []string, n int) ([]int, error) {
	if len(parts) != n {
		return nil, fmt.Errorf("need %d values, got %d", n, len(parts))
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
