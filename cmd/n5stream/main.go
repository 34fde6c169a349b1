// n5stream opens an N5 container, local or in an object store, and reports
// how a viewer would see one (time point, level) of a dataset: served as a
// zero placeholder because the time point has not been written yet, or
// loaded block by block through the shared fetch queue.
//
// Usage:
//
//	n5stream --root s3://bucket/exp.n5 --dataset pos0 --t 12 --level 1
//	n5stream --root s3://bucket/exp.n5 --dataset pos0 --sidecar
//	n5stream --root s3://bucket/exp.n5 --dataset pos0 --put-sidecar metadata.txt
package main

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if stderr.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile  string
	root        string
	dataset     string
	elementType string
	t           int
	level       int
	channel     int
	sidecar     bool
	putSidecar  string
	metrics     bool
	strategy    string
}

func parseFlags(args []string) (*options, error) {
	var opts options

	fs := pflag.NewFlagSet("n5stream", pflag.ContinueOnError)
	fs.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&opts.root, "root", "", "container root: path, s3://bucket/prefix or http(s)://bucket.label.host/prefix")
	fs.StringVar(&opts.dataset, "dataset", "", "dataset path inside the container")
	fs.StringVar(&opts.elementType, "type", "uint16", "element type to read as")
	fs.IntVar(&opts.t, "t", 0, "time point")
	fs.IntVar(&opts.level, "level", 0, "resolution level")
	fs.IntVar(&opts.channel, "channel", 0, "channel of 5-D datasets")
	fs.BoolVar(&opts.sidecar, "sidecar", false, "print the dataset's parsed metadata.txt")
	fs.StringVar(&opts.putSidecar, "put-sidecar", "", "upload FILE as the dataset's metadata.txt")
	fs.BoolVar(&opts.metrics, "metrics", false, "serve Prometheus metrics until interrupted")
	fs.StringVar(&opts.strategy, "strategy", "volatile", "loading strategy: volatile, blocking or dont-load")
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if opts.root == "" {
		return nil, fmt.Errorf("--root is required")
	}
	return &opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	app, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if opts.putSidecar != "" {
		if err := app.putSidecar(ctx, opts.dataset, opts.putSidecar); err != nil {
			return err
		}
		fmt.Fprintf(out, "uploaded %s as %s metadata\n", opts.putSidecar, opts.dataset)
	}
	if opts.sidecar {
		if err := app.printSidecar(ctx, out, opts.dataset); err != nil {
			return err
		}
	}
	if opts.dataset != "" && !opts.sidecar && opts.putSidecar == "" {
		if err := app.inspect(ctx, out, opts); err != nil {
			return err
		}
	}

	if opts.metrics {
		app.logger.Info("serving metrics, interrupt to stop", "port", app.config.Global.MetricsPort)
		<-ctx.Done()
	}
	return nil
}
