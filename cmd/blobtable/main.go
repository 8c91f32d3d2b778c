// Command blobtable stores and retrieves versioned segmented blobs backed
// by a row store.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/blobtable/rowstore"
	"github.com/wolfeidau/blobtable/rowstore/boltrow"
	"github.com/wolfeidau/blobtable/rowstore/dynamorow"
	"github.com/wolfeidau/blobtable/store"
)

var cli struct {
	Store         string        `help:"Row store backend (bolt, dynamodb, memory)." enum:"bolt,dynamodb,memory" default:"bolt"`
	Path          string        `help:"Database file path for the bolt backend." default:"blobtable.db"`
	TablePrefix   string        `help:"Table name prefix for the dynamodb backend." default:"blobtable"`
	SegmentLength int           `help:"Segment length in bytes for new blobs." default:"262144"`
	SegmentTTL    time.Duration `help:"Write-back cache TTL for segments." default:"1m"`
	LogLevel      string        `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat     string        `help:"Log format (text, json)." enum:"text,json" default:"text"`

	Put PutCmd `cmd:"" help:"Store a file as a new blob version."`
	Get GetCmd `cmd:"" help:"Read a blob version to a file or stdout."`
	Ls  LsCmd  `cmd:"" help:"List blob versions."`
	Rm  RmCmd  `cmd:"" help:"Remove a blob or a single version."`
}

type appContext struct {
	store  *store.Store
	logger *slog.Logger
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("blobtable"),
		kong.Description("Segmented blob storage over a row store with write-back caching."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rows, cleanup, err := openRows(ctx, logger)
	kctx.FatalIfErrorf(err)
	defer cleanup()

	s, err := store.New(rows,
		store.WithLogger(logger),
		store.WithSegmentLength(cli.SegmentLength),
		store.WithSegmentCacheTTL(cli.SegmentTTL, cli.SegmentTTL/2),
	)
	kctx.FatalIfErrorf(err)

	err = s.Start(ctx)
	kctx.FatalIfErrorf(err)
	defer s.Stop()

	err = kctx.Run(&appContext{store: s, logger: logger})
	kctx.FatalIfErrorf(err)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(handler), nil
}

func openRows(ctx context.Context, logger *slog.Logger) (rowstore.Store, func(), error) {
	switch cli.Store {
	case "bolt":
		s, err := boltrow.Open(cli.Path, boltrow.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store %s: %w", cli.Path, err)
		}
		return s, func() { _ = s.Close() }, nil
	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws config: %w", err)
		}
		s := dynamorow.New(dynamodb.NewFromConfig(cfg),
			dynamorow.WithLogger(logger),
			dynamorow.WithTablePrefix(cli.TablePrefix),
		)
		return s, func() {}, nil
	case "memory":
		return rowstore.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cli.Store)
	}
}

// PutCmd streams a local file into the store as a new version of a blob.
type PutCmd struct {
	Name    string            `arg:"" help:"Blob name."`
	File    string            `arg:"" help:"File to store, or - for stdin."`
	Version int               `help:"Pin an exact version instead of appending."`
	Meta    map[string]string `help:"Metadata key=value pairs stored with the blob."`
}

func (c *PutCmd) Run(app *appContext) error {
	ctx := context.Background()

	var in io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	opts := []store.StreamOption{}
	if c.Version > 0 {
		opts = append(opts, store.WithVersion(c.Version))
	}
	if len(c.Meta) > 0 {
		meta := make(map[string]any, len(c.Meta))
		for k, v := range c.Meta {
			meta[k] = v
		}
		opts = append(opts, store.WithMetadata(meta))
	}

	w, err := app.store.CreateStream(ctx, c.Name, opts...)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, in); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing blob %s: %w", c.Name, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	blob := w.Blob()
	app.logger.Info("stored blob",
		"name", blob.Name,
		"version", blob.Version,
		"length", blob.Length,
		"segments", blob.SegmentCount,
	)
	return nil
}

// GetCmd streams a blob version out of the store.
type GetCmd struct {
	Name    string `arg:"" help:"Blob name."`
	Out     string `help:"Destination file, or - for stdout." default:"-"`
	Version int    `help:"Read an exact version instead of the latest."`
	Offset  int64  `help:"Start reading at this byte offset."`
	Rate    int    `help:"Throttle reads to this many bytes per second."`
}

func (c *GetCmd) Run(app *appContext) error {
	ctx := context.Background()

	opts := []store.StreamOption{}
	if c.Version > 0 {
		opts = append(opts, store.WithVersion(c.Version))
	}
	if c.Rate > 0 {
		opts = append(opts, store.WithRateLimit(c.Rate))
	}

	r, err := app.store.OpenStream(ctx, c.Name, opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	if c.Offset > 0 {
		if _, err := r.Seek(c.Offset, io.SeekStart); err != nil {
			return err
		}
	}

	var out io.Writer = os.Stdout
	if c.Out != "-" {
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	n, err := io.Copy(out, r)
	if err != nil {
		return fmt.Errorf("reading blob %s: %w", c.Name, err)
	}

	app.logger.Info("read blob", "name", c.Name, "version", r.Blob().Version, "bytes", n)
	return nil
}

// LsCmd lists every version of a blob.
type LsCmd struct {
	Name string `arg:"" help:"Blob name."`
}

func (c *LsCmd) Run(app *appContext) error {
	blobs, err := app.store.GetBlobs(context.Background(), c.Name)
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		return fmt.Errorf("no blob named %q", c.Name)
	}

	for _, b := range blobs {
		fmt.Printf("%s\tv%d\t%d bytes\t%d segments\t%s\n",
			b.Name, b.Version, b.Length, b.SegmentCount,
			b.TimeCreated.Format(time.RFC3339),
		)
	}
	return nil
}

// RmCmd removes a blob, or one version of it.
type RmCmd struct {
	Name    string `arg:"" help:"Blob name."`
	Version int    `help:"Remove only this version."`
}

func (c *RmCmd) Run(app *appContext) error {
	ctx := context.Background()

	if c.Version > 0 {
		if err := app.store.RemoveBlobVersion(ctx, c.Name, c.Version); err != nil {
			return err
		}
		app.logger.Info("removed blob version", "name", c.Name, "version", c.Version)
		return nil
	}

	if err := app.store.RemoveBlob(ctx, c.Name); err != nil {
		return err
	}
	app.logger.Info("removed blob", "name", c.Name)
	return nil
}
