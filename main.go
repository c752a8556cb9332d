package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/ybhmedia/compilation-api/api"
	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/config"
	"github.com/ybhmedia/compilation-api/copier"
	"github.com/ybhmedia/compilation-api/handlers"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/pipeline"
	"github.com/ybhmedia/compilation-api/share"
	"github.com/ybhmedia/compilation-api/store"
	"github.com/ybhmedia/compilation-api/verification"
	"github.com/ybhmedia/compilation-api/video"
	"github.com/ybhmedia/compilation-api/warehouse"
	"github.com/ybhmedia/compilation-api/watchdog"
)

func main() {
	fs := flag.NewFlagSet("compilation-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.Mode, "mode", "all", "Which roles this process runs: api, worker or all")
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8090", "Address to bind for the public compilation API")
	fs.IntVar(&cli.MetricsPort, "metrics-port", 2112, "Prometheus metrics listen port")

	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection URL for job state")
	fs.StringVar(&cli.BrokerURL, "broker-url", "redis://127.0.0.1:6379/0", "Redis URL for the task broker")
	fs.StringVar(&cli.WarehouseProject, "warehouse-project", "", "Google Cloud project holding the video catalog dataset")
	fs.StringVar(&cli.WarehouseCredsFile, "warehouse-credentials", "", "Path to the service account key for the warehouse. Uses application default credentials when empty")

	fs.StringVar(&cli.ShareHost, "share-host", config.DefaultShareHost, "File server host the media shares live on; used to canonicalize item paths")
	config.CommaSliceFlag(fs, &cli.ShareMounts, "share-mounts", []string{}, "Mount points to keep alive on worker hosts. Defaults to the known share mounts")
	fs.BoolVar(&cli.ContainerMode, "container", false, "Force container path mapping for the shares")

	hostname, _ := os.Hostname()
	fs.StringVar(&cli.WorkerName, "worker-name", hostname, "Name this worker registers with the broker")
	config.CommaSliceFlag(fs, &cli.WorkerQueues, "worker-queues", []string{config.QueueDefault}, "Queues this worker consumes, in priority order")

	fs.StringVar(&cli.FFmpegPath, "ffmpeg-path", "ffmpeg", "Path to the ffmpeg binary")
	fs.StringVar(&cli.FFprobePath, "ffprobe-path", "", "Path to the ffprobe binary. Uses PATH lookup when empty")
	fs.StringVar(&cli.LogDir, "log-dir", "", "Directory for per-job and per-user log files")
	fs.StringVar(&cli.TempDir, "temp-dir", os.TempDir(), "Scratch directory for in-flight compilations")
	fs.StringVar(&cli.OutputDir, "output-dir", "", "Root directory finished compilations are published to")
	config.CommaSliceFlag(fs, &cli.CORSOrigins, "cors-origins", []string{}, "Allowed CORS origins. Empty allows any origin")

	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("COMPILATION_API"),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("compilation-api version: %s\n", config.Version)
		return
	}

	if err := cli.Validate(); err != nil {
		fatalf("invalid configuration: %s", err)
	}

	if cli.FFprobePath != "" {
		ffprobe.SetFFProbeBinPath(cli.FFprobePath)
	}

	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		fatalf("error opening postgres connection: %s", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	jobStore := store.NewStore(db)

	brokerClient, err := broker.NewClient(cli.BrokerURL)
	if err != nil {
		fatalf("error connecting to broker: %s", err)
	}

	warehouseClient, err := warehouse.NewClient(context.Background(), cli.WarehouseProject, cli.WarehouseCredsFile)
	if err != nil {
		fatalf("error creating warehouse client: %s", err)
	}

	container := cli.ContainerMode || config.InContainer()
	normalizer := share.Normalizer{Host: cli.ShareHost, Container: container}
	engine := &copier.Engine{Container: container}
	dispatcher := &broker.Dispatcher{Tasks: brokerClient, Jobs: jobStore}

	// Root context; cancelling it prompts every component to shut down.
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	go func() {
		if err := metrics.ListenAndServe(cli.MetricsPort); err != nil {
			log.LogNoJobID("metrics server stopped", "err", err)
		}
	}()

	if cli.IsAPI() {
		verifier := verification.Service{
			Warehouse:  warehouseClient,
			Prober:     video.Probe{},
			Normalizer: normalizer,
		}
		apiHandlers := &handlers.APIHandlersCollection{
			Store:      jobStore,
			Warehouse:  warehouseClient,
			Dispatcher: dispatcher,
			Broker:     brokerClient,
			Verifier:   verifier,
			Copier:     engine,
			LogDir:     cli.LogDir,
			TempDir:    cli.TempDir,
		}
		group.Go(func() error {
			return api.ListenAndServe(ctx, cli.HTTPAddress, cli.CORSOrigins, apiHandlers)
		})

		detector := &watchdog.StaleDetector{Jobs: jobStore, Tasks: brokerClient, Dispatcher: dispatcher}
		group.Go(func() error {
			detector.Run(ctx)
			return nil
		})
	}

	if cli.IsWorker() {
		worker := &pipeline.Worker{
			Name:       cli.WorkerName,
			Store:      jobStore,
			Resolver:   warehouseClient,
			Tasks:      brokerClient,
			Copier:     engine,
			Prober:     video.Probe{},
			Normalizer: normalizer,
			FFmpegPath: cli.FFmpegPath,
			TempDir:    cli.TempDir,
			OutputRoot: cli.OutputDir,
			LogDir:     cli.LogDir,
		}
		worker.Prefetch = &pipeline.Prefetcher{
			Jobs:     jobStore,
			Reserved: brokerClient,
			Copier:   engine,
			TempDir:  cli.TempDir,
			Planner:  worker.PlanCopies,
		}
		runner := &pipeline.Runner{
			Name:   cli.WorkerName,
			Queues: cli.WorkerQueues,
			Broker: brokerClient,
			Worker: worker,
		}
		group.Go(func() error {
			return runner.Run(ctx)
		})

		mounts := cli.ShareMounts
		if len(mounts) == 0 {
			mounts = share.Mounts()
		}
		keepAlive := &watchdog.KeepAlive{Mounts: mounts}
		group.Go(func() error {
			keepAlive.Run(ctx)
			return nil
		})
	}

	err = group.Wait()
	log.LogNoJobID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoJobID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
