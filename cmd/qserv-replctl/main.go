package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/cli"
	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/opsui"
	"github.com/lsst/qserv/internal/replica"
	storebadger "github.com/lsst/qserv/internal/storestate/badger"
	storesqlite "github.com/lsst/qserv/internal/storestate/sqlite"
)

// exit codes: 0 success, 1 parse or validation failure, 2 runtime failure.
const (
	exitOK      = 0
	exitParse   = 1
	exitRuntime = 2
)

type options struct {
	configPath string

	// verify
	maxReplicas     int
	computeChecksum bool

	// job-rebalance
	family         string
	estimateOnly   bool
	progressReport bool
	errorReport    bool

	// copy-file
	inURL      string
	outURL     string
	recordSize int64

	// worker-notify
	service    string
	notifyArgs string
	notifyCmd  string
}

func buildParser(opts *options) *cli.Parser {
	p := cli.NewParser("qserv-replctl", "Replication control plane tools").
		Option("config", "configuration file (file:<path>)", &opts.configPath)

	// Every sub-command accepts --config in its own position as well.
	withConfig := func(sub *cli.Parser) *cli.Parser {
		return sub.Option("config", "configuration file (file:<path>)", &opts.configPath)
	}

	withConfig(p.Command("verify", "continuous replica integrity sweep")).
		Option("max-replicas", "inspection window size", &opts.maxReplicas).
		Flag("compute-check-sum", "compare file checksums as well", &opts.computeChecksum)

	withConfig(p.Command("job-rebalance", "level chunk placement for a database family")).
		Required("family", "database family", &opts.family).
		Flag("estimate-only", "plan without moving chunks", &opts.estimateOnly).
		Flag("progress-report", "push live progress to the opsui feed", &opts.progressReport).
		Flag("error-report", "print per-move errors", &opts.errorReport)

	withConfig(p.Command("copy-file", "copy a file between URLs")).
		Required("inUrl", "source URL", &opts.inURL).
		Required("outUrl", "destination URL", &opts.outURL).
		Option("record-size", "I/O buffer size in bytes", &opts.recordSize)

	notify := withConfig(p.Command("worker-notify", "send a control command to one worker")).
		Option("service", "worker address host:port", &opts.service)
	notify.Command("RELOAD_CHUNK_LIST", "reload the chunk inventory")
	notify.Command("ADD_CHUNK_GROUP", "register a chunk group").
		Required("args", "chunk group arguments", &opts.notifyArgs)
	notify.Command("REMOVE_CHUNK_GROUP", "drop a chunk group").
		Required("args", "chunk group arguments", &opts.notifyArgs)
	notify.Command("TEST_ECHO", "round-trip a test string").
		Required("args", "string to echo", &opts.notifyArgs)

	return p
}

func main() {
	opts := &options{recordSize: 1 << 20, maxReplicas: 0}
	parser := buildParser(opts)

	switch parser.Parse(os.Args[1:]) {
	case cli.StatusHelpRequested:
		fmt.Print(parser.Usage())
		os.Exit(exitOK)
	case cli.StatusParsingFailed:
		fmt.Fprintf(os.Stderr, "%s\n\n%s", parser.Err(), parser.Usage())
		os.Exit(exitParse)
	}

	if sub := parser.Sub("worker-notify"); sub != nil {
		opts.notifyCmd = sub.CommandName()
	}

	config, err := common.LoadFromFiles(strings.TrimPrefix(opts.configPath, "file:"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitParse)
	}

	logger := common.SetupLogger(config)
	defer common.Stop()
	logger.Info().Str("command", parser.Serialize()).Msg("Tool invoked")

	if err := dispatchCommand(parser.CommandName(), opts, config, logger); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(exitRuntime)
	}
}

func dispatchCommand(command string, opts *options, config *common.Config, logger arbor.ILogger) error {
	switch command {
	case "copy-file":
		return runCopyFile(opts)
	case "worker-notify":
		return runWorkerNotify(opts, config, logger)
	case "verify":
		return runVerify(opts, config, logger)
	case "job-rebalance":
		return runRebalance(opts, config, logger)
	default:
		return fmt.Errorf("unhandled command %q", command)
	}
}

// newController wires the control plane's storage and fleet access.
func newController(ctx context.Context, config *common.Config, logger arbor.ILogger) (*replica.Controller, *storebadger.BadgerDB, *storesqlite.DB, error) {
	sqlDB, err := storesqlite.NewDB(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, nil, nil, err
	}
	badgerDB, err := storebadger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		sqlDB.Close()
		return nil, nil, nil, err
	}

	workers := make([]string, len(config.Czar.Workers))
	for i, w := range config.Czar.Workers {
		workers[i] = w.Name
	}

	ctrl, err := replica.NewController(ctx, replica.ControllerOptions{
		Workers:     workers,
		Storage:     storesqlite.NewJobStorage(sqlDB, logger),
		Registry:    storebadger.NewRequestRegistry(badgerDB, logger),
		Events:      storebadger.NewEventLog(badgerDB, logger),
		WorkerSvc:   replica.NewHTTPWorkerService(config.Czar.Workers, logger),
		JobDeadline: 0,
		BatchSize:   config.Controller.IndexBatchSize,
		SweepSize:   config.Controller.VerifySweepSize,
		ReportTTL:   config.Controller.ReportCacheTTL,
	}, logger)
	if err != nil {
		badgerDB.Close()
		sqlDB.Close()
		return nil, nil, nil, err
	}
	return ctrl, badgerDB, sqlDB, nil
}

func runVerify(opts *options, config *common.Config, logger arbor.ILogger) error {
	ctx := context.Background()
	ctrl, badgerDB, sqlDB, err := newController(ctx, config, logger)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	defer badgerDB.Close()

	store := storebadger.NewReplicaStore(badgerDB, logger)
	job := replica.NewVerifyJob(ctrl, store, opts.maxReplicas, opts.computeChecksum,
		func(self replica.ReplicaDiff, peers []replica.ReplicaDiff) {
			if self.NotEqual() {
				logger.Warn().
					Str("worker", self.Replica1.Worker).
					Str("database", self.Replica1.Database).
					Int("chunk", self.Replica1.Chunk).
					Str("flags", self.Flags2String()).
					Msg("Replica drifted from persisted state")
			}
			for _, diff := range peers {
				if diff.NotEqual() {
					logger.Warn().
						Str("worker", diff.Replica2.Worker).
						Str("flags", diff.Flags2String()).
						Msg("Replica disagrees with peer")
				}
			}
		}, nil)

	if err := ctrl.Submit(ctx, job); err != nil {
		return err
	}

	// The sweep runs until interrupted.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info().Msg("Interrupt received, cancelling sweep")
		job.Cancel()
	}()

	job.Wait()
	if job.ExtState() == replica.ExtFailed {
		return fmt.Errorf("verify failed: %s", job.Error().Error())
	}
	return nil
}

func runRebalance(opts *options, config *common.Config, logger arbor.ILogger) error {
	ctx := context.Background()
	ctrl, badgerDB, sqlDB, err := newController(ctx, config, logger)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	defer badgerDB.Close()

	var notify func(replica.Job)
	if opts.progressReport && config.WebSocket.Enabled {
		feed := opsui.NewFeed(&config.WebSocket, logger)
		go func() {
			if err := feed.Serve(); err != nil {
				logger.Warn().Err(err).Msg("Progress feed stopped")
			}
		}()
		notify = func(j replica.Job) {
			feed.NotifyJob(j.ID(), j.Kind(), string(j.State()), string(j.ExtState()))
		}
	}

	job, err := replica.NewRebalanceJob(ctrl, opts.family, opts.estimateOnly, notify)
	if err != nil {
		return err
	}
	if err := ctrl.Submit(ctx, job); err != nil {
		return err
	}
	job.Wait()

	report := job.Report()
	fmt.Printf("family %s: %d chunks, %d planned moves, %d performed\n",
		report.Family, report.TotalChunks, len(report.Moves), report.Performed)
	if opts.errorReport {
		for _, msg := range report.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
	}
	if job.ExtState() != replica.ExtSuccess {
		return fmt.Errorf("rebalance finished %s", job.ExtState())
	}
	return nil
}

func runWorkerNotify(opts *options, config *common.Config, logger arbor.ILogger) error {
	if opts.service == "" {
		return fmt.Errorf("--service=host:port is required")
	}
	svc := replica.NewHTTPWorkerService(config.Czar.Workers, logger)

	var args []string
	if opts.notifyArgs != "" {
		args = strings.Fields(opts.notifyArgs)
	}
	reply, err := svc.Notify(context.Background(), opts.service, opts.notifyCmd, args)
	if err != nil {
		return err
	}
	if reply != "" {
		fmt.Println(reply)
	}
	return nil
}

// runCopyFile copies between file: URLs with a record-sized buffer.
func runCopyFile(opts *options) error {
	in, err := openURL(opts.inURL, false)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := openURL(opts.outURL, true)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := bufio.NewWriterSize(out, int(opts.recordSize))
	if _, err := io.CopyBuffer(writer, in, make([]byte, opts.recordSize)); err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}
	return writer.Flush()
}

func openURL(raw string, write bool) (*os.File, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad URL %q: %w", raw, err)
	}
	if u.Scheme != "file" && u.Scheme != "" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if write {
		return os.Create(path)
	}
	return os.Open(path)
}
