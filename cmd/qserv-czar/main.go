package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/dispatch"
	"github.com/lsst/qserv/internal/merger"
	"github.com/lsst/qserv/internal/opsui"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/worker"
	_ "modernc.org/sqlite"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, strings.TrimPrefix(value, "file:"))
	return nil
}

var (
	configFiles  configPaths
	queryID      = flag.Int64("query-id", 1, "User query identifier")
	database     = flag.String("db", "LSST", "Target database")
	chunkList    = flag.String("chunks", "", "Comma-separated chunk ids to dispatch to")
	maxAttempts  = flag.Int("max-attempts", 0, "Per-task attempt ceiling (overrides config)")
	concurrency  = flag.Int("dispatch-concurrency", 0, "Dispatch pool size (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("qserv-czar version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("qserv.toml"); err == nil {
			configFiles = append(configFiles, "qserv.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *maxAttempts, *concurrency)

	logger = common.SetupLogger(config)
	defer common.Stop()
	common.PrintBanner("Qserv Czar", config, logger)

	if err := run(flag.Arg(0)); err != nil {
		logger.Error().Err(err).Msg("Query failed")
		os.Exit(2)
	}
}

// run dispatches one user query across its chunks and merges the results.
func run(query string) error {
	if query == "" {
		return fmt.Errorf("no query given: usage: qserv-czar [flags] \"SELECT ...\"")
	}
	chunks, err := parseChunks(*chunkList)
	if err != nil {
		return err
	}

	resultDB, err := sql.Open("sqlite", config.Merger.DSN)
	if err != nil {
		return fmt.Errorf("failed to open result database: %w", err)
	}
	defer resultDB.Close()

	qid := dispatch.QueryID(*queryID)
	sink := merger.NewInfileMerger(
		merger.NewSQLLoader(resultDB),
		fmt.Sprintf("result_%d", qid),
		config.Merger.JobIDSQLType,
		logger,
	)

	pool := worker.NewPool(config.Czar.DispatchConcurrency, logger)
	pool.Start()
	defer pool.Stop()

	exec := dispatch.NewExecutive(qid, dispatch.ExecutiveConfig{
		MaxAttempts:  config.Czar.MaxAttempts,
		RetryBackoff: config.Czar.ProvisionRetryBackoff,
	}, transport.NewHTTPTransport(config.Czar.Workers, logger), sink, pool, logger)

	if config.WebSocket.Enabled {
		feed := opsui.NewFeed(&config.WebSocket, logger)
		go func() {
			if err := feed.Serve(); err != nil {
				logger.Warn().Err(err).Msg("Progress feed stopped")
			}
		}()
		exec.SetObserver(feed.QueryObserver())
	}

	for i, chunk := range chunks {
		msg := &proto.TaskMsg{
			QueryID: int64(qid),
			JobID:   i + 1,
			Attempt: 1,
			ChunkID: chunk,
			DB:      *database,
			Query:   chunkQuery(query, chunk),
		}
		payload, err := msg.Marshal()
		if err != nil {
			return err
		}
		if _, err := exec.AddJob(dispatch.JobDescription{
			JobID:    i + 1,
			ChunkID:  chunk,
			Resource: fmt.Sprintf("/chk/%s/%d", *database, chunk),
			Payload:  payload,
		}); err != nil {
			return err
		}
	}

	ctx := context.Background()
	exec.StartAll(ctx)
	if exec.Wait(ctx, config.Czar.SquashTimeout) {
		logger.Info().Int64("rows", sink.Rows()).Msg("Query succeeded")
		return nil
	}
	qerr, rows := exec.Error()
	return fmt.Errorf("query failed after %d merged rows: %s", rows, qerr.Error())
}

func parseChunks(list string) ([]int, error) {
	if list == "" {
		return nil, fmt.Errorf("no chunks given: pass --chunks=100,200,...")
	}
	parts := strings.Split(list, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		chunk, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad chunk id %q", part)
		}
		out = append(out, chunk)
	}
	return out, nil
}

// chunkQuery rewrites table references of the form Name_CHUNK to the
// concrete chunk table.
func chunkQuery(query string, chunk int) string {
	return strings.ReplaceAll(query, "_CHUNK", fmt.Sprintf("_%d", chunk))
}
