// Command fcd-estimator wires an EstimatorConfig, a metric store, and the
// kernel's explicit processor registry together, then replays an NDJSON
// scenario file through the kernel as its external simulation event queue.
// There is no network listener for FCD ingestion - record-batch transport
// is out of scope (see SPEC_FULL.md's DOMAIN STACK); -listen only exposes
// the metric store's admin/debug routes (live SQL console, stats, backup).
package main

import (
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/banshee-data/fcd.report/internal/config"
	"github.com/banshee-data/fcd.report/internal/fcd/pipeline"
	"github.com/banshee-data/fcd.report/internal/fcd/registry"
	"github.com/banshee-data/fcd.report/internal/fcd/roadnet"
	"github.com/banshee-data/fcd.report/internal/fcdstore"
)

var (
	configFile       = flag.String("config", config.DefaultConfigPath, "path to JSON tuning configuration file")
	dbPath           = flag.String("db-path", "fcd_metrics.db", "path to the sqlite metric store (or ':memory:')")
	roadMapFile      = flag.String("road-map", "", "path to a JSON road-network file (required unless -scenario omits unknown connections)")
	scenarioFile     = flag.String("scenario", "", "path to an NDJSON scenario file to replay; '-' reads stdin")
	listen           = flag.String("listen", "", "if set, serve the metric store's admin/debug routes on this address")
	estimatorVersion = flag.String("estimator-version", "", "tag applied to every row this run writes; generated if empty")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)

	logFiles := configureLogWriters()
	defer func() {
		for _, f := range logFiles {
			if err := f.Close(); err != nil {
				log.Printf("warning: failed to close log file: %v", err)
			}
		}
	}()

	cfg, err := config.LoadEstimatorConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configFile, err)
	}
	log.Printf("loaded estimator configuration from %s", *configFile)

	version := *estimatorVersion
	if version == "" {
		version = cfg.GetEstimatorVersion()
	}
	if version == "" {
		version = uuid.New().String()
		log.Printf("no estimator_version configured, generated %s for this run", version)
	}

	var roadMap roadnet.Map
	var connectionIDs []string
	if *roadMapFile != "" {
		m, err := roadnet.LoadJSONMap(*roadMapFile)
		if err != nil {
			log.Fatalf("failed to load road map from %s: %v", *roadMapFile, err)
		}
		roadMap = m
		connectionIDs = m.ConnectionIDs()
		log.Printf("loaded road map from %s (%d connections)", *roadMapFile, len(connectionIDs))
	}

	store, err := fcdstore.Initialize(fcdstore.Options{
		Path:             *dbPath,
		Persistent:       cfg.GetIsPersistent(),
		EstimatorVersion: version,
		RoadMap:          roadMap,
		ConnectionIDs:    connectionIDs,
	})
	if err != nil {
		log.Fatalf("failed to initialize metric store: %v", err)
	}
	defer store.Shutdown()

	reg := registry.New(cfg, store, store, registry.LoggerSet{
		Opsf:   opsf,
		Diagf:  diagf,
		Tracef: tracef,
	}, version)

	traversalProcessors, err := reg.BuildTraversalProcessors()
	if err != nil {
		log.Fatalf("failed to build traversal-based processors: %v", err)
	}
	timeProcessors, err := reg.BuildTimeBasedProcessors()
	if err != nil {
		log.Fatalf("failed to build time-based processors: %v", err)
	}
	messageProcessors, err := reg.BuildMessageProcessors()
	if err != nil {
		log.Fatalf("failed to build message-based processors: %v", err)
	}

	kernelOpts := []pipeline.Option{
		pipeline.WithUnitExpirationTimeNs(cfg.GetUnitExpirationTime().Nanoseconds()),
	}
	if cfg.GetStoreRawFCD() {
		kernelOpts = append(kernelOpts, pipeline.WithRawRecordPersistence(store))
	}
	k := pipeline.New(traversalProcessors, timeProcessors, messageProcessors, kernelOpts...)

	if *listen != "" {
		mux := http.NewServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		go func() {
			log.Printf("serving admin/debug routes on %s", *listen)
			if err := http.ListenAndServe(*listen, mux); err != nil {
				log.Printf("admin server stopped: %v", err)
			}
		}()
	}

	if *scenarioFile == "" {
		log.Fatal("-scenario is required (no network ingestion path exists; see package doc)")
	}
	if err := runScenario(k, store, *scenarioFile, cfg.GetUnitRemovalInterval().Nanoseconds()); err != nil {
		log.Fatalf("scenario replay failed: %v", err)
	}
}

// configureLogWriters mirrors the teacher's three-stream env-var-driven
// logging (FCD_ESTIMATOR_{OPS,DIAG,TRACE}_LOG), falling back to a single
// legacy FCD_ESTIMATOR_DEBUG_LOG file for all three streams.
func configureLogWriters() []*os.File {
	var files []*os.File
	opsPath := os.Getenv("FCD_ESTIMATOR_OPS_LOG")
	diagPath := os.Getenv("FCD_ESTIMATOR_DIAG_LOG")
	tracePath := os.Getenv("FCD_ESTIMATOR_TRACE_LOG")

	open := func(path string) io.Writer {
		if path == "" {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Printf("warning: create directory for %s: %v", path, err)
			return nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("warning: open %s: %v", path, err)
			return nil
		}
		files = append(files, f)
		return f
	}

	if opsPath != "" || diagPath != "" || tracePath != "" {
		ops, diag, trace := open(opsPath), open(diagPath), open(tracePath)
		pipeline.SetLogWriters(ops, diag, trace)
		return files
	}
	if legacyPath := os.Getenv("FCD_ESTIMATOR_DEBUG_LOG"); legacyPath != "" {
		if w := open(legacyPath); w != nil {
			pipeline.SetLegacyLogger(w)
		}
	}
	return files
}

func opsf(format string, args ...any)   { log.Printf("[ops] "+format, args...) }
func diagf(format string, args ...any)  { log.Printf("[diag] "+format, args...) }
func tracef(format string, args ...any) { log.Printf("[trace] "+format, args...) }
