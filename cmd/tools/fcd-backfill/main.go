// Command fcd-backfill re-runs the traversal extractor, spatio-temporal
// processor, and threshold processor over already-stored raw records,
// mirroring the teacher's transit-worker CLI:
//
//	fcd-backfill backfill -start <ns> -end <ns>: reprocess a window
//	fcd-backfill overlaps: report estimator versions sharing a connection
//	fcd-backfill migrate <from-version> <to-version>: copy rows forward
//	fcd-backfill delete <estimator-version>: drop a version's rows
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/banshee-data/fcd.report/internal/config"
	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/pipeline"
	"github.com/banshee-data/fcd.report/internal/fcd/registry"
	"github.com/banshee-data/fcd.report/internal/fcd/roadnet"
	"github.com/banshee-data/fcd.report/internal/fcdstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "backfill":
		runBackfillCommand(os.Args[2:])
	case "overlaps":
		runOverlapsCommand(os.Args[2:])
	case "migrate":
		runMigrateCommand(os.Args[2:])
	case "delete":
		runDeleteCommand(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: fcd-backfill <backfill|overlaps|migrate|delete> [options]")
}

func confirm(prompt string) bool {
	fmt.Print(prompt + " Are you sure? [y/N]: ")
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return answer == "y" || answer == "Y"
}

// runBackfillCommand re-extracts traversals for every record stored in
// [start, end) and re-runs the full processor registry over them, writing
// fresh traversal-metric and threshold rows tagged with -estimator-version.
// Spec §4.5 already requires insert_records_bulk; this is the
// read-modify-write driver built on top of it.
func runBackfillCommand(args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	dbPath := fs.String("db-path", "fcd_metrics.db", "path to the sqlite metric store")
	configFile := fs.String("config", config.DefaultConfigPath, "path to JSON tuning configuration file")
	roadMapFile := fs.String("road-map", "", "path to a JSON road-network file")
	startNs := fs.Int64("start", 0, "window start, inclusive, simulated nanoseconds")
	endNs := fs.Int64("end", 0, "window end, exclusive, simulated nanoseconds")
	estimatorVersion := fs.String("estimator-version", "", "tag applied to rows this backfill writes (required)")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse backfill flags: %v", err)
	}
	if *estimatorVersion == "" {
		log.Fatal("-estimator-version is required for a backfill run")
	}
	if *endNs <= *startNs {
		log.Fatalf("-end (%d) must be greater than -start (%d)", *endNs, *startNs)
	}

	cfg, err := config.LoadEstimatorConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configFile, err)
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
	}

	store, err := fcdstore.Initialize(fcdstore.Options{
		Path:             *dbPath,
		Persistent:       true,
		EstimatorVersion: *estimatorVersion,
		RoadMap:          roadMap,
		ConnectionIDs:    connectionIDs,
	})
	if err != nil {
		log.Fatalf("failed to open metric store: %v", err)
	}
	defer store.Shutdown()

	byVehicle, err := store.GetRecordsInWindow(*startNs, *endNs)
	if err != nil {
		log.Fatalf("failed to read records in window: %v", err)
	}
	if len(byVehicle) == 0 {
		log.Printf("no records found in [%d, %d), nothing to backfill", *startNs, *endNs)
		return
	}

	reg := registry.New(cfg, store, store, registry.LoggerSet{
		Opsf:   func(f string, a ...any) { log.Printf("[ops] "+f, a...) },
		Diagf:  func(f string, a ...any) { log.Printf("[diag] "+f, a...) },
		Tracef: func(f string, a ...any) { log.Printf("[trace] "+f, a...) },
	}, *estimatorVersion)

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

	k := pipeline.New(traversalProcessors, timeProcessors, messageProcessors,
		pipeline.WithUnitExpirationTimeNs(cfg.GetUnitExpirationTime().Nanoseconds()))

	vehicleIDs := make([]string, 0, len(byVehicle))
	for id := range byVehicle {
		vehicleIDs = append(vehicleIDs, id)
	}
	sort.Strings(vehicleIDs)

	for _, vehicleID := range vehicleIDs {
		records := byVehicle[vehicleID]
		if err := k.HandleUpdate(*endNs, fcd.Batch{VehicleID: vehicleID, Records: records, Final: true}); err != nil {
			log.Fatalf("failed to replay vehicle %q: %v", vehicleID, err)
		}
	}

	for kind := range k.TimeProcessorIntervals() {
		if err := k.TriggerTick(kind, *endNs); err != nil {
			log.Fatalf("failed to trigger final tick for %q: %v", kind, err)
		}
	}

	stats, err := shutdownStats(store)
	if err != nil {
		log.Fatalf("failed to compute shutdown stats: %v", err)
	}
	if err := k.Shutdown(*endNs, stats); err != nil {
		log.Fatalf("backfill shutdown failed: %v", err)
	}
	log.Printf("backfill of [%d, %d) under estimator_version=%q complete: %d vehicles replayed",
		*startNs, *endNs, *estimatorVersion, len(vehicleIDs))
}

// runOverlapsCommand mirrors AnalyseTransitOverlaps: a read-only report of
// which connections carry traversal data under more than one estimator
// version, useful before deleting an old version with `delete`.
func runOverlapsCommand(args []string) {
	fs := flag.NewFlagSet("overlaps", flag.ExitOnError)
	dbPath := fs.String("db-path", "fcd_metrics.db", "path to the sqlite metric store")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse overlaps flags: %v", err)
	}

	store, err := fcdstore.Initialize(fcdstore.Options{Path: *dbPath, Persistent: true})
	if err != nil {
		log.Fatalf("failed to open metric store: %v", err)
	}
	defer store.Shutdown()

	overlaps, err := store.AnalyseConnectionOverlaps()
	if err != nil {
		log.Fatalf("failed to analyse connection overlaps: %v", err)
	}
	if len(overlaps) == 0 {
		fmt.Println("no connections have traversal data under more than one estimator version")
		return
	}
	for _, o := range overlaps {
		fmt.Printf("%s: versions=%v time=[%d, %d]\n", o.ConnectionID, o.EstimatorVersions, o.MinTimeNs, o.MaxTimeNs)
	}
}

// runMigrateCommand copies every traversal-metric and threshold row from
// one estimator version to another, leaving the originals in place.
func runMigrateCommand(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db-path", "fcd_metrics.db", "path to the sqlite metric store")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse migrate flags: %v", err)
	}
	if fs.NArg() < 2 {
		log.Fatal("Usage: fcd-backfill migrate <from-version> <to-version>")
	}
	from, to := fs.Arg(0), fs.Arg(1)

	if !confirm(fmt.Sprintf("This will copy every row tagged %q to new rows tagged %q.", from, to)) {
		fmt.Println("Aborted.")
		return
	}

	store, err := fcdstore.Initialize(fcdstore.Options{Path: *dbPath, Persistent: true})
	if err != nil {
		log.Fatalf("failed to open metric store: %v", err)
	}
	defer store.Shutdown()

	if err := store.MigrateEstimatorVersion(from, to); err != nil {
		log.Fatalf("failed to migrate estimator version: %v", err)
	}
	log.Printf("migrated estimator_version %q -> %q", from, to)
}

// runDeleteCommand drops every traversal-metric and threshold row tagged
// with the given estimator version, after an interactive confirmation.
func runDeleteCommand(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dbPath := fs.String("db-path", "fcd_metrics.db", "path to the sqlite metric store")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse delete flags: %v", err)
	}
	if fs.NArg() < 1 {
		log.Fatal("Usage: fcd-backfill delete <estimator-version>")
	}
	version := fs.Arg(0)

	if !confirm(fmt.Sprintf("This will delete all traversal-metric and threshold rows with estimator_version = %q.", version)) {
		fmt.Println("Aborted.")
		return
	}

	store, err := fcdstore.Initialize(fcdstore.Options{Path: *dbPath, Persistent: true})
	if err != nil {
		log.Fatalf("failed to open metric store: %v", err)
	}
	defer store.Shutdown()

	if err := store.DeleteAllTraversals(version); err != nil {
		log.Fatalf("failed to delete traversals: %v", err)
	}
	log.Printf("deleted all traversal-metric and threshold rows tagged estimator_version=%q", version)
}

func shutdownStats(store *fcdstore.Store) (pipeline.Stats, error) {
	dbStats, err := store.GetDatabaseStats()
	if err != nil {
		return pipeline.Stats{}, err
	}
	var stats pipeline.Stats
	for _, t := range dbStats.Tables {
		switch t.Name {
		case "records":
			stats.RecordCount = t.RowCount
		case "traversal_metrics":
			stats.TraversalCount = t.RowCount
		case "thresholds":
			stats.ThresholdCount = t.RowCount
		case "connections":
			stats.ConnectionCount = t.RowCount
		}
	}
	return stats, nil
}
