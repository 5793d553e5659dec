package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/maruel/interrupt"

	"slscan/internal/models"
	"slscan/pkg/codes"
	"slscan/pkg/config"
	"slscan/pkg/jobstore"
	"slscan/pkg/pipeline"
)

// stageCommands maps the commands that re-run one stereo stage to the state
// the stage produces.
var stageCommands = map[string]models.State{
	"rectify":   models.Rectified,
	"disparity": models.DisparityComputed,
	"merge":     models.Merged,
	"reproject": models.Reprojected,
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <command>\n\n", fs.Name())
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  init       write the default configuration and exit\n")
	fmt.Fprintf(os.Stderr, "  decode     decode every captured view\n")
	fmt.Fprintf(os.Stderr, "  refine     refine every decoded view\n")
	fmt.Fprintf(os.Stderr, "  rectify, disparity, merge, reproject\n")
	fmt.Fprintf(os.Stderr, "             re-run one stereo stage for every pair, or for -projector/-left/-right\n")
	fmt.Fprintf(os.Stderr, "  run        decode, refine and run every pair, then chain and fuse\n")
	fmt.Fprintf(os.Stderr, "  status     list recorded jobs\n\n")
	fs.PrintDefaults()
}

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 2
)

func main() {
	os.Exit(mainImpl(os.Args[0], os.Args[1:]))
}

// mainImpl runs the command named in args and returns the process exit code,
// so deferred cleanup runs before main exits.
func mainImpl(name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "slscan.yml", "Configuration file")
	root := fs.String("root", "", "Scan directory (overrides pipeline.root)")
	workers := fs.Int("workers", 0, "Concurrent jobs and per-raster goroutines (overrides pipeline.workers)")
	projector := fs.Int("projector", -1, "Projector of the pair a stage command runs on")
	left := fs.Int("left", -1, "Left position of the pair a stage command runs on")
	right := fs.Int("right", -1, "Right position of the pair a stage command runs on")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return exitFailed
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return exitFailed
	}
	command := fs.Arg(0)
	state, isStage := stageCommands[command]
	switch {
	case isStage, command == "init", command == "status", command == "decode", command == "refine", command == "run":
	default:
		fs.Usage()
		return exitFailed
	}

	if command == "init" {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Printf("Failed to write configuration: %v", err)
			return exitFailed
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return exitOK
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return exitFailed
	}
	if *root != "" {
		cfg.Pipeline.Root = *root
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return exitFailed
	}

	store, err := jobstore.Open(cfg.JobDBPath())
	if err != nil {
		log.Printf("Failed to open job ledger: %v", err)
		return exitFailed
	}
	defer store.Close()

	if command == "status" {
		if err := printStatus(store); err != nil {
			log.Printf("Failed to list jobs: %v", err)
			return exitFailed
		}
		return exitOK
	}

	var table codes.Table
	if command == "decode" || command == "run" {
		system, err := codes.ParseSystem(cfg.Decode.System)
		if err != nil {
			log.Printf("Invalid code system: %v", err)
			return exitFailed
		}
		if table, err = codes.Open(system, cfg.Decode.Bits, cfg.CodeTablePath()); err != nil {
			log.Printf("Failed to load code table: %v", err)
			return exitFailed
		}
	}

	// Ctrl-C stops new jobs from starting; running jobs finish.
	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt.Channel
		cancel()
	}()

	runner := pipeline.NewRunner(cfg.Pipeline.Root, table, store, pipeline.ParamsFromConfig(cfg))

	fmt.Println("================================")
	fmt.Println("STRUCTURED LIGHT STEREO RECONSTRUCTION")
	fmt.Printf("Scan directory: %s\n", cfg.Pipeline.Root)
	fmt.Println("================================")

	start := time.Now()
	code := exitOK
	step := func(name string, run func(context.Context) (*pipeline.Report, error)) {
		if ctx.Err() != nil || code != exitOK {
			return
		}
		fmt.Printf("\n%s...\n", name)
		rep, err := run(ctx)
		if err != nil {
			log.Printf("%s failed: %v", name, err)
			code = exitFailed
			return
		}
		if printReport(rep) {
			code = exitFailed
		}
	}

	switch {
	case command == "decode":
		step("Decoding captured views", runner.DecodeAll)
	case command == "refine":
		step("Refining decoded views", runner.RefineAll)
	case command == "run":
		step("Decoding captured views", runner.DecodeAll)
		if cfg.Refine.Enabled {
			step("Refining decoded views", runner.RefineAll)
		}
		step("Running pair jobs", runner.RunAll)
	case *projector >= 0 || *left >= 0 || *right >= 0:
		pair := models.PairKey{Projector: *projector, Left: *left, Right: *right}
		if pair.Projector < 0 || pair.Left < 0 || pair.Right < 0 {
			log.Printf("-projector, -left and -right must be given together")
			return exitFailed
		}
		fmt.Printf("\nRunning %s for %s...\n", state, pair)
		if err := runner.RunStage(ctx, pair, state); err != nil {
			log.Printf("Stage failed: %v", err)
			code = exitFailed
		} else {
			fmt.Println("Done")
		}
	default:
		step(fmt.Sprintf("Running %s for every pair", state), func(ctx context.Context) (*pipeline.Report, error) {
			return runner.StageAll(ctx, state)
		})
	}

	fmt.Printf("\nFinished in %.2f seconds\n", time.Since(start).Seconds())
	if interrupt.IsSet() {
		fmt.Println("Interrupted: units not yet started were skipped")
		return exitInterrupted
	}
	return code
}

// printReport prints rep and reports whether any unit failed.
func printReport(rep *pipeline.Report) bool {
	fmt.Printf("- %d completed\n", len(rep.Completed))
	if len(rep.Skipped) > 0 {
		fmt.Printf("- %d skipped\n", len(rep.Skipped))
	}
	if err := rep.Err(); err != nil {
		fmt.Printf("- %d failed:\n%v\n", len(rep.Failed), err)
		return true
	}
	return false
}

func printStatus(store *jobstore.Store) error {
	jobs, err := store.List()
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-14s  %-20s  %s", j.ID, j.Pair, j.State, j.UpdatedAt.Format(time.RFC3339))
		switch {
		case j.State == models.Failed:
			line += "  " + j.Cause
		case j.Detail != "":
			line += "  " + j.Detail
		}
		fmt.Println(line)
	}
	return nil
}
