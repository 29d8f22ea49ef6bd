package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/verdantlabs/saga"
)

// CLI configuration
type Config struct {
	ExecutionsDir string
	List          bool
	Show          string
	Prune         string
	Keep          int
	JSON          bool
}

func main() {
	config := parseFlags()

	store, err := saga.NewFileStore(config.ExecutionsDir)
	if err != nil {
		color.Red("Error: failed to open checkpoint store: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch {
	case config.List:
		if err := listExecutions(ctx, store, config); err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
	case config.Show != "":
		if err := showExecution(ctx, store, config); err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
	case config.Prune != "":
		if err := store.Prune(ctx, config.Prune, config.Keep); err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		color.Green("Pruned execution %s (kept latest %d checkpoints)", config.Prune, config.Keep)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func parseFlags() *Config {
	config := &Config{}
	flag.StringVar(&config.ExecutionsDir, "executions", "", "Checkpoint directory (default ~/.verdantlabs/saga/executions)")
	flag.BoolVar(&config.List, "list", false, "List executions")
	flag.StringVar(&config.Show, "show", "", "Show status and outcome for an execution ID")
	flag.StringVar(&config.Prune, "prune", "", "Prune old checkpoints for an execution ID")
	flag.IntVar(&config.Keep, "keep", 10, "Checkpoints to keep when pruning")
	flag.BoolVar(&config.JSON, "json", false, "Output JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: saga [options]\n\n")
		fmt.Fprintf(os.Stderr, "Inspect and maintain saga execution checkpoints.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return config
}

func listExecutions(ctx context.Context, store *saga.FileStore, config *Config) error {
	summaries, err := store.ListExecutions(ctx)
	if err != nil {
		return err
	}
	if config.JSON {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	if len(summaries) == 0 {
		color.Yellow("No executions found")
		return nil
	}
	formatter := saga.NewOutcomeFormatter(os.Stdout)
	for _, summary := range summaries {
		formatter.PrintSummary(summary)
	}
	return nil
}

func showExecution(ctx context.Context, store *saga.FileStore, config *Config) error {
	checkpoint, err := store.LoadLatest(ctx, config.Show)
	if err != nil {
		return err
	}
	report := &saga.StatusReport{
		ExecutionID: checkpoint.ExecutionID,
		Status:      checkpoint.Status,
		Outcome:     checkpoint.Outcome,
		Error:       checkpoint.Error,
	}
	if config.JSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	saga.NewOutcomeFormatter(os.Stdout).PrintReport(report)
	return nil
}
