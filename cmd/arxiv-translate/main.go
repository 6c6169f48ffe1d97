package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"arxiv-translate/internal/config"
	"arxiv-translate/internal/jobs"
	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	input := flag.String("input", "", "arXiv URL or id to translate")
	model := flag.String("model", "", "chat model override")
	target := flag.String("target", "", "target language override")
	extraPrompt := flag.String("prompt", "", "extra translation instruction")
	noCache := flag.Bool("no-cache", false, "ignore cached results for the same paper")
	listJobs := flag.Bool("list", false, "list recent jobs and exit")
	listStatus := flag.String("status", "", "comma separated status filter for -list (default succeeded)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := logger.Init(logger.Config{LogFilePath: cfg.Log.FilePath, Development: cfg.Log.Development}); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	svc := jobs.NewService(cfg)

	if *listJobs {
		if err := printHistory(svc, *listStatus); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if *input == "" {
		fmt.Fprintln(os.Stderr, "-input is required (arXiv URL or id)")
		os.Exit(1)
	}

	snap, err := svc.CreateJob(jobs.CreateRequest{
		InputText:      *input,
		Model:          *model,
		TargetLanguage: *target,
		ExtraPrompt:    *extraPrompt,
		AllowCache:     !*noCache,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if hit, _ := snap.Meta["cache_hit"].(bool); hit {
		fmt.Printf("cache hit: job %s\n", snap.JobID)
		printArtifacts(snap)
		return
	}

	fmt.Printf("job %s queued (%s)\n", snap.JobID, snap.Meta["task_name"])
	final, err := poll(svc, snap.JobID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch final.Status {
	case types.JobSucceeded:
		fmt.Println("done")
		printArtifacts(final)
	case types.JobCancelled:
		fmt.Println("cancelled")
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "failed:", final.Error)
		os.Exit(1)
	}
}

// poll prints newly appended steps until the job reaches a terminal state.
func poll(svc *jobs.Service, jobID string) (types.JobSnapshot, error) {
	seen := 0
	for {
		snap, err := svc.GetJob(jobID)
		if err != nil {
			return types.JobSnapshot{}, err
		}
		for ; seen < len(snap.Steps); seen++ {
			step := snap.Steps[seen]
			fmt.Printf("[%s] %-14s %s\n", step.Status, step.Key, step.Message)
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		time.Sleep(2 * time.Second)
	}
}

func printArtifacts(snap types.JobSnapshot) {
	for _, art := range snap.Artifacts {
		fmt.Printf("  %-18s %s (%d bytes)\n", art.Name, art.Path, art.SizeBytes)
	}
}

func printHistory(svc *jobs.Service, statusCSV string) error {
	var statuses []string
	for _, s := range strings.Split(statusCSV, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, s)
		}
	}
	rows, err := svc.ListJobs(30, statuses)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%s  %-10s  %s\n", row.UpdatedAt, row.Status, row.TaskName)
		if row.TranslatedPDFURL != "" {
			fmt.Printf("    translated: %s\n", row.TranslatedPDFURL)
		}
	}
	return nil
}
