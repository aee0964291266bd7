package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avoronkov/pulsecron/internal/config"
	"github.com/avoronkov/pulsecron/internal/cron"
	"github.com/avoronkov/pulsecron/internal/logger"
	"github.com/avoronkov/pulsecron/internal/schedule"
)

// The jobs commands edit the store file directly while the daemon is not
// running. They must not be used against a live daemon: the daemon owns the
// store and would overwrite external edits on its next persist.

var (
	jobsConfigPath string
	jobsName       string
	jobsEvery      time.Duration
	jobsCronExpr   string
	jobsText       string
	jobsMessage    string
	jobsSession    string
	jobsWakeMode   string
	jobsDisabled   bool
	jobsOnce       bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs in the store file",
	Long: `Inspect and edit the persisted job store while the daemon is stopped.
The running daemon owns the store file; offline edits are picked up on its
next start.`,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a job to the store",
	Run:   runJobsAdd,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs in the store",
	Run:   runJobsList,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a job from the store",
	Args:  cobra.ExactArgs(1),
	Run:   runJobsRemove,
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&jobsConfigPath, "config", "c", "", "path to config file (default ./config.toml)")

	jobsAddCmd.Flags().StringVar(&jobsName, "name", "", "job display name (required)")
	jobsAddCmd.Flags().DurationVar(&jobsEvery, "every", 0, "fixed period, e.g. 10m or 1h30m")
	jobsAddCmd.Flags().StringVar(&jobsCronExpr, "cron", "", "5-field cron expression evaluated in UTC")
	jobsAddCmd.Flags().StringVar(&jobsText, "text", "", "system event text payload")
	jobsAddCmd.Flags().StringVar(&jobsMessage, "message", "", "agent turn message payload")
	jobsAddCmd.Flags().StringVar(&jobsSession, "session", "main", "session target")
	jobsAddCmd.Flags().StringVar(&jobsWakeMode, "wake", "", "wake mode: next-heartbeat or immediate")
	jobsAddCmd.Flags().BoolVar(&jobsDisabled, "disabled", false, "create the job disabled")
	jobsAddCmd.Flags().BoolVar(&jobsOnce, "once", false, "delete the job after its first run")

	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
}

func jobsStore() *cron.Store {
	configPath := jobsConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) && jobsConfigPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := logger.New(logger.Config{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return cron.NewStore(cfg.StorePath(), log)
}

func runJobsAdd(cmd *cobra.Command, args []string) {
	if jobsName == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		os.Exit(1)
	}

	var spec schedule.Spec
	switch {
	case jobsEvery > 0 && jobsCronExpr != "":
		fmt.Fprintln(os.Stderr, "Error: --every and --cron are mutually exclusive")
		os.Exit(1)
	case jobsEvery > 0:
		spec = schedule.Spec{Kind: schedule.KindEvery, EveryMs: jobsEvery.Milliseconds()}
	case jobsCronExpr != "":
		spec = schedule.Spec{Kind: schedule.KindCron, Expr: jobsCronExpr}
	default:
		fmt.Fprintln(os.Stderr, "Error: one of --every or --cron is required")
		os.Exit(1)
	}
	if err := spec.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid schedule: %v\n", err)
		os.Exit(1)
	}

	var payload cron.Payload
	switch {
	case jobsText != "" && jobsMessage != "":
		fmt.Fprintln(os.Stderr, "Error: --text and --message are mutually exclusive")
		os.Exit(1)
	case jobsText != "":
		payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: jobsText}
	case jobsMessage != "":
		payload = cron.Payload{Kind: cron.PayloadAgentTurn, Message: jobsMessage}
	default:
		fmt.Fprintln(os.Stderr, "Error: one of --text or --message is required")
		os.Exit(1)
	}
	if err := payload.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid payload: %v\n", err)
		os.Exit(1)
	}

	store := jobsStore()
	jobs, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading job store: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UnixMilli()
	job := &cron.Job{
		ID:             uuid.NewString(),
		Name:           jobsName,
		Enabled:        !jobsDisabled,
		Schedule:       spec,
		SessionTarget:  jobsSession,
		WakeMode:       jobsWakeMode,
		Payload:        payload,
		DeleteAfterRun: jobsOnce,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}

	jobs = append(jobs, job)
	if err := store.Save(jobs); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving job store: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Job added.")
	fmt.Printf("  ID:       %s\n", job.ID)
	fmt.Printf("  Name:     %s\n", job.Name)
	fmt.Printf("  Schedule: %s\n", job.Schedule)
	fmt.Println("The due time is computed when the daemon starts.")
}

func runJobsList(cmd *cobra.Command, args []string) {
	store := jobsStore()
	jobs, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading job store: %v\n", err)
		os.Exit(1)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs in the store.")
		return
	}

	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-20s %-24s %s\n", job.ID, job.Name, job.Schedule, state)
		if job.State.NextRunAtMs != nil {
			fmt.Printf("    next run: %s\n", time.UnixMilli(*job.State.NextRunAtMs).UTC().Format(time.RFC3339))
		}
		if job.State.LastStatus != "" {
			fmt.Printf("    last run: %s", job.State.LastStatus)
			if job.State.LastError != "" {
				fmt.Printf(" (%s)", job.State.LastError)
			}
			fmt.Println()
		}
	}
	fmt.Printf("Total: %d\n", len(jobs))
}

func runJobsRemove(cmd *cobra.Command, args []string) {
	jobID := args[0]

	store := jobsStore()
	jobs, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading job store: %v\n", err)
		os.Exit(1)
	}

	var filtered []*cron.Job
	found := false
	for _, job := range jobs {
		if job.ID == jobID {
			found = true
			continue
		}
		filtered = append(filtered, job)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "Error: job %s not found\n", jobID)
		os.Exit(1)
	}

	if err := store.Save(filtered); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving job store: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Job %s removed.\n", jobID)
}
