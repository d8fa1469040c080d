package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/scenejobs/internal/config"
	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/store"
)

type cli struct {
	dataDir string
	verbose bool
	store   store.JobStore
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and edit scene job records in a data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open()
		},
	}
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "job data directory (defaults to JOB_DATA_DIR)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log store activity to stderr")

	root.AddCommand(
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.updateCmd(),
	)
	return root
}

func (c *cli) open() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir := c.dataDir
	if dir == "" {
		dir = cfg.Store.DataDir
	}

	logger := log.New(io.Discard, "", 0)
	if c.verbose {
		logger = log.New(os.Stderr, "[jobctl] ", log.LstdFlags|log.Lmsgprefix)
	}

	s, err := store.NewFileJobStore(store.FileConfig{
		Dir:              dir,
		LockTimeout:      cfg.Store.LockTimeout,
		LockPollInterval: cfg.Store.LockPollInterval,
		LockStaleAfter:   cfg.Store.LockStaleAfter,
		ListConcurrency:  cfg.Store.ListConcurrency,
	}, logger, nil)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	c.store = s
	return nil
}

// --- create ---

func (c *cli) createCmd() *cobra.Command {
	var (
		jobType  string
		scenario string
		scenes   string
		options  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a queued job",
		Long: `Create a queued job.

Examples:
  jobctl create --type render_scene --scenario scn_1 --scenes 1,2,3
  jobctl create --type merge --scenario scn_1 --scenes 1,2 --options '{"fps":24}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sceneIDs, err := parseSceneIDs(scenes)
			if err != nil {
				return err
			}

			req := domain.CreateJobRequest{
				Type:    domain.JobType(jobType),
				Payload: domain.JobPayload{ScenarioID: scenario, SceneIDs: sceneIDs},
			}
			if options != "" {
				if err := json.Unmarshal([]byte(options), &req.Payload.Options); err != nil {
					return fmt.Errorf("parsing --options: %w", err)
				}
			}

			job, err := c.store.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type: render_scene, merge or render_all")
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario id")
	cmd.Flags().StringVar(&scenes, "scenes", "", "comma-separated scene ids")
	cmd.Flags().StringVar(&options, "options", "", "renderer options as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.MarkFlagRequired("scenes")
	return cmd
}

// --- get ---

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

// --- list ---

func (c *cli) listCmd() *cobra.Command {
	var scenario string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a scenario's jobs in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := c.store.ListByScenario(cmd.Context(), scenario)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario id")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

// --- update ---

func (c *cli) updateCmd() *cobra.Command {
	var (
		status       string
		progress     int
		errorCode    string
		errorMessage string
	)

	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Set a job's status, progress or error",
		Long: `Set a job's status, progress or error. Only the given flags change.

Examples:
  jobctl update job_0123456789ab --status running --progress 40
  jobctl update job_0123456789ab --status failed --error-code RENDER_CRASH --error-message "renderer exited"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.UpdateJobRequest
			if cmd.Flags().Changed("status") {
				s := domain.JobStatus(strings.ToLower(strings.TrimSpace(status)))
				req.Status = &s
			}
			if cmd.Flags().Changed("progress") {
				req.Progress = &progress
			}
			if errorCode != "" || errorMessage != "" {
				req.Error = &domain.JobError{Code: errorCode, Message: errorMessage}
			}
			if req.Status == nil && req.Progress == nil && req.Error == nil {
				return fmt.Errorf("nothing to update: pass --status, --progress or --error-code")
			}

			job, err := c.store.Update(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100, clamped")
	cmd.Flags().StringVar(&errorCode, "error-code", "", "error code, clears any result")
	cmd.Flags().StringVar(&errorMessage, "error-message", "", "error message")
	return cmd
}

func parseSceneIDs(raw string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid scene id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
