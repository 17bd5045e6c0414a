package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/jobrunner/internal/config"
	"github.com/scarson/jobrunner/internal/job"
)

// jobView is the JSON shape printed by enqueue and status.
type jobView struct {
	Token          string          `json:"token"`
	Category       job.Category    `json:"category"`
	Status         job.Status      `json:"status"`
	PriorityLevel  uint8           `json:"priority_level"`
	AttemptCount   int32           `json:"attempt_count"`
	MaxAttempts    int32           `json:"max_attempts"`
	RoutingTag     *string         `json:"routing_tag,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FirstClaimedAt *time.Time      `json:"first_claimed_at,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func printJob(w io.Writer, j *job.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jobView{
		Token:          j.PublicToken,
		Category:       j.Category,
		Status:         j.Status,
		PriorityLevel:  j.PriorityLevel,
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		RoutingTag:     j.RoutingTag,
		CreatedAt:      j.CreatedAt,
		FirstClaimedAt: j.FirstClaimedAt,
		Payload:        j.Payload,
	})
}

// ── enqueue ───────────────────────────────────────────────────────────────────

type enqueueFlags struct {
	category    string
	priority    uint8
	maxAttempts int32
	routingTag  string
	payload     string
	payloadFile string
}

func enqueueCmd() *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending job and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.category, "category", "", "job category (inference, download, notification)")
	cmd.Flags().Uint8Var(&f.priority, "priority", 0, "priority level, higher runs first")
	cmd.Flags().Int32Var(&f.maxAttempts, "max-attempts", -1, "retries allowed after the first attempt (-1 uses the configured default)")
	cmd.Flags().StringVar(&f.routingTag, "routing-tag", "", "only hosts whose name starts with this tag may run the job")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&f.payloadFile, "payload-file", "", "read the JSON payload from a file")
	_ = cmd.MarkFlagRequired("category")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

// enqueueParams validates flags into store parameters. The payload must
// decode for the category so a bad job never reaches a scheduler.
func enqueueParams(cfg *config.Config, overrides config.CategoryOverrides, f enqueueFlags) (job.EnqueueParams, error) {
	c, err := job.ParseCategory(f.category)
	if err != nil {
		return job.EnqueueParams{}, err
	}

	var raw []byte
	switch {
	case f.payloadFile != "":
		raw, err = os.ReadFile(f.payloadFile) //nolint:gosec // G304: operator-supplied path
		if err != nil {
			return job.EnqueueParams{}, fmt.Errorf("read payload: %w", err)
		}
	case f.payload != "":
		raw = []byte(f.payload)
	default:
		return job.EnqueueParams{}, errors.New("one of --payload or --payload-file is required")
	}
	if _, err := job.DecodePayload(c, raw); err != nil {
		return job.EnqueueParams{}, err
	}

	p := job.EnqueueParams{
		Category:      c,
		PriorityLevel: f.priority,
		MaxAttempts:   f.maxAttempts,
		Payload:       raw,
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = cfg.MaxAttemptsFor(c, overrides)
	}
	if f.routingTag != "" {
		tag := f.routingTag
		p.RoutingTag = &tag
	}
	return p, nil
}

func runEnqueue(cmd *cobra.Command, f enqueueFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	overrides, err := config.LoadCategoryOverrides(cfg.CategoryOverridesFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	p, err := enqueueParams(cfg, overrides, f)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer closeStore()

	j, err := st.EnqueueJob(cmd.Context(), p)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), j)
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status TOKEN",
		Short: "Print one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer closeStore()

			j, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if j == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			return printJob(cmd.OutOrStdout(), j)
		},
	}
}

// ── cancel ────────────────────────────────────────────────────────────────────

func cancelCmd() *cobra.Command {
	var bySystem bool
	cmd := &cobra.Command{
		Use:   "cancel TOKEN",
		Short: "Cancel a pending or retrying job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer closeStore()

			ok, err := st.CancelJob(cmd.Context(), args[0], bySystem)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s is not pending or retrying", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&bySystem, "system", false, "record the cancellation as system-initiated")
	return cmd
}
