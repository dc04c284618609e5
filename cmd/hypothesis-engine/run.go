// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/internal/supervisor"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a research session until it converges, exhausts, or is stopped",
	Long: `Run starts (or resumes) a research session against the memory file. A new
session needs a research goal via --goal or --goal-file; a resumed session
reads the goal already in memory, requeues interrupted tasks, and continues
from the last recorded cycle.

The session ends on its own when the leaderboard converges or the agent
invocation budget is spent. Ctrl-C stops it at the next cycle boundary;
in-flight agent calls are allowed to finish.`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().String("goal", "", "research goal text for a new session")
	runCmd.Flags().String("goal-file", "", "file containing the research goal text")
	runCmd.Flags().StringSlice("criteria", nil, "evaluation criteria (e.g. novelty,feasibility)")
	runCmd.Flags().Bool("resume", false, "resume the session already in the memory file")
	runCmd.Flags().Bool("dry-run", false, "use deterministic scripted agents instead of the agent service")

	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	resume, _ := cmd.Flags().GetBool("resume")

	eng, err := openEngine(cfg, dryRun)
	if err != nil {
		return err
	}
	defer eng.Close()

	if !resume {
		if err := createGoal(cmd, eng); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := eng.sup.Run(ctx)
	if errors.Is(err, supervisor.ErrSessionFinished) {
		return fmt.Errorf("%w (use status or overview to inspect it)", err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Session %s after %d agent invocations.\n", state, eng.pool.Invocations())
	if state == types.SessionConverged || state == types.SessionExhausted {
		fmt.Fprintln(os.Stdout, "Run `hypothesis-engine overview` for the research overview.")
	}
	return nil
}

// goalSpec is the shape accepted by --goal-file. A .yaml/.yml file can set
// criteria and preferences alongside the text; any other file is read as
// plain goal text.
type goalSpec struct {
	Text        string            `yaml:"text"`
	Criteria    []string          `yaml:"criteria"`
	Preferences map[string]string `yaml:"preferences"`
}

func readGoalFile(path string) (goalSpec, error) {
	var spec goalSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("reading goal file: %w", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("parsing goal file %s: %w", path, err)
		}
	default:
		spec.Text = strings.TrimSpace(string(data))
	}
	if spec.Text == "" {
		return spec, fmt.Errorf("goal file %s has no goal text", path)
	}
	return spec, nil
}

// goalFromFlags resolves --goal / --goal-file / --criteria into one spec.
func goalFromFlags(cmd *cobra.Command) (goalSpec, error) {
	var spec goalSpec
	text, _ := cmd.Flags().GetString("goal")
	goalFile, _ := cmd.Flags().GetString("goal-file")
	if text != "" {
		spec.Text = text
	} else if goalFile != "" {
		var err error
		spec, err = readGoalFile(goalFile)
		if err != nil {
			return spec, err
		}
	}
	if criteria, _ := cmd.Flags().GetStringSlice("criteria"); len(criteria) > 0 {
		spec.Criteria = criteria
	}
	return spec, nil
}

// createGoal stores the research goal for a fresh session. Refuses to
// overwrite an existing session's goal; that is what feedback is for.
func createGoal(cmd *cobra.Command, eng *engine) error {
	spec, err := goalFromFlags(cmd)
	if err != nil {
		return err
	}
	if spec.Text == "" {
		return fmt.Errorf("a new session needs --goal or --goal-file (or pass --resume)")
	}

	ctx := context.Background()
	if _, err := eng.store.ActiveGoal(ctx); err == nil {
		return fmt.Errorf("memory file already holds a session; use --resume to continue it or feedback to revise the goal")
	} else if !errors.Is(err, memory.ErrNotFound) {
		return fmt.Errorf("checking for existing goal: %w", err)
	}

	goal := types.ResearchGoal{
		ID:          uuid.NewString(),
		Version:     1,
		Text:        spec.Text,
		Criteria:    spec.Criteria,
		Preferences: spec.Preferences,
		Status:      types.GoalActive,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := eng.store.Put(ctx, memory.KindGoal, goal.ID, goal, 0); err != nil {
		return fmt.Errorf("storing goal: %w", err)
	}
	return nil
}
