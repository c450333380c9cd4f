package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/executor"
	"github.com/sells-group/leadfoundry/internal/model"
)

var (
	runInput string
	runEmail string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage for one criteria document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var criteria map[string]any
		if err := artifact.ReadJSON(runInput, &criteria); err != nil {
			return eris.Wrap(err, "read criteria")
		}
		if runEmail == "" {
			if email, ok := criteria["email"].(string); ok {
				runEmail = email
			}
		}

		eng, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		// Close clears the run's lock marker so the workspace can be
		// reclaimed later.
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			eng.Close(closeCtx)
		}()

		view, runErr := runToCompletion(ctx, eng.Executor, executor.CreateRequest{Criteria: criteria, Email: runEmail})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if view.RunID != "" {
			if err := enc.Encode(view); err != nil {
				return eris.Wrap(err, "encode status")
			}
		}
		return runErr
	},
}

// runToCompletion drives a run through intake, research and finalize,
// waiting for each stage. Email runs finalize on their own after research.
func runToCompletion(ctx context.Context, exec *executor.Executor, req executor.CreateRequest) (executor.StatusView, error) {
	run, err := exec.Submit(ctx, req)
	if err != nil {
		return executor.StatusView{}, err
	}
	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("run started", zap.String("run_dir", run.RunDir))

	step := func(want model.Status) error {
		if err := exec.Wait(ctx, run.ID); err != nil {
			return eris.Wrap(err, "wait for run")
		}
		snap, err := exec.Registry().Snapshot(run.ID)
		if err != nil {
			return err
		}
		if snap.Status != want {
			return eris.Errorf("run %s ended in %s: %s", run.ID, snap.Status, snap.Error)
		}
		return nil
	}

	if err := step(model.StageIntake.Completed()); err != nil {
		return finish(exec, run.ID, err)
	}
	if _, err := exec.StartResearch(run.ID); err != nil {
		return finish(exec, run.ID, err)
	}
	if run.Mode != model.ModeEmailAutoFinalize {
		if err := step(model.StageResearch.Completed()); err != nil {
			return finish(exec, run.ID, err)
		}
		if _, err := exec.Finalize(run.ID); err != nil {
			return finish(exec, run.ID, err)
		}
	}
	if err := step(model.StageFinalize.Completed()); err != nil {
		return finish(exec, run.ID, err)
	}

	log.Info("run completed")
	return finish(exec, run.ID, nil)
}

func finish(exec *executor.Executor, id string, runErr error) (executor.StatusView, error) {
	view, err := exec.Status(id)
	if err != nil {
		return view, err
	}
	return view, runErr
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "criteria document (JSON)")
	runCmd.Flags().StringVar(&runEmail, "email", "", "deliver the spreadsheet to this address")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
