package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/closedclaw/core/pkg/spawner"
	"github.com/closedclaw/core/pkg/squad"
	"github.com/closedclaw/core/pkg/types"
)

var squadCmd = &cobra.Command{
	Use:   "squad",
	Short: "Run a squad of agents against a list of task descriptions",
}

var squadRunCmd = &cobra.Command{
	Use:   "run DESCRIPTION...",
	Short: "Spawn a squad under the given strategy and run each description as a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyName, _ := cmd.Flags().GetString("strategy")
		agentCount, _ := cmd.Flags().GetInt("agents")

		strategy := types.Strategy(strategyName)
		switch strategy {
		case types.StrategyPipeline, types.StrategyParallel, types.StrategyMapReduce, types.StrategyConsensus:
		default:
			return fmt.Errorf("unknown strategy %q (want pipeline, parallel, map-reduce, or consensus)", strategyName)
		}

		sp := spawner.New(30, 3, time.Second, time.Minute)

		agents := make([]spawner.Config, agentCount)
		for i := range agents {
			agents[i] = spawner.Config{Role: "worker"}
		}

		executor := func(ctx context.Context, agentID string, task types.Task, execCtx map[string]any) (any, error) {
			fmt.Printf("[%s] %s\n", agentID, task.Description)
			return task.Description, nil
		}

		sq, err := squad.New(sp, squad.Config{
			ID:       "cli-squad",
			Name:     "cli-squad",
			Strategy: strategy,
			Agents:   agents,
			Executor: executor,
		})
		if err != nil {
			return fmt.Errorf("create squad: %w", err)
		}
		defer sq.Terminate()

		tasks := make([]types.Task, len(args))
		for i, desc := range args {
			tasks[i] = types.Task{ID: fmt.Sprintf("task-%d", i), Description: desc, Priority: types.PriorityNormal}
		}

		res, err := sq.ExecuteTask(context.Background(), tasks)
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}

		fmt.Printf("success: %t\n", res.Success)
		fmt.Printf("completed: %d, failed: %d, duration: %s\n", res.TasksCompleted, res.TasksFailed, res.Duration)
		fmt.Printf("output: %v\n", res.Output)
		return nil
	},
}

func init() {
	squadCmd.AddCommand(squadRunCmd)

	squadRunCmd.Flags().String("strategy", "pipeline", "Squad strategy: pipeline, parallel, map-reduce, or consensus")
	squadRunCmd.Flags().Int("agents", 2, "Number of agents to spawn")
}
