package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gantrylabs/gantry/pkg/types"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch a run to the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run-id")
		harnessName, _ := cmd.Flags().GetString("harness")
		prompt, _ := cmd.Flags().GetString("prompt")
		command, _ := cmd.Flags().GetString("exec")
		image, _ := cmd.Flags().GetString("image")
		workspace, _ := cmd.Flags().GetString("workspace")
		mode, _ := cmd.Flags().GetString("mode")
		timeout, _ := cmd.Flags().GetInt("timeout")
		env, _ := cmd.Flags().GetStringSlice("env")

		req := &types.RunRequest{
			RunID:          runID,
			Harness:        harnessName,
			Mode:           types.ExecutionMode(mode),
			Prompt:         prompt,
			Command:        command,
			Image:          image,
			WorkspacePath:  workspace,
			Env:            env,
			TimeoutSeconds: timeout,
		}

		resp, err := apiClient(cmd).Dispatch(cmd.Context(), req)
		if err != nil {
			return err
		}
		if !resp.Accepted {
			return fmt.Errorf("run rejected: %s", resp.Reason)
		}
		fmt.Printf("✓ Run %s accepted\n", resp.RunID)
		return nil
	},
}

func init() {
	dispatchCmd.Flags().String("run-id", "", "unique run identifier")
	dispatchCmd.Flags().String("harness", "", "harness to execute (codex, claude-code, opencode)")
	dispatchCmd.Flags().String("prompt", "", "task prompt")
	dispatchCmd.Flags().String("exec", "", "raw command for command-style runs")
	dispatchCmd.Flags().String("image", "", "container image for the run sandbox")
	dispatchCmd.Flags().String("workspace", "", "workspace path relative to the node root")
	dispatchCmd.Flags().String("mode", "", "execution mode (default, plan, review)")
	dispatchCmd.Flags().Int("timeout", 0, "run timeout in seconds")
	dispatchCmd.Flags().StringSlice("env", nil, "environment entries KEY=VALUE")
	dispatchCmd.MarkFlagRequired("run-id")
	dispatchCmd.MarkFlagRequired("harness")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or executing run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, err := apiClient(cmd).Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("run %s is not active", args[0])
		}
		fmt.Printf("✓ Cancel requested for %s\n", args[0])
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <run-id>",
	Short: "Force-kill the container backing a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		force, _ := cmd.Flags().GetBool("force")

		resp, err := apiClient(cmd).KillContainer(cmd.Context(), args[0], reason, force)
		if err != nil {
			return err
		}
		if !resp.Killed {
			return fmt.Errorf("kill failed: %s", resp.Error)
		}
		fmt.Printf("✓ Killed container %s\n", resp.ContainerID)
		return nil
	},
}

func init() {
	killCmd.Flags().String("reason", "", "why the container is being killed")
	killCmd.Flags().Bool("force", false, "skip the graceful stop")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the persisted event backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetUint64("after")
		max, _ := cmd.Flags().GetInt("max")

		page, err := apiClient(cmd).Backlog(cmd.Context(), after, max)
		if err != nil {
			return err
		}
		for _, ev := range page.Events {
			content := ev.Event.Content
			if len(content) > 120 {
				content = content[:120] + "..."
			}
			fmt.Printf("%8d  %-24s  %-16s  %s\n", ev.DeliveryID, ev.RunID, ev.Event.Type, content)
		}
		if page.HasMore {
			fmt.Printf("... more events after delivery id %d\n", page.LastDeliveryID)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Uint64("after", 0, "read events after this delivery id")
	eventsCmd.Flags().Int("max", 100, "maximum events to fetch")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove containers for runs that are no longer active",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetStringSlice("active")

		resp, err := apiClient(cmd).Reconcile(cmd.Context(), active)
		if err != nil {
			return err
		}
		if resp.OrphanedCount == 0 {
			fmt.Println("No orphaned containers")
			return nil
		}
		for _, c := range resp.RemovedContainers {
			fmt.Printf("✓ Removed %s (run %s)\n", c.ContainerID, c.RunID)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringSlice("active", nil, "run ids that are still active")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show node health",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient(cmd).Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s (%dms)\n", resp.Status, resp.TotalDurationMs)
		for name, check := range resp.Checks {
			line := fmt.Sprintf("  %-16s %s (%dms)", name, check.Status, check.DurationMs)
			if check.Error != "" {
				line += "  " + check.Error
			}
			fmt.Println(line)
		}
		if strings.EqualFold(resp.Status, "unhealthy") {
			return fmt.Errorf("node is unhealthy")
		}
		return nil
	},
}
