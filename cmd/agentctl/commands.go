package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
)

var submitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		if err := newClient().Cancel(ctx, args[0]); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "cancelled "+args[0], color.FgYellow)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		h, err := newClient().Health(ctx)
		if err != nil {
			printStatus(cmd.OutOrStdout(), "✗", err.Error(), color.FgRed)
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "gateway "+h.Version, color.FgGreen)
		fmt.Fprintf(cmd.OutOrStdout(), "  capabilities: %s\n", strings.Join(h.Capabilities, ", "))
		return nil
	},
}

func init() {
	submitCmd.Flags().String("context", "", "additional context for the task")
	submitCmd.Flags().StringSlice("hint", nil, `stage hints, e.g. --hint manager --hint "developer+tester"`)
	submitCmd.Flags().Bool("wait", false, "poll until the task finishes")
	submitCmd.Flags().Duration("poll", time.Second, "poll interval with --wait")
	statusCmd.Flags().Bool("json", false, "print the raw task document")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	taskContext, _ := cmd.Flags().GetString("context")
	hints, _ := cmd.Flags().GetStringSlice("hint")
	wait, _ := cmd.Flags().GetBool("wait")
	poll, _ := cmd.Flags().GetDuration("poll")
	out := cmd.OutOrStdout()

	ctx, cancel := requestContext()
	id, err := newClient().Submit(ctx, handler.SubmitTaskRequest{
		Description: strings.Join(args, " "),
		Context:     taskContext,
		Hints:       hints,
	})
	cancel()
	if err != nil {
		return err
	}
	printStatus(out, "✓", "submitted "+id, color.FgGreen)
	if !wait {
		return nil
	}

	seen := 0
	task, err := newClient().Wait(cmd.Context(), id, poll, func(t *handler.TaskResponse) {
		for ; seen < len(t.History); seen++ {
			printStep(out, t.History[seen])
		}
	})
	if err != nil {
		return err
	}
	printTask(out, task)
	if task.Status != string(domain.StatusSucceeded) {
		os.Exit(2)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	task, err := newClient().Get(ctx, args[0])
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetBool("json"); raw {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	}
	for _, s := range task.History {
		printStep(cmd.OutOrStdout(), s)
	}
	printTask(cmd.OutOrStdout(), task)
	return nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
}

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, attr color.Attribute) {
	fmt.Fprintf(w, "%s %s\n", color.New(attr).Sprint(symbol), message)
}

func printStep(w io.Writer, s domain.Step) {
	switch {
	case s.Observation == nil:
		printStatus(w, "…", fmt.Sprintf("step %d  %s", s.Index, s.Action.Capability), color.FgCyan)
	case s.Observation.Error != nil:
		printStatus(w, "✗", fmt.Sprintf("step %d  %s  %s", s.Index, s.Action.Capability, s.Observation.Error.Reason()), color.FgRed)
	default:
		printStatus(w, "✓", fmt.Sprintf("step %d  %s", s.Index, s.Action.Capability), color.FgGreen)
	}
}

func printTask(w io.Writer, t *handler.TaskResponse) {
	attr := map[string]color.Attribute{
		string(domain.StatusSucceeded): color.FgGreen,
		string(domain.StatusFailed):    color.FgRed,
		string(domain.StatusCancelled): color.FgYellow,
	}[t.Status]
	if attr == 0 {
		attr = color.FgCyan
	}
	fmt.Fprintf(w, "\n%s %s", color.New(attr, color.Bold).Sprint(t.Status), t.TaskID)
	if t.DurationMs > 0 {
		fmt.Fprintf(w, " (%s)", time.Duration(t.DurationMs)*time.Millisecond)
	}
	fmt.Fprintln(w)
	if t.Confidence != nil {
		fmt.Fprintf(w, "confidence: %.2f\n", *t.Confidence)
	}
	for _, issue := range t.ValidationIssues {
		fmt.Fprintf(w, "  - %s\n", issue)
	}
	if t.Error != "" {
		fmt.Fprintln(w, color.RedString(t.Error))
	}
	if len(t.Result) > 0 {
		var pretty map[string]any
		if json.Unmarshal(t.Result, &pretty) == nil {
			for k, v := range pretty {
				fmt.Fprintf(w, "\n%s:\n%v\n", color.New(color.Bold).Sprint(k), v)
			}
		} else {
			fmt.Fprintln(w, string(t.Result))
		}
	}
}
