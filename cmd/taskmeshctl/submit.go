package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var priorityNames = map[string]bool{
	"": true, "critical": true, "high": true, "normal": true, "low": true,
}

func parseParams(raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, validationErrorf("--params is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func checkPriority(p string) error {
	if !priorityNames[p] {
		return validationErrorf("unknown priority %q (critical|high|normal|low)", p)
	}
	return nil
}

func newSubmitCmd(opts *cliOptions) *cobra.Command {
	var (
		params         string
		priority       string
		deadlineMS     int64
		tenantID       string
		idempotencyKey string
		correlationID  string
	)
	cmd := &cobra.Command{
		Use:   "submit <method>",
		Short: "Submit a task (run_reasoning, run_codegen, run_ml, run_sandbox, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPriority(priority); err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			result, err := opts.client().call(cmd.Context(), "run_task", map[string]any{
				"method":          args[0],
				"params":          p,
				"priority":        priority,
				"deadline_ms":     deadlineMS,
				"tenant_id":       tenantID,
				"idempotency_key": idempotencyKey,
				"correlation_id":  correlationID,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "Task params as JSON")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority class (critical|high|normal|low)")
	cmd.Flags().Int64Var(&deadlineMS, "deadline", 0, "Deadline in milliseconds from now")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for exactly-once submission")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation identifier")
	return cmd
}

func newSagaCmd(opts *cliOptions) *cobra.Command {
	var (
		input    string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "saga <definition>",
		Short: "Run a registered saga definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPriority(priority); err != nil {
				return err
			}
			var in map[string]any
			if input != "" {
				if err := json.Unmarshal([]byte(input), &in); err != nil {
					return validationErrorf("--input is not a JSON object: %v", err)
				}
			}
			result, err := opts.client().call(cmd.Context(), "run_saga", map[string]any{
				"definition": args[0],
				"input":      in,
				"priority":   priority,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Saga input as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority class for dispatched steps")
	return cmd
}

func newInjectCmd(opts *cliOptions) *cobra.Command {
	var (
		params        string
		priority      string
		deadlineMS    int64
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "inject <method>",
		Short: "Inject a task bypassing tenant quota and clamp (operator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPriority(priority); err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			result, err := opts.client().call(cmd.Context(), "inject.task", map[string]any{
				"method":         args[0],
				"params":         p,
				"priority":       priority,
				"deadline_ms":    deadlineMS,
				"correlation_id": correlationID,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "Task params as JSON")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority class (catalog ceiling still applies)")
	cmd.Flags().Int64Var(&deadlineMS, "deadline", 0, "Deadline in milliseconds from now")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation identifier")
	return cmd
}
