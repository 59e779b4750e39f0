// Command taskmeshctl is the operator CLI for a running orchestrator.
// Every control-plane JSON-RPC method has a command form.
//
// Exit codes: 0 success, 1 generic error, 2 validation error,
// 3 authorization error, 4 backend unavailable.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/version"
)

const (
	exitOK          = 0
	exitGeneric     = 1
	exitValidation  = 2
	exitAuth        = 3
	exitUnavailable = 4
)

// validationError marks bad local input so it exits with code 2
// without a round trip to the server.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

type cliOptions struct {
	server  string
	token   string
	timeout time.Duration
	jsonOut bool
}

func (o *cliOptions) client() *rpcClient {
	return newRPCClient(o.server, o.token, o.timeout)
}

// print renders a command result: raw JSON when --json is set,
// otherwise a line-per-field human form.
func (o *cliOptions) print(result json.RawMessage) error {
	if o.jsonOut {
		var buf map[string]any
		if err := json.Unmarshal(result, &buf); err != nil {
			// Non-object results print as-is.
			fmt.Println(string(result))
			return nil
		}
		pretty, err := json.MarshalIndent(buf, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
		return nil
	}
	printHuman(result)
	return nil
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "taskmeshctl",
		Short:         "Operator CLI for the Taskmesh orchestrator",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "Orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TASKMESH_TOKEN"), "Bearer token (defaults to $TASKMESH_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Emit raw JSON output")

	root.AddCommand(
		newSubmitCmd(opts),
		newSagaCmd(opts),
		newStatusCmd(opts),
		newAnalyticsCmd(opts),
		newScaleCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newReclaimCmd(opts),
		newDLQCmd(opts),
		newInjectCmd(opts),
		newAuditCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var vErr validationError
	if errors.As(err, &vErr) {
		return exitValidation
	}
	var uErr errUnreachable
	if errors.As(err, &uErr) {
		return exitUnavailable
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpc.CodeUnauthorized:
			return exitAuth
		case rpc.CodeInvalidRequest, rpc.CodeInvalidParams, rpc.CodeMethodNotFound:
			return exitValidation
		case rpc.CodeQueueUnavailable, rpc.CodeCapacityUnavailable:
			return exitUnavailable
		}
		return exitGeneric
	}
	return exitGeneric
}

// printHuman flattens a JSON result into stable key: value lines.
func printHuman(result json.RawMessage) {
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err != nil {
		fmt.Println(string(result))
		return
	}
	for _, key := range sortedKeys(obj) {
		switch v := obj[key].(type) {
		case map[string]any, []any:
			nested, _ := json.MarshalIndent(v, "  ", "  ")
			fmt.Printf("%s:\n  %s\n", key, string(nested))
		default:
			fmt.Printf("%s: %v\n", key, v)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
