package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msto63/ipcpool/internal/ipc/engine"
)

var callKwargs []string

var callCmd = &cobra.Command{
	Use:   "call METHOD [ARGS...]",
	Short: "Invoke one method on the worker pool",
	Long: `Starts the worker pool, invokes METHOD once and prints the result.

Arguments are parsed as JSON values; anything that is not valid JSON is
passed as a string. Named arguments are given as --kw key=value.

Examples:
  ipcpool call echo '{"a": 1}'
  ipcpool call add 1 2 3
  ipcpool call sleep --kw seconds=0.5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringArrayVar(&callKwargs, "kw", nil, "Named argument key=value (repeatable)")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	callArgs := parseArgs(args[1:])
	kwargs, err := parseKwargs(callKwargs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := startExecPool(ctx, cfg)
	if err != nil {
		printError("starting worker pool", err)
		return err
	}
	defer rt.Close()

	result, err := rt.engine.Invoke(ctx, method, callArgs, kwargs)
	if err != nil {
		printCallError(err)
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		out = []byte(fmt.Sprint(result))
	}
	green.Println(string(out))
	return nil
}

// printCallError shows the classification of a failed call
func printCallError(err error) {
	var callErr *engine.CallError
	if errors.As(err, &callErr) {
		red.Fprintf(os.Stderr, "%s failed (%s, %d attempt(s))\n", callErr.Method, callErr.Class, callErr.Attempts)
		fmt.Fprintln(os.Stderr, "  "+callErr.Error())
		return
	}
	printError("call", err)
}

// parseArgs decodes each argument as JSON, falling back to a plain string
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		out = append(out, parseValue(s))
	}
	return out
}

func parseKwargs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --kw %q, want key=value", kv)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
