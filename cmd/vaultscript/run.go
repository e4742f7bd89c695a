package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/compiler"
)

var errEvaluationFailed = errors.New("evaluation failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Type-check and run a program",
		Long: `Type-check and run a program, printing the value main() resolves to.

Code can be provided via:
  - File argument: vaultscript run report.ts
  - Inline flag: vaultscript run -c 'async function main() { return 1 }'
  - Stdin: cat report.ts | vaultscript run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, args, false)
		},
	}
	addEvaluateFlags(cmd)
	cmd.Flags().Bool("trace", false, "Print the capability call trace")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Type-check a program without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, args, true)
		},
	}
	addEvaluateFlags(cmd)
	return cmd
}

func addEvaluateFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to evaluate")
	cmd.Flags().StringSlice("allow", []string{"notes.*", "types.*"}, "Allowed capability (repeatable, supports ns.*)")
	cmd.Flags().Duration("timeout", 0, "Hard timeout (default from config)")
	cmd.Flags().String("context", "", "JSON object exposed to the program as the context global")
	cmd.Flags().Bool("json", false, "Print the full result as JSON")
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	inline, _ := cmd.Flags().GetString("code")
	switch {
	case inline != "":
		return inline, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", errors.New("no code: pass a file, -c or stdin")
		}
		return string(data), nil
	}
}

func runEvaluate(cmd *cobra.Command, args []string, typesOnly bool) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	allow, _ := cmd.Flags().GetStringSlice("allow")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	rawContext, _ := cmd.Flags().GetString("context")
	asJSON, _ := cmd.Flags().GetBool("json")

	var globals map[string]any
	if rawContext != "" {
		if err := json.Unmarshal([]byte(rawContext), &globals); err != nil {
			return fmt.Errorf("--context: %w", err)
		}
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	req := code.Request{
		Code:                source,
		AllowedCapabilities: allow,
		Context:             globals,
		Scope:               scopeFlag(cmd),
		Timeout:             timeout,
	}
	var res code.Result
	if typesOnly {
		res = a.exec.Check(cmd.Context(), req)
	} else {
		res = a.exec.Evaluate(cmd.Context(), req)
	}
	a.logger.Debug("evaluation finished",
		zap.Bool("success", res.Success),
		zap.Int64("duration_ms", res.ExecutionTimeMs),
	)

	out := cmd.OutOrStdout()
	if asJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		printResult(cmd, res, typesOnly)
	}
	if !res.Success {
		return errEvaluationFailed
	}
	return nil
}

func printResult(cmd *cobra.Command, res code.Result, typesOnly bool) {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if len(res.Diagnostics.Warnings) > 0 {
		fmt.Fprint(errOut, compiler.FormatDiagnostics(res.Diagnostics.Warnings))
	}
	if !res.Success {
		if len(res.Diagnostics.Errors) > 0 {
			fmt.Fprint(errOut, compiler.FormatDiagnostics(res.Diagnostics.Errors))
		}
		if res.Error != nil {
			fmt.Fprintf(errOut, "%s (%s): %s\n", res.Error.Kind, res.Stage, res.Error.Message)
		}
		if res.PendingOperationCount > 0 {
			fmt.Fprintf(errOut, "%d operation(s) still pending\n", res.PendingOperationCount)
		}
		return
	}
	if typesOnly {
		fmt.Fprintln(out, "ok")
		return
	}
	if err := writeJSON(out, res.Value); err != nil {
		fmt.Fprintf(errOut, "encoding result: %v\n", err)
		return
	}
	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		for _, c := range res.CapabilityCalls {
			status := "ok"
			if c.Error != "" {
				status = c.Error
			}
			fmt.Fprintf(errOut, "  %s %dms %s\n", c.Capability, c.DurationMs, status)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
