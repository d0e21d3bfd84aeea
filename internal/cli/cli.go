package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/modelgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("modelgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
ModelGrid - a dependency-tracked, memoizing calculation engine.

Usage:
  modelgrid [options] MODEL_PATH [TARGET [ARG...]]

Arguments:
  MODEL_PATH
    Path to an .hcl model definition file.
  TARGET
    Dotted path of a cells to evaluate, like Main.fibo.
  ARG...
    Arguments for the target, written as HCL literals: 10, "label", [1, 2].

Options:
`)
		flagSet.PrintDefaults()
	}

	modelFlag := flagSet.String("model", "", "Path to the model definition file.")
	mFlag := flagSet.String("m", "", "Path to the model definition file (shorthand).")
	targetFlag := flagSet.String("target", "", "Dotted path of the cells to evaluate.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "warn", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	rest := flagSet.Args()
	path := *modelFlag
	if path == "" {
		path = *mFlag
	}
	if path == "" && len(rest) > 0 {
		path = rest[0]
		rest = rest[1:]
	}
	slog.Debug("Model path determined.", "path", path)

	if path == "" {
		slog.Debug("No model path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	target := *targetFlag
	if target == "" && len(rest) > 0 {
		target = rest[0]
		rest = rest[1:]
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ModelPath: path,
		Target:    target,
		Args:      rest,
		LogFormat: logFormat,
		LogLevel:  logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
