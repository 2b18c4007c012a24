package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/custodian/internal/config"
	"github.com/roach88/custodian/internal/coordinator"
	"github.com/roach88/custodian/internal/registry"
	"github.com/roach88/custodian/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (document not found, store write failed, scenario failed)
	ExitCommandError = 2 // Command error (bad arguments, invalid config, store unreachable)
)

// Error codes reported in JSON output.
const (
	CodeNotFound     = "E001" // no document under the identity
	CodeOperation    = "E002" // the store rejected or failed a write
	CodeConfig       = "E003" // configuration could not be loaded
	CodeUnavailable  = "E004" // the store circuit breaker is open
	CodeInvalidInput = "E005" // malformed identity or document
	CodeInternal     = "E099"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Classify maps an error to its JSON error code and exit code.
func Classify(err error) (string, int) {
	var cfgErr *config.Error
	var opErr *coordinator.OperationError
	switch {
	case errors.Is(err, coordinator.ErrEntityAbsent), errors.Is(err, store.ErrNotFound):
		return CodeNotFound, ExitFailure
	case errors.Is(err, store.ErrCircuitOpen), errors.Is(err, coordinator.ErrStopped):
		return CodeUnavailable, ExitFailure
	case errors.As(err, &opErr):
		return CodeOperation, ExitFailure
	case errors.As(err, &cfgErr):
		return CodeConfig, ExitCommandError
	case errors.Is(err, registry.ErrClosed):
		return CodeInternal, ExitFailure
	default:
		return CodeInternal, GetExitCode(err)
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns the ExitError the
// command should return. The message is already printed, so main only uses
// the exit code.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := Classify(err)
	if writeErr := f.Error(code, fmt.Sprintf("%s: %v", message, err), nil); writeErr != nil {
		return writeErr
	}
	return &ExitError{Code: exit, Message: message, Err: errReported{err}}
}

// errReported marks an error whose message has already been written.
type errReported struct {
	error
}

func (e errReported) Unwrap() error {
	return e.error
}

// Reported reports whether err was already written by Fail.
func Reported(err error) bool {
	var r errReported
	return errors.As(err, &r)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
