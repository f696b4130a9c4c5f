package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"text/tabwriter"

	json "github.com/goccy/go-json"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The authority rejected the request
	ExitCommandError = 2 // Bad flags or the authority is unreachable
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// requestError classifies a client error: rejections exit 1, everything else exits 2.
func requestError(action string, err error) error {
	switch errs.CodeOf(err) {
	case errs.CodeValidation, errs.CodeConflict, errs.CodeNotFound:
		return WrapExitError(ExitFailure, action, errors.New(errs.MessageOf(err)))
	default:
		return WrapExitError(ExitCommandError, action, err)
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// NewOutputFormatter creates a formatter writing to w.
func NewOutputFormatter(format string, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: format, Writer: w}
}

// JSON writes v as a single JSON line.
func (f *OutputFormatter) JSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(f.Writer, string(data))
	return err
}

// Records prints a record list.
func (f *OutputFormatter) Records(records []schema.Record) error {
	if f.Format == "json" {
		return f.JSON(records)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(f.Writer, "No books in the catalog.")
		return err
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tISBN\tYEAR\tGENRE")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Title, rec.Author, dash(rec.ISBN), year(rec.PublishedYear), dash(rec.Genre))
	}
	return tw.Flush()
}

// Record prints one record, optionally preceded by a message.
func (f *OutputFormatter) Record(message string, rec schema.Record) error {
	if f.Format == "json" {
		return f.JSON(rec)
	}
	if message != "" {
		fmt.Fprintln(f.Writer, message)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", rec.Title)
	fmt.Fprintf(tw, "Author:\t%s\n", rec.Author)
	fmt.Fprintf(tw, "ISBN:\t%s\n", dash(rec.ISBN))
	fmt.Fprintf(tw, "Published:\t%s\n", year(rec.PublishedYear))
	fmt.Fprintf(tw, "Genre:\t%s\n", dash(rec.Genre))
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func year(y *int) string {
	if y == nil {
		return "-"
	}
	return strconv.Itoa(*y)
}

// syncWriter serialises writes from handler goroutines and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
