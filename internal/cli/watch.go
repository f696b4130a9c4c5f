package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/syncclient"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	MaxAttempts    int
	ReconnectDelay time.Duration
	Verbose        bool
}

// watchLine is the JSON shape of one watch output line.
type watchLine struct {
	Topic     string          `json:"topic"`
	State     string          `json:"state,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Records   []schema.Record `json:"records,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow catalog changes live",
		Long: `Connect to the authority's real-time channel, print the catalog and every change.

While watching, type a command and press Enter:
  (empty)  retry after automatic reconnection gave up
  s        request a fresh snapshot
  l        print the local copy of the catalog
  q        quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 5, "automatic reconnection attempts before giving up")
	cmd.Flags().DurationVar(&opts.ReconnectDelay, "reconnect-delay", time.Second, "wait before each reconnection attempt")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log connection diagnostics to stderr")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, in io.Reader, out, errOut io.Writer) error {
	rest, err := opts.client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &syncWriter{w: out}
	diag := io.Discard
	if opts.Verbose {
		diag = errOut
	}
	viewer := syncclient.New(
		syncclient.NewWebsocketTransport(rest.WebsocketURL()),
		syncclient.WithMaxAttempts(opts.MaxAttempts),
		syncclient.WithReconnectDelay(opts.ReconnectDelay),
		syncclient.WithHandshakeTimeout(opts.Timeout),
		syncclient.WithLogger(log.New(diag, "syncclient ", log.LstdFlags|log.Lmicroseconds)),
	)
	defer viewer.Close()

	printer := &watchPrinter{format: opts.Format, out: w}
	viewer.On(syncclient.TopicState, printer.state)
	viewer.On(syncclient.TopicSnapshot, printer.snapshot)
	viewer.On(syncclient.TopicNotification, printer.notification)

	if err := viewer.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start watch", err)
	}

	go readWatchInput(ctx, cancel, in, viewer, printer)

	<-ctx.Done()
	return nil
}

func readWatchInput(ctx context.Context, quit context.CancelFunc, in io.Reader, viewer *syncclient.Client, printer *watchPrinter) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			if viewer.Status().State != syncclient.StateReconnectFailed {
				continue
			}
			if err := viewer.Reconnect(); err != nil {
				printer.info("reconnect: " + err.Error())
			}
		case "s":
			if err := viewer.RequestSnapshot(ctx); err != nil {
				printer.info("snapshot request: " + err.Error())
			}
		case "l":
			printer.records("local copy", viewer.Records())
		case "q":
			quit()
			return
		default:
			printer.info("unknown command; use Enter, s, l or q")
		}
	}
}

type watchPrinter struct {
	format string
	out    io.Writer
}

func (p *watchPrinter) emit(line watchLine, text string) {
	if p.format == "json" {
		line.Timestamp = line.Timestamp.UTC()
		_ = NewOutputFormatter("json", p.out).JSON(line)
		return
	}
	fmt.Fprintln(p.out, text)
}

func (p *watchPrinter) state(n syncclient.Notice) {
	s := n.Status
	line := watchLine{Topic: "state", State: s.State.String(), Attempt: s.Attempt, SessionID: s.SessionID, Timestamp: time.Now()}
	var text string
	switch s.State {
	case syncclient.StateConnecting:
		text = "* connecting..."
	case syncclient.StateConnected:
		text = fmt.Sprintf("* connected (session %s)", s.SessionID)
	case syncclient.StateDisconnected:
		text = "* disconnected"
	case syncclient.StateReconnecting:
		text = fmt.Sprintf("* reconnecting (attempt %d/%d)...", s.Attempt, s.MaxAttempts)
	case syncclient.StateReconnectFailed:
		text = fmt.Sprintf("* reconnection failed after %d attempts; press Enter to retry", s.MaxAttempts)
	}
	p.emit(line, text)
}

func (p *watchPrinter) snapshot(n syncclient.Notice) {
	p.records("snapshot", n.Records)
}

func (p *watchPrinter) records(label string, records []schema.Record) {
	if p.format == "json" {
		p.emit(watchLine{Topic: label, Records: records, Timestamp: time.Now()}, "")
		return
	}
	fmt.Fprintf(p.out, "== %s: %d books ==\n", label, len(records))
	_ = NewOutputFormatter("text", p.out).Records(records)
}

func (p *watchPrinter) notification(n syncclient.Notice) {
	note := n.Notification
	p.emit(watchLine{Topic: string(note.Kind), Message: note.Message, Timestamp: note.Timestamp},
		fmt.Sprintf("[%s] %s", note.Timestamp.Local().Format("15:04:05"), note.Message))
}

func (p *watchPrinter) info(text string) {
	p.emit(watchLine{Topic: "info", Message: text, Timestamp: time.Now()}, "! "+text)
}
