package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/streaming"
)

type runOptions struct {
	template string
	name     string
	duration time.Duration
	pretty   bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a query template locally and print its progress",
		Long: `Starts the named query template, prints every progress snapshot as JSON,
stops the query after --duration and prints its final status. A failing query
ends the command early with its error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.template, "template", "windowed-rate", "query template name")
	cmd.Flags().StringVar(&opts.name, "name", "", "query name (defaults to the template name)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "how long to run before stopping; 0 runs until the query ends")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "indent progress JSON")
	return cmd
}

// progressPrinter writes every snapshot it receives to out.
type progressPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	pretty bool
}

func (p *progressPrinter) Name() string { return "cli-progress" }

func (p *progressPrinter) OnQueryStarted(context.Context, streaming.QueryStartedEvent) error {
	return nil
}

func (p *progressPrinter) OnQueryProgress(_ context.Context, evt streaming.QueryProgressEvent) error {
	var (
		text string
		err  error
	)
	if p.pretty {
		text, err = evt.Progress.PrettyJSON()
	} else {
		text, err = evt.Progress.JSON()
	}
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.out, text)
	return err
}

func (p *progressPrinter) OnQueryTerminated(context.Context, streaming.QueryTerminatedEvent) error {
	return nil
}

type runSummary struct {
	ID        string `json:"id"`
	RunID     string `json:"runId"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Batches   int    `json:"batches"`
	Exception string `json:"exception,omitempty"`
}

func runQuery(cmd *cobra.Command, opts runOptions) (err error) {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	tmpl, ok := cfg.Queries.Templates[strings.ToLower(opts.template)]
	if !ok {
		return fmt.Errorf("query template %q not found", opts.template)
	}
	name := opts.name
	if name == "" {
		name = opts.template
	}
	spec, err := tmpl.Spec(name)
	if err != nil {
		return err
	}

	app, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = errors.Join(err, app.Close(closeCtx))
	}()

	out := cmd.OutOrStdout()
	if err := app.Manager().AddListener(&progressPrinter{out: out, pretty: opts.pretty}); err != nil {
		return fmt.Errorf("register progress printer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := app.Manager().Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start query: %w", err)
	}
	app.Logger().Info("query started",
		zap.String("template", opts.template),
		zap.Stringer("query_id", h.ID()),
		zap.Stringer("run_id", h.RunID()),
	)

	// A zero duration waits for termination; a failure then arrives as waitErr
	// and is reported from the handle below.
	terminated, waitErr := h.AwaitTermination(ctx, opts.duration)
	var queryErr *streaming.StreamingQueryError
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.As(waitErr, &queryErr) {
		return fmt.Errorf("await query: %w", waitErr)
	}
	if !terminated {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop query: %w", err)
		}
	}

	summary := runSummary{
		ID:      h.ID().String(),
		RunID:   h.RunID().String(),
		Name:    h.Name(),
		Status:  h.Status().String(),
		Batches: len(h.RecentProgress()),
	}
	exc := h.Exception()
	if exc != nil {
		summary.Exception = exc.Error()
	}
	enc := json.NewEncoder(out)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if exc != nil {
		return exc
	}
	return nil
}
