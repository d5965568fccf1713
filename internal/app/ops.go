package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"payrelay/internal/classifier"
	"payrelay/internal/queue"
	"payrelay/internal/saga"
	"payrelay/internal/storage"
	"payrelay/internal/token"
)

// RunBatch runs one batch engine pass and prints what it committed.
func (a *App) RunBatch(ctx context.Context, out io.Writer) error {
	rt, err := a.buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.engine.Run(ctx, time.Now().UTC().Truncate(a.Config.Scheduler.Interval))
	if summary.Skipped {
		fmt.Fprintln(out, "another instance holds the batch lock; nothing done")
		return err
	}
	fmt.Fprintf(out, "eligible recipients: %d, committed: %d, failed: %d\n", summary.Eligible, len(summary.Committed), len(summary.Failed))
	if len(summary.Committed)+len(summary.Failed) > 0 {
		if werr := writeBatches(out, append(summary.Committed, summary.Failed...)); werr != nil {
			return werr
		}
	}
	return err
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.requireStore(ctx, "migrate")
	if err != nil {
		return err
	}
	defer closeStore()

	applied, err := storage.Migrate(ctx, store.Pool())
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
	}
	return nil
}

// Classify prints the classification of an error message.
func (a *App) Classify(out io.Writer, message string) error {
	cls, err := a.loadClassifier()
	if err != nil {
		return err
	}
	c := cls.Classify(message)
	fmt.Fprintf(out, "code: %s\ncategory: %s\nretryable: %t\ndescription: %s\n", c.Code, c.Category, c.Retryable, c.Description)
	return nil
}

// ListCodes prints every registered error code.
func (a *App) ListCodes(out io.Writer) error {
	cls, err := a.loadClassifier()
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Code\tCategory\tRetryable\tDescription")
	for _, code := range cls.Codes() {
		c, ok := cls.Lookup(code)
		if !ok {
			c = classifier.Classification{Code: code, Category: classifier.CategoryUnknown, Description: cls.Describe(code)}
		}
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\n", c.Code, c.Category, c.Retryable, c.Description)
	}
	return writer.Flush()
}

// DecodeToken verifies raw as a token of kind and prints its fields as JSON.
func (a *App) DecodeToken(out io.Writer, kind, raw string) error {
	codec, err := a.newCodec()
	if err != nil {
		return err
	}
	p := token.New(token.Kind(kind))
	if p == nil {
		return fmt.Errorf("unknown token kind %q (want notice, transfer or batch)", kind)
	}
	if err := codec.Decode(strings.TrimSpace(raw), p); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"kind":    p.Kind(),
		"lineage": p.Lineage(),
		"payload": p,
	})
}

// IssueOptions describe a token minted by hand, for replaying a lineage.
type IssueOptions struct {
	Kind string
	// JSON holds the payload fields, in the shape DecodeToken prints them.
	JSON string
	// Queue, when set, enqueues the token there as a fresh first attempt.
	Queue string
}

// IssueToken mints a signed token and optionally enqueues it.
func (a *App) IssueToken(ctx context.Context, out io.Writer, opts IssueOptions) error {
	codec, err := a.newCodec()
	if err != nil {
		return err
	}
	p := token.New(token.Kind(opts.Kind))
	if p == nil {
		return fmt.Errorf("unknown token kind %q (want notice, transfer or batch)", opts.Kind)
	}
	if err := json.Unmarshal([]byte(opts.JSON), p); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	p.Meta().Retry = token.FirstAttempt(codec.Now())

	if opts.Queue == "" {
		raw, err := codec.Encode(p)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, raw)
		return nil
	}
	if !queue.Known(opts.Queue) {
		return fmt.Errorf("%w: %q", queue.ErrUnknownQueue, opts.Queue)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	broker, closeBroker, err := a.newBroker(ctx, store, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	created, err := saga.Publish(ctx, codec, broker, saga.Next{Queue: opts.Queue, Token: p})
	if err != nil {
		return err
	}
	if !created {
		return errors.New("a task for this lineage and attempt is already queued")
	}
	a.Logger.Info().Str("queue", opts.Queue).Str("lineage", p.Lineage()).Msg("token enqueued")
	fmt.Fprintf(out, "enqueued %s\n", queue.TaskName(opts.Queue, p.Lineage(), 1))
	return nil
}
