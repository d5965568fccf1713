package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"payrelay/internal/classifier"
	"payrelay/internal/queue"
	"payrelay/internal/storage"
)

// ShowBatches prints recent payout batches.
func (a *App) ShowBatches(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show batches")
	if err != nil {
		return err
	}
	defer closeStore()

	batches, err := store.ListRecentBatches(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(os.Stdout, "no batches found")
		return nil
	}
	return writeBatches(os.Stdout, batches)
}

func writeBatches(out io.Writer, batches []storage.PayoutBatch) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tBatch\tRecipient\tUSD\tFragments\tPayout\tStatus\tError")

	for _, b := range batches {
		errMsg := ""
		if b.Error != nil {
			errMsg = sanitizeInline(*b.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%d\t%s/%s\t%s\t%s\n",
			b.CreatedAt.UTC().Format(time.RFC3339),
			b.ID,
			b.RecipientID,
			formatDecimal(b.AmountUSD, 2),
			b.FragmentCount,
			b.PayoutCurrency,
			b.PayoutNetwork,
			b.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

// ShowFailures prints recent terminal saga failures.
func (a *App) ShowFailures(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show failures")
	if err != nil {
		return err
	}
	defer closeStore()

	failures, err := store.ListRecentFailures(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(os.Stdout, "no failures recorded")
		return nil
	}
	cls, err := a.loadClassifier()
	if err != nil {
		return err
	}
	return writeFailures(os.Stdout, failures, cls)
}

func writeFailures(out io.Writer, failures []storage.Failure, cls *classifier.Classifier) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Failed (UTC)\tLineage\tStage\tCode\tAttempts\tFirst attempt (UTC)\tMessage")

	for _, f := range failures {
		message := f.ErrorMessage
		if message == "" {
			message = cls.Describe(f.ErrorCode)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.CreatedAt.UTC().Format(time.RFC3339),
			f.UniqueID,
			f.Stage,
			f.ErrorCode,
			f.AttemptCount,
			f.FirstAttemptAt.UTC().Format(time.RFC3339),
			sanitizeInline(message),
		)
	}
	return writer.Flush()
}

// ShowWallet prints the host wallet balance of the native currency and every
// configured token.
func (a *App) ShowWallet(ctx context.Context) error {
	cls, err := a.loadClassifier()
	if err != nil {
		return err
	}
	exec, err := a.newExecutor(cls, nil)
	if err != nil {
		return err
	}

	currencies := []string{a.Config.Executor.NativeSymbol}
	tokens := make([]string, 0, len(a.Config.Executor.Tokens))
	for symbol := range a.Config.Executor.Tokens {
		tokens = append(tokens, symbol)
	}
	sort.Strings(tokens)
	currencies = append(currencies, tokens...)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Wallet\t%s\n", exec.From().Hex())
	fmt.Fprintln(writer, "Currency\tBalance\tBlock")
	for _, currency := range currencies {
		balance, err := exec.Balance(ctx, currency)
		if err != nil {
			fmt.Fprintf(writer, "%s\t-\t%s\n", currency, sanitizeInline(err.Error()))
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\n", balance.Currency, formatDecimal(balance.Amount, 6), balance.BlockNumber)
	}
	return writer.Flush()
}

// ShowQueues prints open and dead-lettered task counts.
func (a *App) ShowQueues(ctx context.Context, opts ShowOptions) error {
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

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	switch b := broker.(type) {
	case *queue.PostgresBroker:
		stats, err := b.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(writer, "Queue\tOpen\tDead")
		for _, s := range stats {
			fmt.Fprintf(writer, "%s\t%d\t%d\n", s.Queue, s.Open, s.Dead)
		}
	case *queue.RedisBroker:
		fmt.Fprintln(writer, "Queue\tDead task")
		for _, q := range queue.Queues {
			names, err := b.DeadLetters(ctx, q, int64(opts.Limit))
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintf(writer, "%s\t%s\n", q, name)
			}
		}
	default:
		return fmt.Errorf("queue.backend %s keeps no inspectable state", a.Config.Queue.Backend)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
