package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	upsertRecipientSQL = `INSERT INTO payout_recipients (
        recipient_id,
        wallet_address,
        payout_currency,
        payout_network,
        payout_mode,
        threshold_usd,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,now()
    )
    ON CONFLICT (recipient_id) DO UPDATE
    SET
        wallet_address  = EXCLUDED.wallet_address,
        payout_currency = EXCLUDED.payout_currency,
        payout_network  = EXCLUDED.payout_network,
        payout_mode     = EXCLUDED.payout_mode,
        threshold_usd   = EXCLUDED.threshold_usd,
        updated_at      = now();`

	getRecipientSQL = `SELECT
        recipient_id,
        wallet_address,
        payout_currency,
        payout_network,
        payout_mode,
        threshold_usd::text,
        updated_at
    FROM payout_recipients
    WHERE recipient_id = $1;`

	insertFragmentSQL = `INSERT INTO accumulation_fragments (
        payment_ref,
        recipient_id,
        user_id,
        amount_usd,
        payout_currency,
        payout_network
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (payment_ref) DO NOTHING
    RETURNING id;`

	listRecipientTotalsSQL = `SELECT
        r.recipient_id,
        r.wallet_address,
        r.payout_currency,
        r.payout_network,
        r.payout_mode,
        r.threshold_usd::text,
        r.updated_at,
        SUM(f.amount_usd)::text,
        COUNT(f.id)
    FROM accumulation_fragments f
    JOIN payout_recipients r ON r.recipient_id = f.recipient_id
    WHERE NOT f.is_paid_out
    GROUP BY r.recipient_id
    ORDER BY r.recipient_id;`

	listUnpaidFragmentsSQL = `SELECT
        id,
        payment_ref,
        recipient_id,
        user_id,
        amount_usd::text,
        payout_currency,
        payout_network,
        is_paid_out,
        batch_id,
        created_at,
        paid_out_at
    FROM accumulation_fragments
    WHERE recipient_id = $1
      AND NOT is_paid_out
    ORDER BY id;`

	lockFragmentsSQL = `SELECT id, amount_usd::text
    FROM accumulation_fragments
    WHERE id = ANY($1)
      AND recipient_id = $2
      AND NOT is_paid_out
    ORDER BY id
    FOR UPDATE;`

	insertBatchSQL = `INSERT INTO payout_batches (
        batch_id,
        recipient_id,
        amount_usd,
        fragment_count,
        wallet_address,
        payout_currency,
        payout_network,
        status,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	markFragmentsPaidSQL = `UPDATE accumulation_fragments
    SET is_paid_out = TRUE, batch_id = $2, paid_out_at = $3
    WHERE id = ANY($1);`

	updateBatchStatusSQL = `UPDATE payout_batches
    SET status = $2,
        error = COALESCE($4, error),
        processing_started_at = CASE WHEN $2 = 'processing' THEN COALESCE(processing_started_at, $3) ELSE processing_started_at END,
        completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, $3) ELSE completed_at END
    WHERE batch_id = $1
      AND status = ANY($5);`

	batchColumns = `batch_id,
        recipient_id,
        amount_usd::text,
        fragment_count,
        wallet_address,
        payout_currency,
        payout_network,
        status,
        error,
        created_at,
        processing_started_at,
        completed_at`

	getBatchSQL = `SELECT ` + batchColumns + `
    FROM payout_batches
    WHERE batch_id = $1;`

	listRecentBatchesSQL = `SELECT ` + batchColumns + `
    FROM payout_batches
    ORDER BY created_at DESC
    LIMIT $1;`

	listBatchesBetweenSQL = `SELECT ` + batchColumns + `
    FROM payout_batches
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	insertFailureSQL = `INSERT INTO saga_failures (
        unique_id,
        stage,
        error_code,
        error_message,
        attempt_count,
        first_attempt_at,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (unique_id) DO UPDATE
    SET unique_id = EXCLUDED.unique_id
    WHERE saga_failures.alerted_at IS NULL
    RETURNING created_at;`

	markAlertedSQL = `UPDATE saga_failures
    SET alerted_at = $2
    WHERE unique_id = $1
      AND alerted_at IS NULL;`

	listRecentFailuresSQL = `SELECT
        unique_id,
        stage,
        error_code,
        error_message,
        attempt_count,
        first_attempt_at,
        details,
        created_at,
        alerted_at
    FROM saga_failures
    ORDER BY created_at DESC
    LIMIT $1;`

	claimPaymentSQL = `INSERT INTO payments (
        unique_id,
        external_ref_id,
        destination,
        amount,
        currency,
        status,
        claimed_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,'executing',$6,$6
    )
    ON CONFLICT (unique_id) DO UPDATE
    SET status = 'executing', claimed_at = EXCLUDED.claimed_at, updated_at = EXCLUDED.claimed_at, error_code = NULL
    WHERE payments.status = 'failed'
       OR (payments.status = 'executing' AND payments.claimed_at < $7)
    RETURNING unique_id;`

	paymentColumns = `unique_id,
        external_ref_id,
        destination,
        amount::text,
        currency,
        status,
        tx_hash,
        block_number,
        gas_used,
        error_code,
        nonce,
        broadcast_hashes,
        claimed_at,
        updated_at`

	getPaymentSQL = `SELECT ` + paymentColumns + `
    FROM payments
    WHERE unique_id = $1;`

	completePaymentSQL = `UPDATE payments
    SET status = 'completed', tx_hash = $2, block_number = $3, gas_used = $4, error_code = NULL, updated_at = $5
    WHERE unique_id = $1;`

	recordBroadcastSQL = `UPDATE payments
    SET nonce = COALESCE(nonce, $3),
        broadcast_hashes = CASE
            WHEN $2 = ANY(broadcast_hashes) THEN broadcast_hashes
            ELSE array_append(broadcast_hashes, $2)
        END,
        updated_at = $4
    WHERE unique_id = $1
      AND status = 'executing'
      AND (nonce IS NULL OR nonce = $3);`

	failPaymentSQL = `UPDATE payments
    SET status = 'failed', error_code = $2, updated_at = $3
    WHERE unique_id = $1
      AND status <> 'completed';`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecipientStore persists payout recipients.
type RecipientStore interface {
	UpsertRecipient(ctx context.Context, r Recipient) error
	GetRecipient(ctx context.Context, id int64) (Recipient, error)
}

// FragmentStore persists accumulation fragments.
type FragmentStore interface {
	// InsertFragment stores f unless a fragment with the same payment ref exists.
	InsertFragment(ctx context.Context, f Fragment) (inserted bool, err error)
	ListRecipientTotals(ctx context.Context) ([]RecipientTotal, error)
	ListUnpaidFragments(ctx context.Context, recipientID int64) ([]Fragment, error)
}

// BatchStore persists payout batches.
type BatchStore interface {
	// CommitBatch inserts batch and marks fragmentIDs paid out in one
	// transaction. It fails with ErrConflict if any fragment is no longer unpaid.
	CommitBatch(ctx context.Context, batch PayoutBatch, fragmentIDs []int64) (PayoutBatch, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status BatchStatus, reason string, at time.Time) error
	GetBatch(ctx context.Context, id uuid.UUID) (PayoutBatch, error)
	ListRecentBatches(ctx context.Context, limit int) ([]PayoutBatch, error)
	ListBatchesBetween(ctx context.Context, from, to time.Time) ([]PayoutBatch, error)
}

// FailureStore persists terminal saga failures.
type FailureStore interface {
	// RecordFailure stores f unless its unique id already has a record and
	// reports whether that record still awaits its alert.
	RecordFailure(ctx context.Context, f Failure) (alertPending bool, err error)
	MarkAlerted(ctx context.Context, uniqueID string, at time.Time) error
	ListRecentFailures(ctx context.Context, limit int) ([]Failure, error)
}

// PaymentStore guards on-chain transfers against duplicate execution.
type PaymentStore interface {
	// ClaimPayment takes ownership of p.UniqueID unless it is completed or
	// claimed by another worker more recently than staleBefore.
	ClaimPayment(ctx context.Context, p Payment, staleBefore time.Time) (PaymentClaim, error)
	// RecordBroadcast journals a signed transfer before it is broadcast. It
	// fails with ErrConflict unless the payment is executing at nonce or has
	// no nonce yet.
	RecordBroadcast(ctx context.Context, uniqueID, txHash string, nonce uint64, at time.Time) error
	CompletePayment(ctx context.Context, uniqueID, txHash string, blockNumber, gasUsed int64, at time.Time) error
	FailPayment(ctx context.Context, uniqueID, code string, at time.Time) error
	GetPayment(ctx context.Context, uniqueID string) (Payment, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements every storage interface on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components sharing the connection.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the conn is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertRecipient creates or replaces a recipient's payout settings.
func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var threshold interface{}
	if r.ThresholdUSD != nil {
		threshold = r.ThresholdUSD.String()
	}

	if _, err := pool.Exec(ctx, upsertRecipientSQL,
		r.ID,
		r.WalletAddress,
		r.PayoutCurrency,
		r.PayoutNetwork,
		string(r.PayoutMode),
		threshold,
	); err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// GetRecipient loads a recipient by id.
func (s *Store) GetRecipient(ctx context.Context, id int64) (Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return Recipient{}, err
	}

	var r Recipient
	var mode string
	var threshold *string
	scanErr := pool.QueryRow(ctx, getRecipientSQL, id).Scan(
		&r.ID,
		&r.WalletAddress,
		&r.PayoutCurrency,
		&r.PayoutNetwork,
		&mode,
		&threshold,
		&r.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if scanErr != nil {
		return Recipient{}, fmt.Errorf("get recipient: %w", scanErr)
	}

	r.PayoutMode = PayoutMode(mode)
	if r.ThresholdUSD, err = parseOptionalDecimal(threshold); err != nil {
		return Recipient{}, fmt.Errorf("parse threshold: %w", err)
	}
	return r, nil
}

// InsertFragment stores a fragment keyed by its payment ref.
func (s *Store) InsertFragment(ctx context.Context, f Fragment) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if f.PaymentRef == "" || !f.AmountUSD.IsPositive() {
		return false, ErrInvalidInput
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertFragmentSQL,
		f.PaymentRef,
		f.RecipientID,
		f.UserID,
		f.AmountUSD.String(),
		f.PayoutCurrency,
		f.PayoutNetwork,
	).Scan(&id)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return false, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("insert fragment: %w", scanErr)
	}
	return true, nil
}

// ListRecipientTotals sums unpaid fragments per recipient.
func (s *Store) ListRecipientTotals(ctx context.Context) ([]RecipientTotal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecipientTotalsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list recipient totals: %w", queryErr)
	}
	defer rows.Close()

	totals := make([]RecipientTotal, 0)
	for rows.Next() {
		var t RecipientTotal
		var mode, sum string
		var threshold *string
		if err := rows.Scan(
			&t.ID,
			&t.WalletAddress,
			&t.PayoutCurrency,
			&t.PayoutNetwork,
			&mode,
			&threshold,
			&t.UpdatedAt,
			&sum,
			&t.FragmentCount,
		); err != nil {
			return nil, err
		}
		t.PayoutMode = PayoutMode(mode)
		if t.ThresholdUSD, err = parseOptionalDecimal(threshold); err != nil {
			return nil, fmt.Errorf("parse threshold: %w", err)
		}
		if t.UnpaidUSD, err = decimal.NewFromString(sum); err != nil {
			return nil, fmt.Errorf("parse unpaid sum: %w", err)
		}
		totals = append(totals, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return totals, nil
}

// ListUnpaidFragments lists a recipient's unpaid fragments in insertion order.
func (s *Store) ListUnpaidFragments(ctx context.Context, recipientID int64) ([]Fragment, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnpaidFragmentsSQL, recipientID)
	if queryErr != nil {
		return nil, fmt.Errorf("list unpaid fragments: %w", queryErr)
	}
	defer rows.Close()

	fragments := make([]Fragment, 0)
	for rows.Next() {
		var f Fragment
		var amount string
		if err := rows.Scan(
			&f.ID,
			&f.PaymentRef,
			&f.RecipientID,
			&f.UserID,
			&amount,
			&f.PayoutCurrency,
			&f.PayoutNetwork,
			&f.PaidOut,
			&f.BatchID,
			&f.CreatedAt,
			&f.PaidOutAt,
		); err != nil {
			return nil, err
		}
		if f.AmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse fragment amount: %w", err)
		}
		fragments = append(fragments, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return fragments, nil
}

// CommitBatch atomically creates batch and links fragmentIDs to it. The
// amount and count stored are recomputed from the locked fragment rows.
func (s *Store) CommitBatch(ctx context.Context, batch PayoutBatch, fragmentIDs []int64) (PayoutBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return PayoutBatch{}, err
	}
	if len(fragmentIDs) == 0 || batch.ID == uuid.Nil {
		return PayoutBatch{}, ErrInvalidInput
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return PayoutBatch{}, fmt.Errorf("begin commit batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, lockFragmentsSQL, fragmentIDs, batch.RecipientID)
	if err != nil {
		return PayoutBatch{}, fmt.Errorf("lock fragments: %w", err)
	}
	total := decimal.Zero
	locked := 0
	for rows.Next() {
		var id int64
		var amount string
		if err := rows.Scan(&id, &amount); err != nil {
			rows.Close()
			return PayoutBatch{}, fmt.Errorf("scan locked fragment: %w", err)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return PayoutBatch{}, fmt.Errorf("parse fragment amount: %w", err)
		}
		total = total.Add(value)
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PayoutBatch{}, fmt.Errorf("lock fragments: %w", err)
	}
	if locked != len(fragmentIDs) {
		return PayoutBatch{}, fmt.Errorf("%w: locked %d of %d fragments", ErrConflict, locked, len(fragmentIDs))
	}

	batch.AmountUSD = total
	batch.FragmentCount = locked
	batch.Status = BatchPending
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, insertBatchSQL,
		batch.ID,
		batch.RecipientID,
		batch.AmountUSD.String(),
		batch.FragmentCount,
		batch.WalletAddress,
		batch.PayoutCurrency,
		batch.PayoutNetwork,
		string(batch.Status),
		batch.CreatedAt,
	); err != nil {
		return PayoutBatch{}, fmt.Errorf("insert batch: %w", err)
	}

	tag, err := tx.Exec(ctx, markFragmentsPaidSQL, fragmentIDs, batch.ID, batch.CreatedAt)
	if err != nil {
		return PayoutBatch{}, fmt.Errorf("mark fragments paid: %w", err)
	}
	if tag.RowsAffected() != int64(locked) {
		return PayoutBatch{}, fmt.Errorf("%w: marked %d of %d fragments", ErrConflict, tag.RowsAffected(), locked)
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutBatch{}, fmt.Errorf("commit batch: %w", err)
	}
	return batch, nil
}

// UpdateBatchStatus moves a batch along its lifecycle.
func (s *Store) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status BatchStatus, reason string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	from := status.allowedFrom()
	if from == nil {
		return fmt.Errorf("%w: target %q", ErrInvalidTransition, status)
	}

	var reasonArg interface{}
	if reason != "" {
		reasonArg = reason
	}

	tag, execErr := pool.Exec(ctx, updateBatchStatusSQL, id, string(status), at, reasonArg, from)
	if execErr != nil {
		return fmt.Errorf("update batch status: %w", execErr)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

// GetBatch loads one batch.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (PayoutBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return PayoutBatch{}, err
	}
	batch, scanErr := scanBatch(pool.QueryRow(ctx, getBatchSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return PayoutBatch{}, ErrNotFound
	}
	if scanErr != nil {
		return PayoutBatch{}, fmt.Errorf("get batch: %w", scanErr)
	}
	return batch, nil
}

// ListRecentBatches lists the newest batches first.
func (s *Store) ListRecentBatches(ctx context.Context, limit int) ([]PayoutBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentBatchesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent batches: %w", queryErr)
	}
	return collectBatches(rows)
}

// ListBatchesBetween lists batches created within [from, to).
func (s *Store) ListBatchesBetween(ctx context.Context, from, to time.Time) ([]PayoutBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listBatchesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list batches between: %w", queryErr)
	}
	return collectBatches(rows)
}

// RecordFailure stores the terminal failure of a lineage once and reports
// whether it has yet to be alerted.
func (s *Store) RecordFailure(ctx context.Context, f Failure) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	details := f.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}

	var created time.Time
	scanErr := pool.QueryRow(ctx, insertFailureSQL,
		f.UniqueID,
		f.Stage,
		f.ErrorCode,
		f.ErrorMessage,
		f.AttemptCount,
		f.FirstAttemptAt,
		[]byte(details),
	).Scan(&created)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return false, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("record failure: %w", scanErr)
	}
	return true, nil
}

// MarkAlerted stamps the failure record of uniqueID as alerted.
func (s *Store) MarkAlerted(ctx context.Context, uniqueID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markAlertedSQL, uniqueID, at); execErr != nil {
		return fmt.Errorf("mark alerted: %w", execErr)
	}
	return nil
}

// ListRecentFailures lists the newest failure records first.
func (s *Store) ListRecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFailuresSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent failures: %w", queryErr)
	}
	defer rows.Close()

	failures := make([]Failure, 0, limit)
	for rows.Next() {
		var f Failure
		var details []byte
		if err := rows.Scan(
			&f.UniqueID,
			&f.Stage,
			&f.ErrorCode,
			&f.ErrorMessage,
			&f.AttemptCount,
			&f.FirstAttemptAt,
			&details,
			&f.CreatedAt,
			&f.AlertedAt,
		); err != nil {
			return nil, err
		}
		f.Details = json.RawMessage(details)
		failures = append(failures, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return failures, nil
}

// ClaimPayment records intent to execute p and reports whether this caller owns it.
func (s *Store) ClaimPayment(ctx context.Context, p Payment, staleBefore time.Time) (PaymentClaim, error) {
	pool, err := s.getPool()
	if err != nil {
		return PaymentClaim{}, err
	}
	claimedAt := p.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}

	var id string
	scanErr := pool.QueryRow(ctx, claimPaymentSQL,
		p.UniqueID,
		p.ExternalRefID,
		p.Destination,
		p.Amount.String(),
		p.Currency,
		claimedAt,
		staleBefore,
	).Scan(&id)
	claimed := scanErr == nil
	if scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
		return PaymentClaim{}, fmt.Errorf("claim payment: %w", scanErr)
	}

	current, err := s.GetPayment(ctx, p.UniqueID)
	if err != nil {
		return PaymentClaim{}, err
	}
	return PaymentClaim{Claimed: claimed, Current: current}, nil
}

// CompletePayment records a confirmed transfer.
func (s *Store) CompletePayment(ctx context.Context, uniqueID, txHash string, blockNumber, gasUsed int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, completePaymentSQL, uniqueID, txHash, blockNumber, gasUsed, at)
	if execErr != nil {
		return fmt.Errorf("complete payment: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordBroadcast appends txHash to the payment's broadcast journal.
func (s *Store) RecordBroadcast(ctx context.Context, uniqueID, txHash string, nonce uint64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, recordBroadcastSQL, uniqueID, txHash, int64(nonce), at)
	if execErr != nil {
		return fmt.Errorf("record broadcast: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailPayment releases a claim after a failed transfer so a retry may claim it again.
func (s *Store) FailPayment(ctx context.Context, uniqueID, code string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, failPaymentSQL, uniqueID, code, at); execErr != nil {
		return fmt.Errorf("fail payment: %w", execErr)
	}
	return nil
}

// GetPayment loads the payment record for a lineage.
func (s *Store) GetPayment(ctx context.Context, uniqueID string) (Payment, error) {
	pool, err := s.getPool()
	if err != nil {
		return Payment{}, err
	}

	var p Payment
	var amount, status string
	scanErr := pool.QueryRow(ctx, getPaymentSQL, uniqueID).Scan(
		&p.UniqueID,
		&p.ExternalRefID,
		&p.Destination,
		&amount,
		&p.Currency,
		&status,
		&p.TxHash,
		&p.BlockNumber,
		&p.GasUsed,
		&p.ErrorCode,
		&p.Nonce,
		&p.BroadcastHashes,
		&p.ClaimedAt,
		&p.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if scanErr != nil {
		return Payment{}, fmt.Errorf("get payment: %w", scanErr)
	}
	p.Status = PaymentStatus(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("parse payment amount: %w", err)
	}
	return p, nil
}

func scanBatch(row pgx.Row) (PayoutBatch, error) {
	var b PayoutBatch
	var amount, status string
	if err := row.Scan(
		&b.ID,
		&b.RecipientID,
		&amount,
		&b.FragmentCount,
		&b.WalletAddress,
		&b.PayoutCurrency,
		&b.PayoutNetwork,
		&status,
		&b.Error,
		&b.CreatedAt,
		&b.ProcessingStartedAt,
		&b.CompletedAt,
	); err != nil {
		return PayoutBatch{}, err
	}
	b.Status = BatchStatus(status)
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return PayoutBatch{}, fmt.Errorf("parse batch amount: %w", err)
	}
	b.AmountUSD = value
	return b, nil
}

func collectBatches(rows pgx.Rows) ([]PayoutBatch, error) {
	defer rows.Close()
	batches := make([]PayoutBatch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return batches, nil
}

func parseOptionalDecimal(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var (
	_ RecipientStore = (*Store)(nil)
	_ FragmentStore  = (*Store)(nil)
	_ BatchStore     = (*Store)(nil)
	_ FailureStore   = (*Store)(nil)
	_ PaymentStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
