package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// watermarkName is the row this worker owns in projection.watermark.
const watermarkName = "main"

// ProjectionOutput is what the read model needs from one logged command.
type ProjectionOutput struct {
	Sequence  int64
	Timestamp time.Time
	Rejected  bool
	Journals  []JournalEntry
	Records   []event.Emitted
}

// JournalEntry is a journal leg reduced to what the balances table needs.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string // Decimal 1e18 fixed point
}

// NewProjectionOutput builds the projection view of a core output.
func NewProjectionOutput(env *event.EventEnvelope, batch *ledger.Batch, records []event.Emitted) ProjectionOutput {
	out := ProjectionOutput{
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
		Rejected:  env.Rejection != "",
		Records:   records,
	}
	if batch != nil {
		for _, j := range batch.Journals {
			out.Journals = append(out.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.Dec(),
			})
		}
	}
	return out
}

// EventLog is the part of the persisted log the worker reads to fill gaps.
type EventLog interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
	LoadJournalsBetween(ctx context.Context, from, to int64) ([]persistence.JournalRow, error)
	GetLatestSequence(ctx context.Context) (int64, error)
}

// ProjectionWorker keeps the projection tables in step with the core. The
// projection channel drops on overflow, so a sequence gap is filled from
// the event log before the next output is applied.
type ProjectionWorker struct {
	db        *sql.DB
	log       EventLog
	inputChan <-chan ProjectionOutput
	history   *LiquidationHistory
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger

	catchUpBatch int
	pollInterval time.Duration
}

func NewProjectionWorker(
	db *sql.DB,
	eventLog EventLog,
	inputChan <-chan ProjectionOutput,
	history *LiquidationHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:           db,
		log:          eventLog,
		inputChan:    inputChan,
		history:      history,
		lastSeq:      -1,
		metrics:      metrics,
		logger:       logger,
		catchUpBatch: 1000,
		pollInterval: 100 * time.Millisecond,
	}
}

// Run loads the watermark, catches up with the log and then follows the
// projection channel until ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = last

	head, err := pw.log.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("log head: %w", err)
	}
	if head > pw.lastSeq {
		if err := pw.catchUp(ctx, head); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}
			if output.Sequence > pw.lastSeq+1 {
				if err := pw.catchUp(ctx, output.Sequence-1); err != nil {
					return err
				}
			}
			if err := pw.apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
		}
	}
}

// catchUp applies logged commands up to and including target, waiting for
// the persistence worker when the log is behind.
func (pw *ProjectionWorker) catchUp(ctx context.Context, target int64) error {
	pw.logger.Info().Int64("from", pw.lastSeq+1).Int64("to", target).Msg("projection catching up from log")

	for pw.lastSeq < target {
		rows, err := pw.log.LoadEventsFrom(ctx, pw.lastSeq+1, pw.catchUpBatch)
		if err != nil {
			return fmt.Errorf("catch-up load: %w", err)
		}
		if len(rows) == 0 || rows[0].Sequence != pw.lastSeq+1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pw.pollInterval):
			}
			continue
		}

		outputs, err := pw.outputsFromLog(ctx, rows)
		if err != nil {
			return err
		}
		for _, output := range outputs {
			if output.Sequence > target {
				return nil
			}
			if err := pw.apply(ctx, output); err != nil {
				return fmt.Errorf("catch-up apply %d: %w", output.Sequence, err)
			}
		}
	}
	return nil
}

// outputsFromLog rebuilds projection outputs from persisted rows.
func (pw *ProjectionWorker) outputsFromLog(ctx context.Context, rows []persistence.EventRow) ([]ProjectionOutput, error) {
	first, last := rows[0].Sequence, rows[len(rows)-1].Sequence
	journals, err := pw.log.LoadJournalsBetween(ctx, first, last)
	if err != nil {
		return nil, fmt.Errorf("catch-up journals: %w", err)
	}
	bySeq := make(map[int64][]JournalEntry)
	for _, j := range journals {
		bySeq[j.Sequence] = append(bySeq[j.Sequence], JournalEntry{
			DebitAccount:  j.DebitAccount,
			CreditAccount: j.CreditAccount,
			AssetID:       j.AssetID,
			Amount:        j.Amount,
		})
	}

	outputs := make([]ProjectionOutput, 0, len(rows))
	for _, row := range rows {
		records, err := event.DecodeEmitted(row.Emitted)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
		}
		outputs = append(outputs, ProjectionOutput{
			Sequence:  row.Sequence,
			Timestamp: row.Timestamp,
			Rejected:  row.Rejection != nil,
			Journals:  bySeq[row.Sequence],
			Records:   records,
		})
	}
	return outputs, nil
}

// apply runs the planned statements and advances the watermark in one
// transaction.
func (pw *ProjectionWorker) apply(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range Plan(output) {
		start := time.Now()
		if _, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
			return fmt.Errorf("%s projection: %w", stmt.Projection, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(stmt.Projection).Observe(time.Since(start).Seconds())
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = output.Sequence
	if pw.history != nil {
		pw.history.Record(output)
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionLastSequence.Set(float64(output.Sequence))
	}
	return nil
}

// LoadWatermark returns the last projected sequence, or -1 if none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projection.watermark WHERE projection_name = $1
	`, watermarkName).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections truncates every projection table and replays the
// whole event log into them.
func RebuildProjections(ctx context.Context, db *sql.DB, eventLog EventLog, logger zerolog.Logger) error {
	truncate := []string{
		`TRUNCATE projection.positions, projection.deposits, projection.liquidations, projection.balances`,
		`DELETE FROM projection.system`,
		`INSERT INTO projection.system (id) VALUES (1)`,
		`DELETE FROM projection.watermark WHERE projection_name = 'main'`,
	}
	for _, stmt := range truncate {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}

	pw := NewProjectionWorker(db, eventLog, nil, nil, nil, logger)
	for {
		rows, err := eventLog.LoadEventsFrom(ctx, pw.lastSeq+1, pw.catchUpBatch)
		if err != nil {
			return fmt.Errorf("rebuild load: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		outputs, err := pw.outputsFromLog(ctx, rows)
		if err != nil {
			return err
		}
		for _, output := range outputs {
			if err := pw.apply(ctx, output); err != nil {
				return fmt.Errorf("rebuild apply %d: %w", output.Sequence, err)
			}
		}
	}

	logger.Info().Int64("last_sequence", pw.lastSeq).Msg("projection rebuild complete")
	return nil
}
