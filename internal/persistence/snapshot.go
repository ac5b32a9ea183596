package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager saves and loads core snapshots and reads the event log
// back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of a core snapshot. Balances are keyed by
// account path and carried as decimal strings.
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       string                `json:"state_hash"`
	System          *state.SystemSnapshot `json:"system"`
	Checksum        string                `json:"checksum"` // SHA-256 of the encoded system section
	Price           *uint256.Int          `json:"price,omitempty"`
	PriceSequence   int64                 `json:"price_sequence"`
	Balances        map[string]string     `json:"balances"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
	CreatedAt       time.Time             `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot converts a core snapshot into its stored form.
func EncodeSnapshot(snap *core.SnapshotState, createdAt time.Time) (*SnapshotData, error) {
	checksum, err := systemChecksum(snap.System)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]string, len(snap.Balances))
	for key, bal := range snap.Balances {
		if bal.Sign() == 0 {
			continue
		}
		balances[key.AccountPath()] = bal.String()
	}

	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       hex.EncodeToString(snap.StateHash[:]),
		System:          snap.System,
		Checksum:        checksum,
		Price:           snap.Price,
		PriceSequence:   snap.PriceSequence,
		Balances:        balances,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}, nil
}

// Decode converts the stored form back, verifying the checksum.
func (d *SnapshotData) Decode() (*core.SnapshotState, error) {
	if d.System == nil {
		return nil, errors.New("snapshot has no system section")
	}
	checksum, err := systemChecksum(d.System)
	if err != nil {
		return nil, err
	}
	if checksum != d.Checksum {
		return nil, fmt.Errorf("snapshot %d checksum mismatch: stored %s, computed %s", d.Sequence, d.Checksum, checksum)
	}

	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}

	balances := make(map[ledger.AccountKey]*big.Int, len(d.Balances))
	for path, raw := range d.Balances {
		key, ok := ledger.ParseAccountPath(path)
		if !ok {
			return nil, fmt.Errorf("snapshot %d: bad account path %q", d.Sequence, path)
		}
		bal, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot %d: bad balance %q for %s", d.Sequence, raw, path)
		}
		balances[key] = bal
	}

	snap := &core.SnapshotState{
		Sequence:        d.Sequence,
		System:          d.System,
		Price:           d.Price,
		PriceSequence:   d.PriceSequence,
		Balances:        balances,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(snap.StateHash[:], hash)
	return snap, nil
}

func systemChecksum(sys *state.SystemSnapshot) (string, error) {
	data, err := json.Marshal(sys)
	if err != nil {
		return "", fmt.Errorf("encode system snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SaveSnapshot persists a snapshot unverified. It returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot; nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot whose state hash matched the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// StateHashAt returns the logged state hash of sequence.
func (sm *SnapshotManager) StateHashAt(ctx context.Context, sequence int64) ([32]byte, error) {
	var out [32]byte
	var raw []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&raw)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("sequence %d: malformed state hash", sequence)
	}
	copy(out[:], raw)
	return out, nil
}

// LoadEventsFrom loads up to limit events from fromSequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, payload, emitted, rejection,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition,
			&e.Payload, &e.Emitted, &e.Rejection,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentIdempotencyKeys returns the composite keys of the last limit
// commands, oldest first, for warming the dedup cache.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(eventType, key))
	}
	return keys, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadJournalsBetween loads the journals of sequences [from, to], in order.
func (sm *SnapshotManager) LoadJournalsBetween(ctx context.Context, from, to int64) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, journal_id ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.DebitAccount, &j.CreditAccount,
			&j.AssetID, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}
