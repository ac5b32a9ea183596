package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic batch and journal IDs so that a
// replay from the command log reproduces identical journals.
var journalNamespace = uuid.MustParse("0b5f3c1e-7d8a-4c62-9a51-cd9d0e3a4f21")

// JournalGenerator creates balanced journal batches from transfer requests
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// SetSequence realigns the generator after a snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateBatch turns the transfers of one command into a batch. Zero-amount
// transfers are dropped; an empty result is returned as a batch with no
// journals (state-only commands still get an envelope).
func (jg *JournalGenerator) GenerateBatch(eventRef string, sequence, timestamp int64, transfers []Transfer) (*Batch, error) {
	jg.sequence = sequence
	batchID := deriveID(eventRef, sequence, -1)

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(transfers)),
	}

	for i, t := range transfers {
		if t.Amount == nil || t.Amount.IsZero() {
			continue
		}

		debit, credit, asset := t.accounts()
		if asset == 0 {
			return nil, fmt.Errorf("unknown transfer kind: %d", t.Kind)
		}

		batch.Journals = append(batch.Journals, Journal{
			JournalID:     deriveID(eventRef, sequence, i),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       asset,
			Amount:        t.Amount.Clone(),
			Kind:          t.Kind,
			Timestamp:     timestamp,
		})
	}

	return batch, nil
}

func deriveID(eventRef string, sequence int64, leg int) uuid.UUID {
	buf := make([]byte, 0, len(eventRef)+16)
	buf = append(buf, eventRef...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(leg)))
	return uuid.NewSHA1(journalNamespace, buf)
}
