package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moneymouth/battle-engine/internal/model"
)

// JournalPublisher records settlement events in a SQLite file that the
// payment executor reads. Rows are keyed by battle id, so re-publishing an
// event is a no-op.
type JournalPublisher struct {
	db *sql.DB
}

// JournalEntry is one row of the settlement journal.
type JournalEntry struct {
	BattleID      string
	WinningSideID string
	PayoutAmount  int64
	FeeAmount     int64
	Payouts       []model.Payout
	SettledAt     time.Time
	RecordedAt    time.Time
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*JournalPublisher, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps in-memory databases shared and writes
	// serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS settlement_journal (
		battle_id       TEXT PRIMARY KEY,
		winning_side_id TEXT NOT NULL,
		payout_amount   INTEGER NOT NULL,
		fee_amount      INTEGER NOT NULL,
		payouts         TEXT NOT NULL,
		settled_at      INTEGER NOT NULL,
		recorded_at     INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &JournalPublisher{db: db}, nil
}

func (j *JournalPublisher) Publish(ctx context.Context, ev model.SettlementEvent) error {
	payouts, err := json.Marshal(ev.Payouts)
	if err != nil {
		return fmt.Errorf("encode payouts: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlement_journal
			(battle_id, winning_side_id, payout_amount, fee_amount, payouts, settled_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.BattleID, ev.WinningSideID, ev.PayoutAmount, ev.FeeAmount, string(payouts),
		ev.SettledAt.UnixNano(), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal settlement %s: %w", ev.BattleID, err)
	}
	return nil
}

// Entries returns all journal rows ordered by settlement time.
func (j *JournalPublisher) Entries(ctx context.Context) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT battle_id, winning_side_id, payout_amount, fee_amount, payouts, settled_at, recorded_at
		FROM settlement_journal ORDER BY settled_at, battle_id`)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var payouts string
		var settled, recorded int64
		if err := rows.Scan(&e.BattleID, &e.WinningSideID, &e.PayoutAmount, &e.FeeAmount, &payouts, &settled, &recorded); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if err := json.Unmarshal([]byte(payouts), &e.Payouts); err != nil {
			return nil, fmt.Errorf("decode payouts for %s: %w", e.BattleID, err)
		}
		e.SettledAt = time.Unix(0, settled).UTC()
		e.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *JournalPublisher) Close() error {
	return j.db.Close()
}
