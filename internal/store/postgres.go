package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneymouth/battle-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every With*Tx call is one SQL transaction that locks rows with
// SELECT ... FOR UPDATE, participant first and battle second.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const battleColumns = `id, question, description,
	side_a_label, side_a_beneficiary, side_a_amount, side_a_participants,
	side_b_label, side_b_beneficiary, side_b_amount, side_b_participants,
	status, settlement, created_at, expires_at, version`

func scanBattle(row pgx.Row) (*model.Battle, error) {
	var b model.Battle
	var status string
	var settlement []byte

	err := row.Scan(&b.ID, &b.Question, &b.Description,
		&b.SideA.Label, &b.SideA.Beneficiary, &b.SideA.Amount, &b.SideA.Participants,
		&b.SideB.Label, &b.SideB.Beneficiary, &b.SideB.Amount, &b.SideB.Participants,
		&status, &settlement, &b.CreatedAt, &b.ExpiresAt, &b.Version)
	if err != nil {
		return nil, err
	}

	b.SideA.ID = model.SideA
	b.SideB.ID = model.SideB
	b.Status = model.Status(status)
	if len(settlement) > 0 {
		var st model.Settlement
		if err := json.Unmarshal(settlement, &st); err != nil {
			return nil, fmt.Errorf("decode settlement for %s: %w", b.ID, err)
		}
		b.Settlement = &st
	}
	return &b, nil
}

func encodeSettlement(st *model.Settlement) ([]byte, error) {
	if st == nil {
		return nil, nil
	}
	return json.Marshal(st)
}

// classify maps PostgreSQL failures onto the domain taxonomy.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock timeout
			return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, pgErr.Detail)
		}
	}
	return err
}

func (s *PostgresStore) CreateBattle(ctx context.Context, b *model.Battle) error {
	settlement, err := encodeSettlement(b.Settlement)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO battles (`+battleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.Question, b.Description,
		b.SideA.Label, b.SideA.Beneficiary, b.SideA.Amount, b.SideA.Participants,
		b.SideB.Label, b.SideB.Beneficiary, b.SideB.Amount, b.SideB.Participants,
		string(b.Status), settlement, b.CreatedAt, b.ExpiresAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("create battle %s: %w", b.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	b, err := scanBattle(s.pool.QueryRow(ctx,
		`SELECT `+battleColumns+` FROM battles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("battle %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get battle %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBattles(ctx context.Context, statuses ...model.Status) ([]model.Battle, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+battleColumns+` FROM battles
		 WHERE cardinality($1::TEXT[]) = 0 OR status = ANY($1::TEXT[])
		 ORDER BY expires_at, created_at, id`, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var battles []model.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *b)
	}
	return battles, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", classify(err))
	}
	return nil
}

func lockParticipant(ctx context.Context, tx pgx.Tx, id string) (balance int64, last *time.Time, err error) {
	if _, err = tx.Exec(ctx,
		`INSERT INTO participants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return 0, nil, fmt.Errorf("ensure participant %s: %w", id, err)
	}
	err = tx.QueryRow(ctx,
		`SELECT balance, last_pledge_at FROM participants WHERE id = $1 FOR UPDATE`, id).
		Scan(&balance, &last)
	if err != nil {
		return 0, nil, fmt.Errorf("lock participant %s: %w", id, err)
	}
	return balance, last, nil
}

func lockBattle(ctx context.Context, tx pgx.Tx, id string) (*model.Battle, error) {
	b, err := scanBattle(tx.QueryRow(ctx,
		`SELECT `+battleColumns+` FROM battles WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("battle %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock battle %s: %w", id, err)
	}
	return b, nil
}

func writeBattle(ctx context.Context, tx pgx.Tx, b *model.Battle) error {
	settlement, err := encodeSettlement(b.Settlement)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE battles
		 SET side_a_amount = $2, side_a_participants = $3,
		     side_b_amount = $4, side_b_participants = $5,
		     status = $6, settlement = $7, version = version + 1
		 WHERE id = $1`,
		b.ID, b.SideA.Amount, b.SideA.Participants,
		b.SideB.Amount, b.SideB.Participants,
		string(b.Status), settlement,
	)
	if err != nil {
		return fmt.Errorf("update battle %s: %w", b.ID, err)
	}
	b.Version++
	return nil
}

type pgWalletTx struct {
	participantID string
	balance       int64
	entries       []model.WalletEntry
}

func (tx *pgWalletTx) ParticipantID() string { return tx.participantID }
func (tx *pgWalletTx) Balance() int64        { return tx.balance }

func (tx *pgWalletTx) AppendEntry(e model.WalletEntry) {
	tx.entries = append(tx.entries, e)
	tx.balance += e.Delta()
}

func (tx *pgWalletTx) flush(ctx context.Context, sqlTx pgx.Tx) error {
	if len(tx.entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range tx.entries {
		batch.Queue(
			`INSERT INTO wallet_entries (id, participant_id, kind, amount, reference, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.ParticipantID, string(e.Kind), e.Amount, e.Reference, e.CreatedAt)
	}
	batch.Queue(`UPDATE participants SET balance = $2 WHERE id = $1`, tx.participantID, tx.balance)
	if err := sqlTx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write wallet entries for %s: %w", tx.participantID, err)
	}
	return nil
}

type pgPledgeTx struct {
	pgWalletTx
	battle  *model.Battle
	last    *time.Time
	marked  bool
	pledges []model.PledgeRecord
}

func (tx *pgPledgeTx) Battle() *model.Battle { return tx.battle }

func (tx *pgPledgeTx) LastPledgeAt() (time.Time, bool) {
	if tx.last == nil {
		return time.Time{}, false
	}
	return *tx.last, true
}

func (tx *pgPledgeTx) MarkPledged(at time.Time) {
	tx.last = &at
	tx.marked = true
}

func (tx *pgPledgeTx) AppendPledge(rec model.PledgeRecord) {
	tx.pledges = append(tx.pledges, rec)
}

func (s *PostgresStore) WithPledgeTx(ctx context.Context, battleID, participantID string, fn func(PledgeTx) error) error {
	return s.inTx(ctx, func(sqlTx pgx.Tx) error {
		balance, last, err := lockParticipant(ctx, sqlTx, participantID)
		if err != nil {
			return err
		}
		b, err := lockBattle(ctx, sqlTx, battleID)
		if err != nil {
			return err
		}

		tx := &pgPledgeTx{
			pgWalletTx: pgWalletTx{participantID: participantID, balance: balance},
			battle:     b,
			last:       last,
		}
		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.flush(ctx, sqlTx); err != nil {
			return err
		}
		for _, p := range tx.pledges {
			if _, err := sqlTx.Exec(ctx,
				`INSERT INTO pledge_records (id, participant_id, battle_id, side_id, amount, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				p.ID, p.ParticipantID, p.BattleID, p.SideID, p.Amount, p.CreatedAt); err != nil {
				return fmt.Errorf("insert pledge %s: %w", p.ID, err)
			}
		}
		if tx.marked {
			if _, err := sqlTx.Exec(ctx,
				`UPDATE participants SET last_pledge_at = $2 WHERE id = $1`,
				participantID, *tx.last); err != nil {
				return fmt.Errorf("mark pledged %s: %w", participantID, err)
			}
		}
		return writeBattle(ctx, sqlTx, tx.battle)
	})
}

type pgBattleTx struct {
	battle *model.Battle
	saved  bool
	events []model.SettlementEvent
}

func (tx *pgBattleTx) Battle() *model.Battle { return tx.battle }
func (tx *pgBattleTx) Save()                 { tx.saved = true }

func (tx *pgBattleTx) AppendSettlementEvent(ev model.SettlementEvent) {
	tx.events = append(tx.events, ev)
}

func (s *PostgresStore) WithBattleTx(ctx context.Context, battleID string, fn func(BattleTx) error) error {
	return s.inTx(ctx, func(sqlTx pgx.Tx) error {
		b, err := lockBattle(ctx, sqlTx, battleID)
		if err != nil {
			return err
		}

		tx := &pgBattleTx{battle: b}
		if err := fn(tx); err != nil {
			return err
		}

		for _, ev := range tx.events {
			payouts, err := json.Marshal(ev.Payouts)
			if err != nil {
				return err
			}
			if _, err := sqlTx.Exec(ctx,
				`INSERT INTO settlement_events
				   (battle_id, winning_side_id, payouts, payout_amount, fee_amount, settled_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (battle_id) DO NOTHING`,
				ev.BattleID, ev.WinningSideID, payouts, ev.PayoutAmount, ev.FeeAmount, ev.SettledAt); err != nil {
				return fmt.Errorf("insert settlement event %s: %w", ev.BattleID, err)
			}
		}
		if tx.saved {
			return writeBattle(ctx, sqlTx, tx.battle)
		}
		return nil
	})
}

func (s *PostgresStore) WithWalletTx(ctx context.Context, participantID string, fn func(WalletTx) error) error {
	return s.inTx(ctx, func(sqlTx pgx.Tx) error {
		balance, _, err := lockParticipant(ctx, sqlTx, participantID)
		if err != nil {
			return err
		}
		tx := &pgWalletTx{participantID: participantID, balance: balance}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flush(ctx, sqlTx)
	})
}

// --- Immutable logs ---

func (s *PostgresStore) queryPledges(ctx context.Context, where string, arg string) ([]model.PledgeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, battle_id, side_id, amount, created_at
		 FROM pledge_records WHERE `+where+` = $1 ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PledgeRecord
	for rows.Next() {
		var p model.PledgeRecord
		if err := rows.Scan(&p.ID, &p.ParticipantID, &p.BattleID, &p.SideID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetPledgesByBattle(ctx context.Context, battleID string) ([]model.PledgeRecord, error) {
	return s.queryPledges(ctx, "battle_id", battleID)
}

func (s *PostgresStore) GetPledgesByParticipant(ctx context.Context, participantID string) ([]model.PledgeRecord, error) {
	return s.queryPledges(ctx, "participant_id", participantID)
}

func (s *PostgresStore) GetWalletEntries(ctx context.Context, participantID string) ([]model.WalletEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, kind, amount, reference, created_at
		 FROM wallet_entries WHERE participant_id = $1 ORDER BY created_at, id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.WalletEntry
	for rows.Next() {
		var e model.WalletEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.ParticipantID, &kind, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, participantID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM participants WHERE id = $1`, participantID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *PostgresStore) GetLastPledgeAt(ctx context.Context, participantID string) (time.Time, bool, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_pledge_at FROM participants WHERE id = $1`, participantID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && last == nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return *last, true, nil
}

// --- Settlement outbox ---

func (s *PostgresStore) PendingSettlementEvents(ctx context.Context) ([]model.SettlementEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT battle_id, winning_side_id, payouts, payout_amount, fee_amount, settled_at, delivered_to
		 FROM settlement_events WHERE published_at IS NULL ORDER BY settled_at, battle_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.SettlementEvent
	for rows.Next() {
		var ev model.SettlementEvent
		var payouts []byte
		if err := rows.Scan(&ev.BattleID, &ev.WinningSideID, &payouts,
			&ev.PayoutAmount, &ev.FeeAmount, &ev.SettledAt, &ev.DeliveredTo); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payouts, &ev.Payouts); err != nil {
			return nil, fmt.Errorf("decode payouts for %s: %w", ev.BattleID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkSettlementDelivered(ctx context.Context, battleID, sink string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_events
		 SET delivered_to = CASE WHEN $2 = ANY(delivered_to) THEN delivered_to
		                         ELSE array_append(delivered_to, $2) END
		 WHERE battle_id = $1`,
		battleID, sink)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement event %s: %w", battleID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkSettlementPublished(ctx context.Context, battleID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_events SET published_at = COALESCE(published_at, $2) WHERE battle_id = $1`,
		battleID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement event %s: %w", battleID, model.ErrNotFound)
	}
	return nil
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)
