package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

var _ store.Store = (*Store)(nil)

const uuidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

// Store implements store.Store on PostgreSQL. Amounts travel as text so
// decimals never pass through float64.
type Store struct {
	svc  Service
	pool *pgxpool.Pool
}

func NewStore(svc Service) *Store {
	return &Store{svc: svc, pool: svc.Pool()}
}

func (s *Store) Health() map[string]string { return s.svc.Health() }

func (s *Store) Close() { _ = s.svc.Close() }

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// --- ledger ---

const txColumns = `id::text, user_id, user_name, amount::text, transaction_type, status,
	admin_approval, rejection_reason, external_ref, game_details, supersedes::text,
	created_at, updated_at`

func scanTx(row pgx.Row) (*models.Transaction, error) {
	var (
		tx         models.Transaction
		amount     string
		approval   *string
		details    []byte
		supersedes *string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.UserName, &amount, &tx.Type, &tx.Status,
		&approval, &tx.RejectionReason, &tx.ExternalRef, &details, &supersedes,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount %q: %w", tx.ID, amount, err)
	}
	if approval != nil {
		tx.AdminApproval = models.Approval(*approval)
	}
	if supersedes != nil {
		tx.Supersedes = *supersedes
	}
	if len(details) > 0 {
		var d models.GameDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("transaction %s game details: %w", tx.ID, err)
		}
		tx.GameDetails = &d
	}
	return &tx, nil
}

func nullable[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func detailsJSON(d *models.GameDetails) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func insertTx(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	details, err := detailsJSON(tx.GameDetails)
	if err != nil {
		return err
	}
	var approval *string
	if tx.AdminApproval != "" {
		a := string(tx.AdminApproval)
		approval = &a
	}
	created := tx.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err = q.QueryRow(ctx, `
		INSERT INTO ledger_transactions (id, user_id, user_name, amount, transaction_type, status,
			admin_approval, rejection_reason, external_ref, game_details, supersedes, created_at, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10::jsonb, $11::uuid, $12, NOW())
		RETURNING created_at, updated_at`,
		tx.ID, tx.UserID, tx.UserName, tx.Amount.StringFixed(2), string(tx.Type), string(tx.Status),
		approval, tx.RejectionReason, tx.ExternalRef, details, nullable(tx.Supersedes), created,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	return translate(err)
}

func (s *Store) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	return insertTx(ctx, s.pool, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	tx, err := scanTx(s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`, id))
	return tx, translate(err)
}

func (s *Store) UpdateTransactionReview(ctx context.Context, tx *models.Transaction) error {
	var approval *string
	if tx.AdminApproval != "" {
		a := string(tx.AdminApproval)
		approval = &a
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $2, admin_approval = $3, rejection_reason = $4, external_ref = $5, updated_at = NOW()
		WHERE id = $1
		  AND CASE WHEN transaction_type = 'withdrawal' THEN admin_approval = 'pending' ELSE status = 'pending' END`,
		tx.ID, string(tx.Status), approval, tx.RejectionReason, tx.ExternalRef)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
		return translate(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// whereClause builds the filter predicate and its positional arguments.
func whereClause(f store.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("transaction_type = ANY($%d::text[])", types)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d::text[])", statuses)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	if f.GameID != "" {
		add("game_details ->> 'gameId' = $%d", f.GameID)
	}
	if f.NonCanonicalGameID {
		add("game_details IS NOT NULL AND COALESCE(game_details ->> 'gameId', '') !~ $%d", uuidPattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) ListTransactions(ctx context.Context, f store.TransactionFilter, page store.Page) ([]models.Transaction, int, error) {
	where, args := whereClause(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, translate(err)
	}

	query := `SELECT ` + txColumns + ` FROM ledger_transactions` + where + ` ORDER BY created_at DESC, id`
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset())
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, translate(err)
	}
	defer rows.Close()

	out := []models.Transaction{}
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *tx)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateGameID(ctx context.Context, txID, gameID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_transactions
		SET game_details = jsonb_set(COALESCE(game_details, '{}'::jsonb) - 'unmatched', '{gameId}', to_jsonb($2::text)),
			updated_at = NOW()
		WHERE id = $1`, txID, gameID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkGameUnmatched(ctx context.Context, txID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_transactions
		SET game_details = jsonb_set(COALESCE(game_details, '{}'::jsonb), '{unmatched}', 'true'::jsonb),
			updated_at = NOW()
		WHERE id = $1`, txID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ConfirmedBalance sums the balance rule in SQL.
func (s *Store) ConfirmedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN transaction_type IN ('deposit', 'game_win', 'withdrawal_refund') THEN amount
			ELSE -ABS(amount) END), 0)::text
		FROM ledger_transactions
		WHERE user_id = $1 AND status = 'confirmed'`, userID).Scan(&raw)
	if err != nil {
		return decimal.Zero, translate(err)
	}
	return decimal.NewFromString(raw)
}

// --- bets ---

const betColumns = `id::text, user_id, user_name, round_id::text, stake::text, status,
	auto_cashout_at, cashout_multiplier, win_amount::text, hold_tx_id::text,
	needs_reconciliation, seq, placed_at, settled_at`

func scanBet(row pgx.Row) (*models.Bet, error) {
	var (
		b          models.Bet
		roundID    string
		stake, win string
		auto, mult *float64
	)
	err := row.Scan(&b.ID, &b.UserID, &b.UserName, &roundID, &stake, &b.Status,
		&auto, &mult, &win, &b.HoldTxID, &b.NeedsReconciliation, &b.Seq, &b.PlacedAt, &b.SettledAt)
	if err != nil {
		return nil, err
	}
	b.RoundID = roundid.ID(roundID)
	if b.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, err
	}
	if b.WinAmount, err = decimal.NewFromString(win); err != nil {
		return nil, err
	}
	if auto != nil {
		b.AutoCashoutAt = *auto
	}
	if mult != nil {
		b.CashoutMultiplier = *mult
	}
	return &b, nil
}

func (s *Store) CreateBetWithHold(ctx context.Context, bet *models.Bet, hold *models.Transaction) error {
	if bet.ID == "" {
		bet.ID = uuid.NewString()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertTx(ctx, tx, hold); err != nil {
			return err
		}
		bet.HoldTxID = hold.ID
		_, err := tx.Exec(ctx, `
			INSERT INTO bets (id, user_id, user_name, round_id, stake, status, auto_cashout_at,
				win_amount, hold_tx_id, seq, placed_at)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, 0, $8, $9, $10)`,
			bet.ID, bet.UserID, bet.UserName, bet.RoundID.String(), bet.Stake.StringFixed(2),
			string(bet.Status), nullable(bet.AutoCashoutAt), hold.ID, bet.Seq, bet.PlacedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrDuplicate
			}
			return err
		}
		return nil
	})
}

func (s *Store) SettleWin(ctx context.Context, w store.WinSettlement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status models.BetStatus
		var holdID string
		err := tx.QueryRow(ctx, `SELECT status, hold_tx_id::text FROM bets WHERE id = $1 FOR UPDATE`, w.BetID).
			Scan(&status, &holdID)
		if err != nil {
			return translate(err)
		}
		switch status {
		case models.BetWon:
			return nil
		case models.BetActive:
		default:
			return store.ErrConflict
		}

		w.WinTx.Supersedes = holdID
		if err := insertTx(ctx, tx, w.WinTx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE bets
			SET status = 'won', cashout_multiplier = $2, win_amount = $3::text::numeric,
				settled_at = $4, needs_reconciliation = FALSE
			WHERE id = $1`,
			w.BetID, w.Multiplier, w.WinAmount.StringFixed(2), w.SettledAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE ledger_transactions
			SET game_details = jsonb_set(jsonb_set(game_details, '{result}', '"win"'),
					'{multiplier}', to_jsonb($2::float8)),
				updated_at = NOW()
			WHERE id = $1 AND game_details IS NOT NULL`, holdID, w.Multiplier)
		return err
	})
}

func (s *Store) SettleLosses(ctx context.Context, roundID roundid.ID, crashPoint float64, betIDs []string) (int, error) {
	if len(betIDs) == 0 {
		return 0, nil
	}
	var changed int
	err := s.pool.QueryRow(ctx, `
		WITH lost AS (
			UPDATE bets
			SET status = 'lost', settled_at = NOW(), needs_reconciliation = FALSE
			WHERE round_id = $1 AND id::text = ANY($2::text[]) AND status = 'active'
			RETURNING hold_tx_id
		), holds AS (
			UPDATE ledger_transactions t
			SET game_details = jsonb_set(jsonb_set(t.game_details, '{result}', '"lost"'),
					'{crashPoint}', to_jsonb($3::float8)),
				updated_at = NOW()
			FROM lost
			WHERE t.id = lost.hold_tx_id AND t.game_details IS NOT NULL
			RETURNING t.id
		)
		SELECT COUNT(*) FROM lost`, roundID.String(), betIDs, crashPoint).Scan(&changed)
	return changed, translate(err)
}

func (s *Store) GetBet(ctx context.Context, id string) (*models.Bet, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	return b, translate(err)
}

func (s *Store) ListBetsByRound(ctx context.Context, roundID roundid.ID) ([]models.Bet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY seq, placed_at`, roundID.String())
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []models.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) SetBetReconciliation(ctx context.Context, betID string, needed bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bets SET needs_reconciliation = $2 WHERE id = $1`, betID, needed)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- rounds ---

const roundColumns = `id::text, status, crash_point, is_admin_set, started_at, ended_at`

func scanRound(row pgx.Row) (*models.RoundRecord, error) {
	var r models.RoundRecord
	var id string
	if err := row.Scan(&id, &r.Status, &r.CrashPoint, &r.IsAdminSet, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.ID = roundid.ID(id)
	return &r, nil
}

func (s *Store) CreateRound(ctx context.Context, r *models.RoundRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, status, crash_point, is_admin_set, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID.String(), string(r.Status), r.CrashPoint, r.IsAdminSet, r.StartedAt, r.EndedAt)
	return translate(err)
}

// ArchiveRound keeps the first crash point written; replays are no-ops.
func (s *Store) ArchiveRound(ctx context.Context, id roundid.ID, crashPoint float64, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = 'crashed', crash_point = $2, ended_at = $3
		WHERE id = $1 AND status <> 'crashed'`, id.String(), crashPoint, endedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRound(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetRound(ctx context.Context, id roundid.ID) (*models.RoundRecord, error) {
	if !roundid.IsCanonical(id.String()) {
		return nil, store.ErrNotFound
	}
	r, err := scanRound(s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id.String()))
	return r, translate(err)
}

func (s *Store) ListRounds(ctx context.Context, since time.Time, page store.Page) ([]models.RoundRecord, int, error) {
	where := ` WHERE status = 'crashed' AND ended_at IS NOT NULL`
	var args []any
	if !since.IsZero() {
		args = append(args, since)
		where += ` AND ended_at >= $1`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rounds`+where, args...).Scan(&total); err != nil {
		return nil, 0, translate(err)
	}

	query := `SELECT ` + roundColumns + ` FROM rounds` + where + ` ORDER BY ended_at DESC, id`
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset())
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, translate(err)
	}
	defer rows.Close()

	out := []models.RoundRecord{}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// --- crash control ---

const overrideColumns = `id::text, crash_value, is_used, used_at, created_at`

func scanOverride(row pgx.Row) (*models.CrashOverride, error) {
	var o models.CrashOverride
	if err := row.Scan(&o.ID, &o.Value, &o.Used, &o.UsedAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

const sequenceColumns = `id::text, crash_values, current_index, is_active, updated_at`

func scanSequence(row pgx.Row) (*models.CrashSequence, error) {
	var seq models.CrashSequence
	if err := row.Scan(&seq.ID, &seq.Values, &seq.CurrentIndex, &seq.Active, &seq.UpdatedAt); err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *Store) UpsertOverride(ctx context.Context, value float64) (*models.CrashOverride, bool, error) {
	var (
		out     *models.CrashOverride
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := scanOverride(tx.QueryRow(ctx, `
			UPDATE admin_crash_overrides SET crash_value = $1, created_at = NOW()
			WHERE NOT is_used
			RETURNING `+overrideColumns, value))
		if err == nil {
			out = o
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		o, err = scanOverride(tx.QueryRow(ctx, `
			INSERT INTO admin_crash_overrides (id, crash_value) VALUES ($1, $2)
			RETURNING `+overrideColumns, uuid.NewString(), value))
		if err != nil {
			return translate(err)
		}
		out, created = o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) ConsumeOverride(ctx context.Context) (*models.CrashOverride, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx, `
		UPDATE admin_crash_overrides SET is_used = TRUE, used_at = NOW()
		WHERE id = (
			SELECT id FROM admin_crash_overrides WHERE NOT is_used
			ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+overrideColumns))
	return o, translate(err)
}

func (s *Store) ReplaceSequence(ctx context.Context, values []float64) (*models.CrashSequence, error) {
	var out *models.CrashSequence
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE admin_crash_overrides SET is_used = TRUE, used_at = NOW() WHERE NOT is_used`); err != nil {
			return err
		}
		seq, err := scanSequence(tx.QueryRow(ctx, `
			UPDATE admin_crash_sequences
			SET crash_values = $1, current_index = 0, updated_at = NOW()
			WHERE is_active
			RETURNING `+sequenceColumns, values))
		if err == nil {
			out = seq
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		seq, err = scanSequence(tx.QueryRow(ctx, `
			INSERT INTO admin_crash_sequences (id, crash_values) VALUES ($1, $2)
			RETURNING `+sequenceColumns, uuid.NewString(), values))
		if err != nil {
			return translate(err)
		}
		out = seq
		return nil
	})
	return out, err
}

func (s *Store) ActiveSequence(ctx context.Context) (*models.CrashSequence, error) {
	seq, err := scanSequence(s.pool.QueryRow(ctx, `SELECT `+sequenceColumns+` FROM admin_crash_sequences WHERE is_active`))
	return seq, translate(err)
}

// AdvanceSequence reads and moves the index in one statement so two
// concurrent round starts never see the same position.
func (s *Store) AdvanceSequence(ctx context.Context) (float64, int, error) {
	var (
		value float64
		idx   int
	)
	err := s.pool.QueryRow(ctx, `
		WITH cur AS (
			SELECT id, current_index % cardinality(crash_values) AS idx, crash_values
			FROM admin_crash_sequences
			WHERE is_active AND cardinality(crash_values) > 0
			FOR UPDATE
		)
		UPDATE admin_crash_sequences s
		SET current_index = (cur.idx + 1) % cardinality(cur.crash_values), updated_at = NOW()
		FROM cur
		WHERE s.id = cur.id
		RETURNING cur.crash_values[cur.idx + 1], cur.idx`).Scan(&value, &idx)
	if err != nil {
		return 0, 0, translate(err)
	}
	return value, idx, nil
}

func (s *Store) DeactivateSequences(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE admin_crash_sequences SET is_active = FALSE, updated_at = NOW() WHERE is_active`)
	if err != nil {
		return 0, translate(err)
	}
	return int(tag.RowsAffected()), nil
}
