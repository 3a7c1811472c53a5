// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/zetafrog/travelsync/core/travel"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS frogs (
	id             BIGINT PRIMARY KEY,
	owner          TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'Idle',
	total_travels  BIGINT NOT NULL DEFAULT 0,
	xp             NUMERIC(78,0) NOT NULL DEFAULT 0,
	level          BIGINT NOT NULL DEFAULT 0,
	updated_at     BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS travels (
	id                 BIGSERIAL PRIMARY KEY,
	frog_id            BIGINT NOT NULL,
	status             TEXT NOT NULL,
	cross_chain        BOOLEAN NOT NULL DEFAULT FALSE,
	cross_chain_status TEXT NOT NULL DEFAULT 'None',
	start_time         BIGINT NOT NULL,
	end_time           BIGINT NOT NULL DEFAULT 0,
	target_chain_id    BIGINT NOT NULL DEFAULT 0,
	target_wallet      TEXT NOT NULL DEFAULT '',
	message_id         TEXT NOT NULL DEFAULT '',
	return_message_id  TEXT NOT NULL DEFAULT '',
	lock_tx_hash       TEXT NOT NULL DEFAULT '',
	arrived_at         BIGINT NOT NULL DEFAULT 0,
	completed_at       BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	xp_earned          NUMERIC(78,0),
	journal_hash       TEXT NOT NULL DEFAULT '',
	souvenir_id        BIGINT NOT NULL DEFAULT 0,
	created_at         BIGINT NOT NULL DEFAULT 0,
	updated_at         BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS travels_frog_idx ON travels (frog_id);
CREATE TABLE IF NOT EXISTS relay_events (
	key     TEXT PRIMARY KEY,
	seen_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS relay_cursors (
	name  TEXT PRIMARY KEY,
	block BIGINT NOT NULL
);`

// The unique index is created separately: a ledger that already holds
// duplicate rows cannot build it until reconciliation cancelled them.
const pgUniqueIndex = `CREATE UNIQUE INDEX IF NOT EXISTS travels_frog_start_uniq
	ON travels (frog_id, start_time) WHERE status <> 'Cancelled'`

const travelColumns = `id, frog_id, status, cross_chain, cross_chain_status, start_time, end_time,
	target_chain_id, target_wallet, message_id, return_message_id, lock_tx_hash, arrived_at,
	completed_at, error_message, xp_earned, journal_hash, souvenir_id, created_at, updated_at`

// pgUniqueViolation is the SQLSTATE of unique_violation.
const pgUniqueViolation = "23505"

// PGStore is the relational ledger backend. Per-frog serialization across
// processes uses a transaction-scoped advisory lock plus a row lock on the
// frog.
type PGStore struct {
	db *sql.DB
}

// OpenPGStore connects to postgres, waits for it to accept connections and
// applies the schema.
func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger connection: %w", err)
	}
	for i := 0; i < 5; i++ {
		pgConnectAttempts.Inc(1)
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Warn("Waiting for ledger database", "attempt", i+1, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Connected to ledger database")
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pgUniqueIndex); err != nil {
		var perr *pq.Error
		if errors.As(err, &perr) && string(perr.Code) == pgUniqueViolation {
			log.Warn("Ledger holds duplicate travels, unique index deferred", "err", perr.Message)
			return nil
		}
		return fmt.Errorf("create travel unique index: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanFrog(row rowScanner) (*travel.Frog, error) {
	var (
		f                 travel.Frog
		owner, status, xp string
		updated           int64
	)
	if err := row.Scan(&f.ID, &owner, &f.Name, &status, &f.TotalTravels, &xp, &f.Level, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if f.Status, err = travel.ParseFrogStatus(status); err != nil {
		return nil, err
	}
	if f.XP, err = uint256.FromDecimal(xp); err != nil {
		return nil, fmt.Errorf("frog %d: invalid xp %q: %w", f.ID, xp, err)
	}
	if owner != "" {
		f.Owner = common.HexToAddress(owner)
	}
	f.UpdatedAt = timeOf(uint64(updated))
	return &f, nil
}

func scanTravel(row rowScanner) (*travel.Travel, error) {
	var (
		t                                   travel.Travel
		status, ccStatus, wallet, msg, ret  string
		lock                                string
		start, end, arrived, done, cre, upd int64
		xp                                  sql.NullString
	)
	err := row.Scan(&t.ID, &t.FrogID, &status, &t.CrossChain, &ccStatus, &start, &end,
		&t.TargetChainID, &wallet, &msg, &ret, &lock, &arrived,
		&done, &t.ErrorMessage, &xp, &t.JournalHash, &t.SouvenirID, &cre, &upd)
	if err != nil {
		return nil, err
	}
	if t.Status, err = travel.ParseLocalStatus(status); err != nil {
		return nil, err
	}
	if t.CrossChainStatus, err = travel.ParseCrossChainStatus(ccStatus); err != nil {
		return nil, err
	}
	if xp.Valid {
		if t.XPEarned, err = uint256.FromDecimal(xp.String); err != nil {
			return nil, fmt.Errorf("travel %d: invalid xp %q: %w", t.ID, xp.String, err)
		}
	}
	if wallet != "" {
		t.TargetWallet = common.HexToAddress(wallet)
	}
	t.MessageID = hashOf(msg)
	t.ReturnMessageID = hashOf(ret)
	t.LockTxHash = hashOf(lock)
	t.StartTime = time.Unix(start, 0).UTC()
	t.EndTime = timeOf(uint64(end))
	t.ArrivedAt = timeOf(uint64(arrived))
	t.CompletedAt = timeOf(uint64(done))
	t.CreatedAt = timeOf(uint64(cre))
	t.UpdatedAt = timeOf(uint64(upd))
	if !t.Composite().Legal() {
		return nil, fmt.Errorf("travel %d: illegal stored state %s", t.ID, t.Composite())
	}
	return &t, nil
}

func hashOf(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	return common.HexToHash(s)
}

func hexOf(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func nullDecimal(v *uint256.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Dec(), Valid: true}
}

func queryFrog(ctx context.Context, q querier, frogID uint64, forUpdate bool) (*travel.Frog, error) {
	query := `SELECT id, owner, name, status, total_travels, xp::TEXT, level, updated_at FROM frogs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanFrog(q.QueryRowContext(ctx, query, int64(frogID)))
}

func queryTravels(ctx context.Context, q querier, frogID uint64) ([]*travel.Travel, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+travelColumns+` FROM travels WHERE frog_id = $1 ORDER BY id`, int64(frogID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*travel.Travel
	for rows.Next() {
		t, err := scanTravel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) Frog(ctx context.Context, frogID uint64) (*travel.Frog, error) {
	return queryFrog(ctx, s.db, frogID, false)
}

func (s *PGStore) Travels(ctx context.Context, frogID uint64) ([]*travel.Travel, error) {
	return queryTravels(ctx, s.db, frogID)
}

func (s *PGStore) Record(ctx context.Context, frogID uint64) (travel.LedgerRecord, error) {
	var rec travel.LedgerRecord
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	f, err := queryFrog(ctx, tx, frogID, false)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return rec, err
	default:
		rec.Frog = f
	}
	if rec.Travels, err = queryTravels(ctx, tx, frogID); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

func (s *PGStore) Candidates(ctx context.Context, filter CandidateFilter) ([]uint64, error) {
	var (
		where = []string{`status IN ('Active', 'Processing')`}
		args  []any
	)
	if filter.CrossChainOnly {
		where = append(where, `cross_chain`)
	}
	if filter.OlderThan > 0 {
		args = append(args, filter.Now.Add(-filter.OlderThan).Unix())
		where = append(where, fmt.Sprintf(`start_time <= $%d`, len(args)))
	}
	query := `SELECT DISTINCT frog_id FROM travels WHERE ` + strings.Join(where, ` AND `)
	if !filter.restricted() {
		query += ` UNION SELECT id FROM frogs WHERE status <> 'Idle'`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enumerate candidates: %w", err)
	}
	defer rows.Close()

	set := mapset.NewThreadUnsafeSet[uint64]()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set.Add(uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := set.ToSlice()
	sortIDs(out)
	candidatesGauge.Update(int64(len(out)))
	return out, nil
}

func (s *PGStore) Update(ctx context.Context, frogID uint64, fn func(Tx) error) error {
	start := time.Now()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger update for frog %d: %w", frogID, err)
	}
	// Advisory lock covers frogs without a row yet.
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(frogID)); err != nil {
		sqlTx.Rollback()
		return fmt.Errorf("lock frog %d: %w", frogID, err)
	}
	tx := &pgTx{ctx: ctx, tx: sqlTx, frogID: frogID, now: time.Now()}
	if _, err := queryFrog(ctx, sqlTx, frogID, true); err != nil && !errors.Is(err, ErrNotFound) {
		sqlTx.Rollback()
		return fmt.Errorf("lock frog %d: %w", frogID, err)
	}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		rollbackTotal.Inc(1)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit ledger update for frog %d: %w", frogID, mapPGError(err))
	}
	updateTotal.Inc(1)
	updateLatency.UpdateSince(start)
	return nil
}

func (s *PGStore) Cursor(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT block FROM relay_cursors WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *PGStore) SetCursor(ctx context.Context, name string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relay_cursors (name, block) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block`, name, int64(block))
	return err
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

// mapPGError translates unique violations into ErrDuplicateTravel.
func mapPGError(err error) error {
	var perr *pq.Error
	if errors.As(err, &perr) && string(perr.Code) == pgUniqueViolation {
		duplicateInserts.Inc(1)
		return ErrDuplicateTravel
	}
	return err
}

type pgTx struct {
	ctx    context.Context
	tx     *sql.Tx
	frogID uint64
	now    time.Time
}

func (tx *pgTx) Frog() (*travel.Frog, error) { return queryFrog(tx.ctx, tx.tx, tx.frogID, false) }

func (tx *pgTx) Travels() ([]*travel.Travel, error) { return queryTravels(tx.ctx, tx.tx, tx.frogID) }

func (tx *pgTx) Record() (travel.LedgerRecord, error) {
	var rec travel.LedgerRecord
	f, err := tx.Frog()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return rec, err
	default:
		rec.Frog = f
	}
	rec.Travels, err = tx.Travels()
	return rec, err
}

func (tx *pgTx) PutFrog(f *travel.Frog) error {
	if f.ID != tx.frogID {
		return fmt.Errorf("ledger: frog %d written in transaction of frog %d", f.ID, tx.frogID)
	}
	xp := "0"
	if f.XP != nil {
		xp = f.XP.Dec()
	}
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = tx.now
	}
	_, err := tx.tx.ExecContext(tx.ctx, `INSERT INTO frogs (id, owner, name, status, total_travels, xp, level, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)
		ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, name = EXCLUDED.name, status = EXCLUDED.status,
			total_travels = EXCLUDED.total_travels, xp = EXCLUDED.xp, level = EXCLUDED.level, updated_at = EXCLUDED.updated_at`,
		int64(f.ID), f.Owner.Hex(), f.Name, f.Status.String(), int64(f.TotalTravels), xp, int64(f.Level), updated.Unix())
	return err
}

func (tx *pgTx) startTaken(start int64, except uint64) (bool, error) {
	var id int64
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT id FROM travels
		WHERE frog_id = $1 AND start_time = $2 AND status <> 'Cancelled' AND id <> $3 LIMIT 1`,
		int64(tx.frogID), start, int64(except)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (tx *pgTx) InsertTravel(t *travel.Travel) (uint64, error) {
	if err := checkTravel(tx.frogID, t); err != nil {
		return 0, err
	}
	if t.Status != travel.StatusCancelled {
		taken, err := tx.startTaken(t.StartTime.Unix(), 0)
		if err != nil {
			return 0, err
		}
		if taken {
			duplicateInserts.Inc(1)
			return 0, ErrDuplicateTravel
		}
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = tx.now
	}
	var id int64
	err := tx.tx.QueryRowContext(tx.ctx, `INSERT INTO travels (frog_id, status, cross_chain, cross_chain_status,
		start_time, end_time, target_chain_id, target_wallet, message_id, return_message_id, lock_tx_hash,
		arrived_at, completed_at, error_message, xp_earned, journal_hash, souvenir_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::NUMERIC, $16, $17, $18, $19)
		RETURNING id`,
		int64(t.FrogID), t.Status.String(), t.CrossChain, t.CrossChainStatus.String(),
		t.StartTime.Unix(), int64(unixOf(t.EndTime)), int64(t.TargetChainID), addressOf(t), hexOf(t.MessageID),
		hexOf(t.ReturnMessageID), hexOf(t.LockTxHash), int64(unixOf(t.ArrivedAt)), int64(unixOf(t.CompletedAt)),
		t.ErrorMessage, nullDecimal(t.XPEarned), t.JournalHash, int64(t.SouvenirID), created.Unix(), tx.now.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, mapPGError(err)
	}
	insertedTravels.Inc(1)
	t.ID = uint64(id)
	return t.ID, nil
}

func (tx *pgTx) UpdateTravel(t *travel.Travel) error {
	if err := checkTravel(tx.frogID, t); err != nil {
		return err
	}
	var (
		start  int64
		status string
	)
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT start_time, status FROM travels WHERE id = $1 AND frog_id = $2`,
		int64(t.ID), int64(tx.frogID)).Scan(&start, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if start != t.StartTime.Unix() {
		return fmt.Errorf("ledger: start time of travel %d is immutable", t.ID)
	}
	if status == travel.StatusCancelled.String() && t.Status != travel.StatusCancelled {
		taken, err := tx.startTaken(start, t.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateTravel
		}
	}
	_, err = tx.tx.ExecContext(tx.ctx, `UPDATE travels SET status = $2, cross_chain_status = $3, end_time = $4,
		target_chain_id = $5, target_wallet = $6, message_id = $7, return_message_id = $8, lock_tx_hash = $9,
		arrived_at = $10, completed_at = $11, error_message = $12, xp_earned = $13::NUMERIC, journal_hash = $14,
		souvenir_id = $15, updated_at = $16 WHERE id = $1`,
		int64(t.ID), t.Status.String(), t.CrossChainStatus.String(), int64(unixOf(t.EndTime)),
		int64(t.TargetChainID), addressOf(t), hexOf(t.MessageID), hexOf(t.ReturnMessageID), hexOf(t.LockTxHash),
		int64(unixOf(t.ArrivedAt)), int64(unixOf(t.CompletedAt)), t.ErrorMessage, nullDecimal(t.XPEarned),
		t.JournalHash, int64(t.SouvenirID), tx.now.Unix())
	return mapPGError(err)
}

func (tx *pgTx) MarkEvent(key string) (bool, error) {
	res, err := tx.tx.ExecContext(tx.ctx, `INSERT INTO relay_events (key, seen_at) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, tx.now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		replayedEvents.Inc(1)
	}
	return n == 1, nil
}

func addressOf(t *travel.Travel) string {
	if t.TargetWallet == (common.Address{}) {
		return ""
	}
	return t.TargetWallet.Hex()
}
