// Package postgres is the PostgreSQL implementation of storage.Store.
// It satisfies the row-locking contract of the core (SELECT ... FOR
// UPDATE) using plain pgx transactions; READ COMMITTED plus per-row
// locks is sufficient per the core's concurrency model.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut05"
	"github.com/nutvault/mint/mint/storage"
)

//go:embed migrations
var migrations embed.FS

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query method below run against either without duplication.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a connection pool satisfying storage.Store.
type Store struct {
	queries
	pool *pgxpool.Pool
}

type queries struct {
	db dbtx
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{queries: queries{db: pool}, pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise (including on panic, which is re-raised after
// rollback).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// runMigrations copies the embedded migration files to a temp
// directory and applies them, since golang-migrate's file source
// needs an on-disk path.
func runMigrations(dsn string) error {
	tempDir, err := os.MkdirTemp("", "mint-migrations")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tempDir)

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src, err := migrations.Open(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return err
		}
		dst, err := os.Create(filepath.Join(tempDir, entry.Name()))
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", tempDir), dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (q queries) SaveKeyset(ctx context.Context, ks storage.DBKeyset) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO keyset (id, unit, active, derivation_path_idx, input_fee_ppk)
		VALUES ($1, $2, $3, $4, $5)`,
		ks.Id, ks.Unit, ks.Active, ks.DerivationPathIdx, ks.InputFeePpk)
	return err
}

func (q queries) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	rows, err := q.db.Query(ctx, `SELECT id, unit, active, derivation_path_idx, input_fee_ppk FROM keyset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DBKeyset
	for rows.Next() {
		var ks storage.DBKeyset
		if err := rows.Scan(&ks.Id, &ks.Unit, &ks.Active, &ks.DerivationPathIdx, &ks.InputFeePpk); err != nil {
			return nil, err
		}
		out = append(out, ks)
	}
	return out, rows.Err()
}

func (q queries) SetKeysetActive(ctx context.Context, id string, active bool) error {
	_, err := q.db.Exec(ctx, `UPDATE keyset SET active = $1 WHERE id = $2`, active, id)
	return err
}

func (q queries) GetProofsByY(ctx context.Context, ys []string, forUpdate bool) ([]storage.DBProof, error) {
	sql := `SELECT y, amount, keyset_id, secret, c, witness, state, operation_id FROM proof WHERE y = ANY($1)`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	rows, err := q.db.Query(ctx, sql, ys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DBProof
	for rows.Next() {
		var p storage.DBProof
		if err := rows.Scan(&p.Y, &p.Amount, &p.KeysetId, &p.Secret, &p.C, &p.Witness, &p.State, &p.OperationId); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q queries) InsertProofs(ctx context.Context, proofs []storage.DBProof) error {
	batch := &pgx.Batch{}
	for _, p := range proofs {
		batch.Queue(`
			INSERT INTO proof (y, amount, keyset_id, secret, c, witness, state, operation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.Y, p.Amount, p.KeysetId, p.Secret, p.C, p.Witness, p.State, p.OperationId)
	}
	br := q.db.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	}).SendBatch(ctx, batch)
	defer br.Close()

	for range proofs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) UpdateProofsState(ctx context.Context, ys []string, from, to storage.ProofState) error {
	tag, err := q.db.Exec(ctx, `UPDATE proof SET state = $1 WHERE y = ANY($2) AND state = $3`, to, ys, from)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ys) {
		return fmt.Errorf("expected to update %d proofs from %s to %s, updated %d", len(ys), from, to, tag.RowsAffected())
	}
	return nil
}

func (q queries) DeleteProofs(ctx context.Context, ys []string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM proof WHERE y = ANY($1)`, ys)
	return err
}

func (q queries) GetBlindSignaturesByB(ctx context.Context, bs []string, forUpdate bool) ([]storage.DBBlindSignature, error) {
	sql := `SELECT blinded_message, amount, keyset_id, c, dleq_e, dleq_s, quote_id, operation_id, signed
	        FROM blind_signature WHERE blinded_message = ANY($1)`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	rows, err := q.db.Query(ctx, sql, bs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DBBlindSignature
	for rows.Next() {
		var s storage.DBBlindSignature
		if err := rows.Scan(&s.B_, &s.Amount, &s.KeysetId, &s.C_, &s.DLEQE, &s.DLEQS, &s.QuoteId, &s.OperationId, &s.Signed); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q queries) InsertBlindSignatureReservations(ctx context.Context, sigs []storage.DBBlindSignature) error {
	batch := &pgx.Batch{}
	for _, s := range sigs {
		batch.Queue(`
			INSERT INTO blind_signature (blinded_message, amount, keyset_id, quote_id, operation_id, signed)
			VALUES ($1, $2, $3, $4, $5, FALSE)`,
			s.B_, s.Amount, s.KeysetId, s.QuoteId, s.OperationId)
	}
	br := q.db.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	}).SendBatch(ctx, batch)
	defer br.Close()

	for range sigs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) SetBlindSignature(ctx context.Context, b_, c_, dleqE, dleqS string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE blind_signature SET c = $1, dleq_e = $2, dleq_s = $3, signed = TRUE
		WHERE blinded_message = $4`,
		c_, dleqE, dleqS, b_)
	return err
}

func (q queries) DeleteBlindSignatureReservations(ctx context.Context, bs []string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM blind_signature WHERE blinded_message = ANY($1) AND signed = FALSE`, bs)
	return err
}

func (q queries) GetMintQuote(ctx context.Context, id string, forUpdate bool) (storage.DBMintQuote, error) {
	sql := `SELECT id, amount, unit, request, request_lookup_id, expiry, pubkey, amount_paid, amount_issued, payment_method, state
	        FROM mint_quote WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	return scanMintQuote(q.db.QueryRow(ctx, sql, id))
}

func (q queries) GetMintQuoteByLookupId(ctx context.Context, lookupId string) (storage.DBMintQuote, error) {
	return scanMintQuote(q.db.QueryRow(ctx, `
		SELECT id, amount, unit, request, request_lookup_id, expiry, pubkey, amount_paid, amount_issued, payment_method, state
		FROM mint_quote WHERE request_lookup_id = $1`, lookupId))
}

func scanMintQuote(row pgx.Row) (storage.DBMintQuote, error) {
	var q storage.DBMintQuote
	var state nut04.State
	err := row.Scan(&q.Id, &q.Amount, &q.Unit, &q.Request, &q.RequestLookupId, &q.Expiry, &q.Pubkey, &q.AmountPaid, &q.AmountIssued, &q.PaymentMethod, &state)
	q.State = state
	return q, err
}

func (q queries) SaveMintQuote(ctx context.Context, quote storage.DBMintQuote) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO mint_quote (id, amount, unit, request, request_lookup_id, expiry, pubkey, amount_paid, amount_issued, payment_method, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		quote.Id, quote.Amount, quote.Unit, quote.Request, quote.RequestLookupId, quote.Expiry, quote.Pubkey, quote.AmountPaid, quote.AmountIssued, quote.PaymentMethod, quote.State)
	return err
}

func (q queries) UpdateMintQuoteAmountPaid(ctx context.Context, id string, amountPaid uint64, state nut04.State) error {
	_, err := q.db.Exec(ctx, `UPDATE mint_quote SET amount_paid = $1, state = $2 WHERE id = $3`, amountPaid, state, id)
	return err
}

func (q queries) UpdateMintQuoteAmountIssued(ctx context.Context, id string, amountIssued uint64) error {
	_, err := q.db.Exec(ctx, `UPDATE mint_quote SET amount_issued = $1, state = $2 WHERE id = $3`, amountIssued, nut04.Issued, id)
	return err
}

func (q queries) GetMeltQuote(ctx context.Context, id string, forUpdate bool) (storage.DBMeltQuote, error) {
	sql := `SELECT id, unit, amount, request, request_lookup_id, fee_reserve, state, payment_preimage, actual_fee, expiry
	        FROM melt_quote WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	return scanMeltQuote(q.db.QueryRow(ctx, sql, id))
}

func (q queries) GetMeltQuotesByLookupId(ctx context.Context, lookupId string, forUpdate bool) ([]storage.DBMeltQuote, error) {
	sql := `SELECT id, unit, amount, request, request_lookup_id, fee_reserve, state, payment_preimage, actual_fee, expiry
	        FROM melt_quote WHERE request_lookup_id = $1 ORDER BY id`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	rows, err := q.db.Query(ctx, sql, lookupId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DBMeltQuote
	for rows.Next() {
		mq, err := scanMeltQuoteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mq)
	}
	return out, rows.Err()
}

func scanMeltQuote(row pgx.Row) (storage.DBMeltQuote, error) {
	var q storage.DBMeltQuote
	var state nut05.State
	err := row.Scan(&q.Id, &q.Unit, &q.Amount, &q.Request, &q.RequestLookupId, &q.FeeReserve, &state, &q.PaymentPreimage, &q.ActualFee, &q.Expiry)
	q.State = state
	return q, err
}

func scanMeltQuoteRow(rows pgx.Rows) (storage.DBMeltQuote, error) {
	var q storage.DBMeltQuote
	var state nut05.State
	err := rows.Scan(&q.Id, &q.Unit, &q.Amount, &q.Request, &q.RequestLookupId, &q.FeeReserve, &state, &q.PaymentPreimage, &q.ActualFee, &q.Expiry)
	q.State = state
	return q, err
}

func (q queries) SaveMeltQuote(ctx context.Context, quote storage.DBMeltQuote) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO melt_quote (id, unit, amount, request, request_lookup_id, fee_reserve, state, payment_preimage, actual_fee, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		quote.Id, quote.Unit, quote.Amount, quote.Request, quote.RequestLookupId, quote.FeeReserve, quote.State, quote.PaymentPreimage, quote.ActualFee, quote.Expiry)
	return err
}

func (q queries) UpdateMeltQuoteState(ctx context.Context, id string, state nut05.State) error {
	_, err := q.db.Exec(ctx, `UPDATE melt_quote SET state = $1 WHERE id = $2`, state, id)
	return err
}

func (q queries) FinalizeMeltQuote(ctx context.Context, id string, preimage string, actualFee uint64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE melt_quote SET state = $1, payment_preimage = $2, actual_fee = $3 WHERE id = $4`,
		nut05.Paid, preimage, actualFee, id)
	return err
}

func (q queries) SaveSaga(ctx context.Context, rec storage.SagaRecord) error {
	now := rec.CreatedAt
	_, err := q.db.Exec(ctx, `
		INSERT INTO saga_state (operation_id, operation_kind, state, quote_id, input_ys, output_bs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		rec.OperationId, rec.Kind, rec.State, rec.QuoteId, rec.InputYs, rec.OutputBs, now)
	return err
}

func (q queries) UpdateSagaState(ctx context.Context, operationId string, state storage.SagaState) error {
	_, err := q.db.Exec(ctx, `UPDATE saga_state SET state = $1, updated_at = $2 WHERE operation_id = $3`, state, time.Now().Unix(), operationId)
	return err
}

func (q queries) GetSaga(ctx context.Context, operationId string) (storage.SagaRecord, error) {
	row := q.db.QueryRow(ctx, `
		SELECT operation_id, operation_kind, state, quote_id, input_ys, output_bs, created_at, updated_at
		FROM saga_state WHERE operation_id = $1`, operationId)
	var rec storage.SagaRecord
	err := row.Scan(&rec.OperationId, &rec.Kind, &rec.State, &rec.QuoteId, &rec.InputYs, &rec.OutputBs, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (q queries) ListSagas(ctx context.Context) ([]storage.SagaRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT operation_id, operation_kind, state, quote_id, input_ys, output_bs, created_at, updated_at
		FROM saga_state ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SagaRecord
	for rows.Next() {
		var rec storage.SagaRecord
		if err := rows.Scan(&rec.OperationId, &rec.Kind, &rec.State, &rec.QuoteId, &rec.InputYs, &rec.OutputBs, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q queries) DeleteSaga(ctx context.Context, operationId string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM saga_state WHERE operation_id = $1`, operationId)
	return err
}

func (q queries) IncrementKeysetAmounts(ctx context.Context, keysetId string, issued, redeemed uint64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO keyset_amounts (keyset_id, total_issued, total_redeemed)
		VALUES ($1, $2, $3)
		ON CONFLICT (keyset_id) DO UPDATE SET
			total_issued = keyset_amounts.total_issued + EXCLUDED.total_issued,
			total_redeemed = keyset_amounts.total_redeemed + EXCLUDED.total_redeemed`,
		keysetId, issued, redeemed)
	return err
}

func (q queries) GetKeysetAmounts(ctx context.Context, keysetId string) (issued, redeemed uint64, err error) {
	row := q.db.QueryRow(ctx, `SELECT total_issued, total_redeemed FROM keyset_amounts WHERE keyset_id = $1`, keysetId)
	err = row.Scan(&issued, &redeemed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	return issued, redeemed, err
}

func (q queries) RecordCompletedOperation(ctx context.Context, op storage.CompletedOperation) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO completed_operations
			(operation_id, operation_kind, completed_at, total_issued, total_redeemed, fee_collected, payment_amount, payment_fee, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.OperationId, op.Kind, op.CompletedAt, op.TotalIssued, op.TotalRedeemed, op.FeeCollected, op.PaymentAmount, op.PaymentFee, op.PaymentMethod)
	return err
}

