package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spinbridge/internal/domain"
	"spinbridge/internal/models"
)

// Postgres implements Repository on pgx for deployments that outlive the
// process. Same contract as Memory; selected by a non-empty DSN.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{Pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS buy_orders (
			order_id TEXT PRIMARY KEY,
			buyer_id TEXT NOT NULL,
			fiat_amount TEXT NOT NULL,
			token TEXT NOT NULL,
			token_amount TEXT NOT NULL,
			reference_code TEXT NOT NULL,
			voucher_expiry TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			bundle_public_id TEXT,
			bundle_ciphertext TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			filled_at TIMESTAMPTZ,
			tx_hash TEXT,
			transfer_tx_id TEXT,
			transferred_at TIMESTAMPTZ,
			transfer_error TEXT,
			cancel_reason TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sell_orders (
			order_id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL,
			token TEXT NOT NULL,
			token_amount TEXT NOT NULL,
			fiat_amount TEXT,
			escrow_address TEXT NOT NULL,
			derivation_index BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			filled_at TIMESTAMPTZ,
			tx_hash TEXT,
			settlement_tx_id TEXT,
			cancel_reason TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			filler_id TEXT NOT NULL,
			payout_address TEXT NOT NULL,
			reference_code TEXT NOT NULL,
			fiat_amount TEXT NOT NULL,
			voucher_expiry TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			tx_hash TEXT,
			transfer_tx_id TEXT,
			transferred_at TIMESTAMPTZ,
			transfer_error TEXT,
			fail_reason TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pending_txs (
			local_id TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			value TEXT NOT NULL,
			payload TEXT NOT NULL,
			submitter TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT,
			entity_kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS consumed_references (
			code TEXT PRIMARY KEY,
			consumed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE SEQUENCE IF NOT EXISTS escrow_derivation_index_seq;
	`)
	return err
}

func (p *Postgres) CreateBuyOrder(ctx context.Context, o *models.BuyOrder) error {
	var bundlePublic, bundleCiphertext *string
	if o.Bundle != nil {
		bundlePublic = &o.Bundle.PublicID
		bundleCiphertext = &o.Bundle.CiphertextHex
	}
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO buy_orders (
			order_id, buyer_id, fiat_amount, token, token_amount,
			reference_code, voucher_expiry, status, bundle_public_id,
			bundle_ciphertext, created_at, expires_at, filled_at, tx_hash,
			transfer_tx_id, transferred_at, transfer_error, cancel_reason,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		o.OrderID, o.BuyerID, o.FiatAmount.String(), o.Token, o.TokenAmount,
		o.ReferenceCode, o.VoucherExpiry, o.Status, bundlePublic,
		bundleCiphertext, o.CreatedAt, o.ExpiresAt, o.FilledAt, o.TxHash,
		o.TransferTxID, o.TransferredAt, o.TransferError, o.CancelReason,
		o.UpdatedAt,
	)
	return err
}

const buyOrderColumns = `order_id, buyer_id, fiat_amount, token, token_amount,
	reference_code, voucher_expiry, status, bundle_public_id, bundle_ciphertext,
	created_at, expires_at, filled_at, tx_hash, transfer_tx_id, transferred_at,
	transfer_error, cancel_reason, updated_at`

func scanBuyOrder(row pgx.Row) (*models.BuyOrder, error) {
	var o models.BuyOrder
	var fiatAmount string
	var bundlePublic, bundleCiphertext sql.NullString
	var filledAt, transferredAt sql.NullTime
	var txHash, transferTxID, transferError, cancelReason sql.NullString

	err := row.Scan(
		&o.OrderID, &o.BuyerID, &fiatAmount, &o.Token, &o.TokenAmount,
		&o.ReferenceCode, &o.VoucherExpiry, &o.Status, &bundlePublic,
		&bundleCiphertext, &o.CreatedAt, &o.ExpiresAt, &filledAt, &txHash,
		&transferTxID, &transferredAt, &transferError, &cancelReason,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.FiatAmount, err = decimal.NewFromString(fiatAmount)
	if err != nil {
		return nil, err
	}
	if bundlePublic.Valid && bundleCiphertext.Valid {
		o.Bundle = &models.SecureBundle{
			PublicID:      bundlePublic.String,
			CiphertextHex: bundleCiphertext.String,
		}
	}
	o.FilledAt = nullTimePtr(filledAt)
	o.TransferredAt = nullTimePtr(transferredAt)
	o.TxHash = nullStringPtr(txHash)
	o.TransferTxID = nullStringPtr(transferTxID)
	o.TransferError = nullStringPtr(transferError)
	o.CancelReason = nullStringPtr(cancelReason)
	return &o, nil
}

func (p *Postgres) GetBuyOrder(ctx context.Context, orderID string) (*models.BuyOrder, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+buyOrderColumns+` FROM buy_orders WHERE order_id=$1`, orderID)
	o, err := scanBuyOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, "buy order %s not found", orderID)
	}
	return o, err
}

func (p *Postgres) ListBuyOrders(ctx context.Context, filter OrderFilter) ([]*models.BuyOrder, error) {
	query := `SELECT ` + buyOrderColumns + ` FROM buy_orders
		WHERE ($1 = '' OR token = $1)
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR buyer_id = $3)
		ORDER BY created_at, order_id`
	args := []any{filter.Token, string(filter.Status), filter.Owner}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BuyOrder
	for rows.Next() {
		o, err := scanBuyOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateBuyOrder(ctx context.Context, o *models.BuyOrder) error {
	res, err := p.Pool.Exec(ctx, `
		UPDATE buy_orders
		SET status=$2, filled_at=$3, tx_hash=$4, transfer_tx_id=$5,
			transferred_at=$6, transfer_error=$7, cancel_reason=$8, updated_at=$9
		WHERE order_id=$1
	`,
		o.OrderID, o.Status, o.FilledAt, o.TxHash, o.TransferTxID,
		o.TransferredAt, o.TransferError, o.CancelReason, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.Ef(domain.KindNotFound, "buy order %s not found", o.OrderID)
	}
	return nil
}

func (p *Postgres) CreateSellOrder(ctx context.Context, o *models.SellOrder) error {
	var fiatAmount *string
	if o.FiatAmount != nil {
		s := o.FiatAmount.String()
		fiatAmount = &s
	}
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO sell_orders (
			order_id, seller_id, token, token_amount, fiat_amount,
			escrow_address, derivation_index, status, created_at, expires_at,
			filled_at, tx_hash, settlement_tx_id, cancel_reason, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		o.OrderID, o.SellerID, o.Token, o.TokenAmount, fiatAmount,
		o.EscrowAddress, o.DerivationIndex, o.Status, o.CreatedAt, o.ExpiresAt,
		o.FilledAt, o.TxHash, o.SettlementTxID, o.CancelReason, o.UpdatedAt,
	)
	return err
}

const sellOrderColumns = `order_id, seller_id, token, token_amount, fiat_amount,
	escrow_address, derivation_index, status, created_at, expires_at,
	filled_at, tx_hash, settlement_tx_id, cancel_reason, updated_at`

func scanSellOrder(row pgx.Row) (*models.SellOrder, error) {
	var o models.SellOrder
	var fiatAmount sql.NullString
	var filledAt sql.NullTime
	var txHash, settlementTxID, cancelReason sql.NullString

	err := row.Scan(
		&o.OrderID, &o.SellerID, &o.Token, &o.TokenAmount, &fiatAmount,
		&o.EscrowAddress, &o.DerivationIndex, &o.Status, &o.CreatedAt,
		&o.ExpiresAt, &filledAt, &txHash, &settlementTxID, &cancelReason, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fiatAmount.Valid {
		d, err := decimal.NewFromString(fiatAmount.String)
		if err != nil {
			return nil, err
		}
		o.FiatAmount = &d
	}
	o.FilledAt = nullTimePtr(filledAt)
	o.TxHash = nullStringPtr(txHash)
	o.SettlementTxID = nullStringPtr(settlementTxID)
	o.CancelReason = nullStringPtr(cancelReason)
	return &o, nil
}

func (p *Postgres) GetSellOrder(ctx context.Context, orderID string) (*models.SellOrder, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+sellOrderColumns+` FROM sell_orders WHERE order_id=$1`, orderID)
	o, err := scanSellOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, "sell order %s not found", orderID)
	}
	return o, err
}

func (p *Postgres) ListSellOrders(ctx context.Context, filter OrderFilter) ([]*models.SellOrder, error) {
	query := `SELECT ` + sellOrderColumns + ` FROM sell_orders
		WHERE ($1 = '' OR token = $1)
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR seller_id = $3)
		ORDER BY created_at, order_id`
	args := []any{filter.Token, string(filter.Status), filter.Owner}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SellOrder
	for rows.Next() {
		o, err := scanSellOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSellOrder(ctx context.Context, o *models.SellOrder) error {
	res, err := p.Pool.Exec(ctx, `
		UPDATE sell_orders
		SET status=$2, filled_at=$3, tx_hash=$4, settlement_tx_id=$5,
			cancel_reason=$6, updated_at=$7
		WHERE order_id=$1
	`, o.OrderID, o.Status, o.FilledAt, o.TxHash, o.SettlementTxID, o.CancelReason, o.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.Ef(domain.KindNotFound, "sell order %s not found", o.OrderID)
	}
	return nil
}

func (p *Postgres) CreateFill(ctx context.Context, f *models.Fill) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO fills (
			fill_id, order_id, filler_id, payout_address, reference_code,
			fiat_amount, voucher_expiry, status, created_at, expires_at,
			completed_at, tx_hash, transfer_tx_id, transferred_at,
			transfer_error, fail_reason, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		f.FillID, f.OrderID, f.FillerID, f.PayoutAddress, f.ReferenceCode,
		f.FiatAmount.String(), f.VoucherExpiry, f.Status, f.CreatedAt,
		f.ExpiresAt, f.CompletedAt, f.TxHash, f.TransferTxID, f.TransferredAt,
		f.TransferError, f.FailReason, f.UpdatedAt,
	)
	return err
}

const fillColumns = `fill_id, order_id, filler_id, payout_address, reference_code,
	fiat_amount, voucher_expiry, status, created_at, expires_at, completed_at,
	tx_hash, transfer_tx_id, transferred_at, transfer_error, fail_reason, updated_at`

func scanFill(row pgx.Row) (*models.Fill, error) {
	var f models.Fill
	var fiatAmount string
	var completedAt, transferredAt sql.NullTime
	var txHash, transferTxID, transferError, failReason sql.NullString

	err := row.Scan(
		&f.FillID, &f.OrderID, &f.FillerID, &f.PayoutAddress, &f.ReferenceCode,
		&fiatAmount, &f.VoucherExpiry, &f.Status, &f.CreatedAt, &f.ExpiresAt,
		&completedAt, &txHash, &transferTxID, &transferredAt, &transferError,
		&failReason, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.FiatAmount, err = decimal.NewFromString(fiatAmount)
	if err != nil {
		return nil, err
	}
	f.CompletedAt = nullTimePtr(completedAt)
	f.TransferredAt = nullTimePtr(transferredAt)
	f.TxHash = nullStringPtr(txHash)
	f.TransferTxID = nullStringPtr(transferTxID)
	f.TransferError = nullStringPtr(transferError)
	f.FailReason = nullStringPtr(failReason)
	return &f, nil
}

func (p *Postgres) GetFill(ctx context.Context, fillID string) (*models.Fill, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+fillColumns+` FROM fills WHERE fill_id=$1`, fillID)
	f, err := scanFill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, "fill %s not found", fillID)
	}
	return f, err
}

func (p *Postgres) ListFills(ctx context.Context, filter FillFilter) ([]*models.Fill, error) {
	query := `SELECT ` + fillColumns + ` FROM fills
		WHERE ($1 = '' OR order_id = $1)
		AND ($2 = '' OR filler_id = $2)
		AND ($3 = '' OR status = $3)
		ORDER BY created_at, fill_id`
	args := []any{filter.OrderID, filter.Owner, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFill(ctx context.Context, f *models.Fill) error {
	res, err := p.Pool.Exec(ctx, `
		UPDATE fills
		SET status=$2, completed_at=$3, tx_hash=$4, transfer_tx_id=$5,
			transferred_at=$6, transfer_error=$7, fail_reason=$8, updated_at=$9
		WHERE fill_id=$1
	`,
		f.FillID, f.Status, f.CompletedAt, f.TxHash, f.TransferTxID,
		f.TransferredAt, f.TransferError, f.FailReason, f.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.Ef(domain.KindNotFound, "fill %s not found", f.FillID)
	}
	return nil
}

func (p *Postgres) CreatePendingTx(ctx context.Context, tx *models.PendingTransaction) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO pending_txs (
			local_id, destination, value, payload, submitter, chain_id,
			status, tx_hash, entity_kind, entity_id, purpose, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		tx.LocalID, tx.Destination, tx.Value, tx.Payload, tx.Submitter,
		tx.ChainID, tx.Status, tx.TxHash, tx.EntityKind, tx.EntityID,
		tx.Purpose, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

const pendingTxColumns = `local_id, destination, value, payload, submitter,
	chain_id, status, tx_hash, entity_kind, entity_id, purpose, created_at, updated_at`

func scanPendingTx(row pgx.Row) (*models.PendingTransaction, error) {
	var tx models.PendingTransaction
	var txHash sql.NullString
	err := row.Scan(
		&tx.LocalID, &tx.Destination, &tx.Value, &tx.Payload, &tx.Submitter,
		&tx.ChainID, &tx.Status, &txHash, &tx.EntityKind, &tx.EntityID,
		&tx.Purpose, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.TxHash = nullStringPtr(txHash)
	return &tx, nil
}

func (p *Postgres) GetPendingTx(ctx context.Context, localID string) (*models.PendingTransaction, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+pendingTxColumns+` FROM pending_txs WHERE local_id=$1`, localID)
	tx, err := scanPendingTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, "pending transaction %s not found", localID)
	}
	return tx, err
}

func (p *Postgres) ListPendingTxs(ctx context.Context, statuses ...models.TxStatus) ([]*models.PendingTransaction, error) {
	list := make([]string, 0, len(statuses))
	for _, s := range statuses {
		list = append(list, string(s))
	}
	query := `SELECT ` + pendingTxColumns + ` FROM pending_txs
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		ORDER BY created_at, local_id`
	rows, err := p.Pool.Query(ctx, query, list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingTxs(rows)
}

func (p *Postgres) ListPendingTxsByEntity(ctx context.Context, entityID string) ([]*models.PendingTransaction, error) {
	rows, err := p.Pool.Query(ctx, `SELECT `+pendingTxColumns+` FROM pending_txs WHERE entity_id=$1 ORDER BY created_at, local_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingTxs(rows)
}

func collectPendingTxs(rows pgx.Rows) ([]*models.PendingTransaction, error) {
	var out []*models.PendingTransaction
	for rows.Next() {
		tx, err := scanPendingTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdatePendingTx(ctx context.Context, tx *models.PendingTransaction) error {
	res, err := p.Pool.Exec(ctx, `
		UPDATE pending_txs
		SET status=$2, tx_hash=$3, updated_at=$4
		WHERE local_id=$1
	`, tx.LocalID, tx.Status, tx.TxHash, tx.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.Ef(domain.KindNotFound, "pending transaction %s not found", tx.LocalID)
	}
	return nil
}

func (p *Postgres) ConsumeReference(ctx context.Context, code string) error {
	res, err := p.Pool.Exec(ctx, `
		INSERT INTO consumed_references (code) VALUES ($1)
		ON CONFLICT (code) DO NOTHING
	`, code)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.Ef(domain.KindReplay, "voucher reference %s already consumed", code)
	}
	return nil
}

func (p *Postgres) ReferenceConsumed(ctx context.Context, code string) (bool, error) {
	var exists bool
	row := p.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumed_references WHERE code=$1)`, code)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (p *Postgres) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := p.Pool.QueryRow(ctx, "SELECT nextval('escrow_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
