package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

const transactionColumns = `id, client_id, session_id, rate_id, amount_paid,
	coins_used, payment_method, status, created_at`

func scanTransaction(row interface {
	Scan(...interface{}) error
}) (*Transaction, error) {
	t := &Transaction{}
	var sessionID, rateID sql.NullInt64

	err := row.Scan(
		&t.ID, &t.ClientID, &sessionID, &rateID, &t.AmountPaid,
		&t.CoinsUsed, &t.PaymentMethod, &t.Status, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.Int64
	}
	if rateID.Valid {
		t.RateID = &rateID.Int64
	}
	return t, nil
}

// RecordTransaction appends a COMPLETED purchase. Transactions are
// never mutated after insert; refunds, if ever added, would be a new
// row with status REFUNDED referencing the original, not an update.
func (s *Store) RecordTransaction(ctx context.Context, clientID int64, sessionID, rateID *int64, amountPaid float64, coinsUsed int64, method PaymentMethod) (*Transaction, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (client_id, session_id, rate_id, amount_paid, coins_used, payment_method, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		clientID, sessionID, rateID, amountPaid, coinsUsed, method, TransactionCompleted, time.Now(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record transaction")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new transaction id")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	return scanTransaction(row)
}

// RecordTransactionTx is RecordTransaction scoped to an in-flight transaction.
func RecordTransactionTx(ctx context.Context, tx *sql.Tx, clientID int64, sessionID, rateID *int64, amountPaid float64, coinsUsed int64, method PaymentMethod) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (client_id, session_id, rate_id, amount_paid, coins_used, payment_method, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		clientID, sessionID, rateID, amountPaid, coinsUsed, method, TransactionCompleted, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to record transaction")
	}
	return nil
}

// ListTransactionsByClient returns a client's purchase history, most
// recent first.
func (s *Store) ListTransactionsByClient(ctx context.Context, clientID int64) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE client_id = ? ORDER BY created_at DESC",
		clientID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
