package store

import (
	"context"

	"github.com/coinwifi/gateway/errors"
)

const rateColumns = `id, name, price, duration, coins_required, is_active`

func scanRate(row interface {
	Scan(...interface{}) error
}) (*Rate, error) {
	r := &Rate{}
	err := row.Scan(&r.ID, &r.Name, &r.Price, &r.Duration, &r.CoinsRequired, &r.IsActive)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRate inserts a new price package.
func (s *Store) CreateRate(ctx context.Context, r *Rate) (*Rate, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO rates (name, price, duration, coins_required, is_active) VALUES (?, ?, ?, ?, ?)",
		r.Name, r.Price, r.Duration, r.CoinsRequired, r.IsActive,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rate")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new rate id")
	}
	return s.GetRate(ctx, id)
}

// GetRate returns a rate by ID.
func (s *Store) GetRate(ctx context.Context, id int64) (*Rate, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+rateColumns+" FROM rates WHERE id = ?", id)
	r, err := scanRate(row)
	if isNoRows(err) {
		return nil, errors.WithKind(errors.Newf("rate %d not found", id), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rate")
	}
	return r, nil
}

// ListActiveRates returns rates available for purchase.
func (s *Store) ListActiveRates(ctx context.Context) ([]*Rate, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+rateColumns+" FROM rates WHERE is_active = 1 ORDER BY price ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active rates")
	}
	defer rows.Close()

	var out []*Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rate row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRates returns every rate, active or not, for admin management.
func (s *Store) ListRates(ctx context.Context) ([]*Rate, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+rateColumns+" FROM rates ORDER BY price ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rates")
	}
	defer rows.Close()

	var out []*Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rate row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRate replaces a rate's mutable fields.
func (s *Store) UpdateRate(ctx context.Context, r *Rate) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rates SET name = ?, price = ?, duration = ?, coins_required = ?, is_active = ? WHERE id = ?",
		r.Name, r.Price, r.Duration, r.CoinsRequired, r.IsActive, r.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update rate")
	}
	return nil
}

// DeleteRate removes a rate definition.
func (s *Store) DeleteRate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rates WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to delete rate")
	}
	return nil
}
