// Package nation holds the typed queries and schema for game entities. Every
// function takes a txn.Querier, so writes run inside RunAtomic and reads
// inside View.
package nation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/bastion/pkg/txn"
)

var (
	ErrNotFound          = errors.New("nation not found")
	ErrInsufficientFunds = errors.New("insufficient treasury")
	ErrInvalidName       = errors.New("invalid nation name")
)

const maxNameLength = 64

// Nation is a player-controlled nation
type Nation struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	LeaderID   string    `json:"leader_id"`
	Treasury   int64     `json:"treasury"`
	Population int64     `json:"population"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidateName checks a nation name before it reaches the store
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// Insert creates n and sets its ID and CreatedAt
func Insert(ctx context.Context, q txn.Querier, n *Nation) error {
	if err := ValidateName(n.Name); err != nil {
		return err
	}
	n.Name = strings.TrimSpace(n.Name)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO nations (name, leader_id, treasury, population, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.Name, n.LeaderID, n.Treasury, n.Population, n.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert nation %q: %w", n.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert nation %q: %w", n.Name, err)
	}
	n.ID = id
	return nil
}

// InsertNation returns a unit of work that inserts n
func InsertNation(n *Nation) txn.UnitOfWork {
	return func(ctx context.Context, tx *sql.Tx) error {
		return Insert(ctx, tx, n)
	}
}

// GetByName returns the nation with the given name, case-insensitively
func GetByName(ctx context.Context, q txn.Querier, name string) (*Nation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, leader_id, treasury, population, created_at FROM nations WHERE name = ?`,
		strings.TrimSpace(name))
	n, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return n, err
}

// List returns every nation ordered by name
func List(ctx context.Context, q txn.Querier) ([]Nation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, leader_id, treasury, population, created_at FROM nations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list nations: %w", err)
	}
	defer rows.Close()

	var nations []Nation
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, err
		}
		nations = append(nations, *n)
	}
	return nations, rows.Err()
}

// Count returns the number of nations
func Count(ctx context.Context, q txn.Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nations: %w", err)
	}
	return n, nil
}

// UpdateTreasury adds delta to the named nation's treasury and returns the
// new balance. A balance that would go negative is rejected.
func UpdateTreasury(ctx context.Context, q txn.Querier, name string, delta int64) (int64, error) {
	n, err := GetByName(ctx, q, name)
	if err != nil {
		return 0, err
	}
	balance := n.Treasury + delta
	if balance < 0 {
		return n.Treasury, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, n.Name, n.Treasury, -delta)
	}
	if _, err := q.ExecContext(ctx, `UPDATE nations SET treasury = ? WHERE id = ?`, balance, n.ID); err != nil {
		return n.Treasury, fmt.Errorf("update treasury of %q: %w", n.Name, err)
	}
	return balance, nil
}

// Transfer moves amount between two treasuries. Run it inside RunAtomic so
// both sides commit together.
func Transfer(ctx context.Context, q txn.Querier, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if _, err := UpdateTreasury(ctx, q, from, -amount); err != nil {
		return err
	}
	_, err := UpdateTreasury(ctx, q, to, amount)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Nation, error) {
	var (
		n       Nation
		created string
	)
	if err := s.Scan(&n.ID, &n.Name, &n.LeaderID, &n.Treasury, &n.Population, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("nation %d: bad created_at %q: %w", n.ID, created, err)
	}
	n.CreatedAt = t
	return &n, nil
}
