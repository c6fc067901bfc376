package checkout

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/cardflow-checkout/checkout/models"
)

var ErrNotFound = fmt.Errorf("not found")

var ErrConflict = fmt.Errorf("conflict")

//go:embed schema.sql
var schema string

// Repository keeps the attempt audit trail, in memory or in Postgres.
type Repository struct {
	mu       sync.RWMutex
	attempts map[string]*models.Attempt

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		attempts: make(map[string]*models.Attempt),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the audit table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (r *Repository) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.attempts[a.ID]; ok {
			return fmt.Errorf("attempt %s exists: %w", a.ID, ErrConflict)
		}
		cp := *a
		r.attempts[a.ID] = &cp
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO checkout.attempts(attempt_id, session_id, tx_ref, bin, last4, pan_hash, amount, currency,
                                      state, error_kind, gateway_reference, transaction_id, auth_model, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
    `, a.ID, a.SessionID, nullable(a.TxRef), a.BIN, a.Last4, a.PANHash, a.Amount, a.Currency,
		a.State, nullable(a.ErrorKind), nullable(a.GatewayReference), nullable(a.TransactionID), nullable(a.AuthModel),
		a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("attempt %s exists: %w", a.ID, ErrConflict)
	}
	return err
}

// UpdateAttempt stores the outcome fields of a later step.
func (r *Repository) UpdateAttempt(ctx context.Context, a *models.Attempt) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		existing, ok := r.attempts[a.ID]
		if !ok {
			return ErrNotFound
		}
		existing.TxRef = a.TxRef
		existing.State = a.State
		existing.ErrorKind = a.ErrorKind
		existing.GatewayReference = a.GatewayReference
		existing.TransactionID = a.TransactionID
		existing.AuthModel = a.AuthModel
		existing.UpdatedAt = a.UpdatedAt
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE checkout.attempts
           SET tx_ref=$2, state=$3, error_kind=$4, gateway_reference=$5, transaction_id=$6, auth_model=$7, updated_at=$8
         WHERE attempt_id=$1
    `, a.ID, nullable(a.TxRef), a.State, nullable(a.ErrorKind), nullable(a.GatewayReference),
		nullable(a.TransactionID), nullable(a.AuthModel), a.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetAttempt(ctx context.Context, id string) (*models.Attempt, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		a, ok := r.attempts[id]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *a
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, selectAttempts+` WHERE attempt_id=$1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAttempts returns the newest attempts first, optionally for one session.
func (r *Repository) ListAttempts(ctx context.Context, sessionID string, limit int) ([]*models.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.Attempt
		for _, a := range r.attempts {
			if sessionID == "" || a.SessionID == sessionID {
				cp := *a
				out = append(out, &cp)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, selectAttempts+`
         WHERE ($1 = '' OR session_id = $1)
         ORDER BY created_at DESC
         LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

const selectAttempts = `
        SELECT attempt_id, session_id, coalesce(tx_ref,''), bin, last4, pan_hash, amount, currency, state,
               coalesce(error_kind,''), coalesce(gateway_reference,''), coalesce(transaction_id,''),
               coalesce(auth_model,''), created_at, updated_at
          FROM checkout.attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*models.Attempt, error) {
	var a models.Attempt
	err := s.Scan(&a.ID, &a.SessionID, &a.TxRef, &a.BIN, &a.Last4, &a.PANHash, &a.Amount, &a.Currency, &a.State,
		&a.ErrorKind, &a.GatewayReference, &a.TransactionID, &a.AuthModel, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
