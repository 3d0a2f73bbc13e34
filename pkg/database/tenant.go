package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
)

type txKey struct{}

// SetSearchPathQuery scopes the current transaction to one tenant schema.
const SetSearchPathQuery = "SELECT set_config('search_path', $1, true)"

// WithTenant runs fn inside a transaction whose search_path points at the
// tenant schema carried by ctx.
//
// Usage in repositories:
//
//	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
//	    return sqlx.GetContext(ctx, r.db.Querier(ctx), &b, "SELECT ... WHERE id = $1", id)
//	})
//
// A call made while a tenant transaction is already open joins it, so a
// service can wrap several repository calls in one atomic unit.
//
// Serialization failures, deadlocks and lock timeouts re-run the whole
// transaction up to the configured attempt count. When attempts run out
// the caller receives a TRANSIENT_FAILURE error. fn must therefore only
// touch the database; side effects such as publishing belong after the call.
func (db *DB) WithTenant(ctx context.Context, fn func(context.Context) error) error {
	if db.txFromContext(ctx) != nil {
		return fn(ctx)
	}

	schema, err := tenant.TenantSchema(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant context")
	}
	if err := tenant.ValidateSchema(schema); err != nil {
		return errors.Forbidden(err.Error())
	}
	searchPath := schema + ", public"

	var lastErr error
	for attempt := 1; attempt <= db.maxTxRetries; attempt++ {
		err := db.Transaction(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, SetSearchPathQuery, searchPath); err != nil {
				return fmt.Errorf("failed to set search_path to %s: %w", searchPath, err)
			}
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		lastErr = err
		db.logger.Warn().
			Err(err).
			Str("schema", schema).
			Int("attempt", attempt).
			Int("max_attempts", db.maxTxRetries).
			Msg("transaction conflict, retrying")

		if attempt == db.maxTxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(db.retryBackoff * time.Duration(attempt)):
		}
	}

	return errors.Transient(lastErr)
}

// Querier returns the tenant transaction stored in ctx, or the pool when
// called outside WithTenant.
func (db *DB) Querier(ctx context.Context) sqlx.ExtContext {
	if tx := db.txFromContext(ctx); tx != nil {
		return tx
	}
	return db.DB
}

// InTransaction reports whether ctx carries an open tenant transaction.
func (db *DB) InTransaction(ctx context.Context) bool {
	return db.txFromContext(ctx) != nil
}

func (db *DB) txFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

// ActiveTenants lists tenants from the shared registry in the public schema.
func (db *DB) ActiveTenants(ctx context.Context) ([]tenant.Info, error) {
	var tenants []tenant.Info
	query := `
		SELECT id, slug, schema_name
		FROM public.tenants
		WHERE subscription_status IN ('active', 'trial') AND deleted_at IS NULL
		ORDER BY slug`
	if err := db.SelectContext(ctx, &tenants, query); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}
