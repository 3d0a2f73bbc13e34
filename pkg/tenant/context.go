// Package tenant carries the pharmacy tenant (one clinic or hospital site)
// through request and job contexts. Each tenant owns a PostgreSQL schema.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

type contextKey string

const (
	tenantIDKey     contextKey = "tenant_id"
	tenantSlugKey   contextKey = "tenant_slug"
	tenantSchemaKey contextKey = "tenant_schema"
)

var (
	// ErrNoTenantInContext is returned when tenant context is missing
	ErrNoTenantInContext = errors.New("no tenant in context")

	schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

// Info identifies a tenant and its schema.
type Info struct {
	ID     string `db:"id" json:"id"`
	Slug   string `db:"slug" json:"slug"`
	Schema string `db:"schema_name" json:"schema_name"`
}

// WithTenantContext adds all tenant information to the context
func WithTenantContext(ctx context.Context, id, slug, schema string) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, id)
	ctx = context.WithValue(ctx, tenantSlugKey, slug)
	ctx = context.WithValue(ctx, tenantSchemaKey, schema)
	return ctx
}

// WithInfo is WithTenantContext for a loaded tenant record.
func WithInfo(ctx context.Context, t Info) context.Context {
	return WithTenantContext(ctx, t.ID, t.Slug, t.Schema)
}

// TenantID extracts tenant ID from context
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoTenantInContext
	}
	return id, nil
}

// TenantSlug extracts tenant slug from context
func TenantSlug(ctx context.Context) (string, error) {
	slug, ok := ctx.Value(tenantSlugKey).(string)
	if !ok || slug == "" {
		return "", ErrNoTenantInContext
	}
	return slug, nil
}

// TenantSchema extracts the tenant schema name from context. Repositories
// use it to set search_path.
func TenantSchema(ctx context.Context) (string, error) {
	schema, ok := ctx.Value(tenantSchemaKey).(string)
	if !ok || schema == "" {
		return "", ErrNoTenantInContext
	}
	return schema, nil
}

// ValidateSchema rejects schema names that are not plain lower-case identifiers.
// Schema names end up in search_path and DDL, so nothing else is accepted.
func ValidateSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return fmt.Errorf("invalid tenant schema name %q", schema)
	}
	return nil
}
