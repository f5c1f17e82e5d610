// Package repository provides tenant-scoped persistence. Every query issued
// through a Repository carries the tenant predicate taken from the request
// context, so callers cannot forget the filter or reach across tenants.
// Rows from other tenants are indistinguishable from rows that do not
// exist.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// Scanner is the subset of sql.Row and sql.Rows used to scan a record
type Scanner interface {
	Scan(dest ...interface{}) error
}

// Schema describes how a record type maps onto its table. Columns excludes
// the id and tenant_id columns; those are managed by the repository.
type Schema[T any] struct {
	Table      string
	Columns    []string
	Scan       func(s Scanner) (*T, error)
	Values     func(t *T) []interface{}
	SetID      func(t *T, id int64)
	SoftDelete bool
}

// Repository executes tenant-scoped queries for one record type
type Repository[T any] struct {
	db             *sql.DB
	schema         Schema[T]
	includeDeleted bool
	unscoped       bool
}

// New creates a repository for the given schema
func New[T any](db *sql.DB, schema Schema[T]) *Repository[T] {
	return &Repository[T]{db: db, schema: schema}
}

// IncludeDeleted returns a copy of the repository whose reads also match
// soft-deleted rows. Tenant scoping still applies.
func (r *Repository[T]) IncludeDeleted() *Repository[T] {
	copied := *r
	copied.includeDeleted = true
	return &copied
}

// Privileged returns a copy of the repository that skips tenant scoping.
// Every call through the copy re-checks that the context holds an elevated
// tenant context; a plain context is rejected with PermissionDenied.
func (r *Repository[T]) Privileged() *Repository[T] {
	copied := *r
	copied.unscoped = true
	return &copied
}

// scope resolves the tenant predicate for a query. It returns the SQL
// fragment to append and the tenant id argument, or no fragment for a
// verified elevated context.
func (r *Repository[T]) scope(ctx context.Context) (string, []interface{}, error) {
	if r.unscoped {
		tc, ok := tenant.FromContext(ctx)
		if !ok {
			return "", nil, errs.New(errs.KindUnauthenticated, "no tenant context established")
		}
		if !tc.Elevated() {
			return "", nil, errs.New(errs.KindPermissionDenied, "cross-tenant access requires an elevated context")
		}
		return "", nil, nil
	}

	_, tenantID, err := tenant.Require(ctx)
	if err != nil {
		return "", nil, err
	}
	return " AND tenant_id = ?", []interface{}{tenantID}, nil
}

// FindByID retrieves a record by id within the current tenant
func (r *Repository[T]) FindByID(ctx context.Context, id int64) (*T, error) {
	return r.FindFirst(ctx, "id = ?", id)
}

// FindFirst retrieves the first record matching the condition within the
// current tenant. The condition uses ? placeholders.
func (r *Repository[T]) FindFirst(ctx context.Context, condition string, args ...interface{}) (*T, error) {
	query, queryArgs, err := r.buildSelect(ctx, condition, args, 1)
	if err != nil {
		return nil, err
	}

	record, err := r.schema.Scan(r.db.QueryRowContext(ctx, query, queryArgs...))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "%s not found", r.schema.Table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.schema.Table, err)
	}
	return record, nil
}

// FindMany retrieves all records matching the condition within the current
// tenant. No matches yields an empty slice, not an error.
func (r *Repository[T]) FindMany(ctx context.Context, condition string, args ...interface{}) ([]*T, error) {
	query, queryArgs, err := r.buildSelect(ctx, condition, args, 0)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.schema.Table, err)
	}
	defer rows.Close()

	records := []*T{}
	for rows.Next() {
		record, err := r.schema.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.schema.Table, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Create inserts a record, stamping it with the current tenant. Any tenant
// value already on the record is ignored.
func (r *Repository[T]) Create(ctx context.Context, record *T) error {
	_, tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}

	columns := append([]string{"tenant_id"}, r.schema.Columns...)
	args := append([]interface{}{tenantID}, r.schema.Values(record)...)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		r.schema.Table, strings.Join(columns, ", "), strings.Join(placeholders, ", "),
	)

	var id int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert %s: %w", r.schema.Table, err)
	}
	r.schema.SetID(record, id)
	return nil
}

// Update applies the schema's column values to the record's row within the
// current tenant. A row outside the tenant reports NotFound.
func (r *Repository[T]) Update(ctx context.Context, id int64, record *T) error {
	scopeSQL, scopeArgs, err := r.scope(ctx)
	if err != nil {
		return err
	}

	assignments := make([]string, len(r.schema.Columns))
	for i, col := range r.schema.Columns {
		assignments[i] = col + " = ?"
	}

	condition := "id = ?" + scopeSQL
	args := append(r.schema.Values(record), id)
	args = append(args, scopeArgs...)

	query := numberPlaceholders(fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s%s",
		r.schema.Table, strings.Join(assignments, ", "), condition, r.deletedFilter(),
	))

	return r.execExpectingRow(ctx, query, args)
}

// Delete removes the record's row within the current tenant. When the
// schema soft-deletes, the row is stamped instead of removed and later
// reads skip it unless IncludeDeleted is used.
func (r *Repository[T]) Delete(ctx context.Context, id int64) error {
	scopeSQL, scopeArgs, err := r.scope(ctx)
	if err != nil {
		return err
	}

	condition := "id = ?" + scopeSQL
	args := append([]interface{}{id}, scopeArgs...)

	var query string
	if r.schema.SoftDelete {
		query = fmt.Sprintf(
			"UPDATE %s SET deleted_at = NOW() WHERE %s AND deleted_at IS NULL",
			r.schema.Table, condition,
		)
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE %s", r.schema.Table, condition)
	}

	return r.execExpectingRow(ctx, numberPlaceholders(query), args)
}

// Restore clears the soft-delete stamp on a record within the current
// tenant.
func (r *Repository[T]) Restore(ctx context.Context, id int64) error {
	if !r.schema.SoftDelete {
		return errs.Newf(errs.KindInvalidInput, "%s does not soft-delete", r.schema.Table)
	}

	scopeSQL, scopeArgs, err := r.scope(ctx)
	if err != nil {
		return err
	}

	args := append([]interface{}{id}, scopeArgs...)
	query := numberPlaceholders(fmt.Sprintf(
		"UPDATE %s SET deleted_at = NULL WHERE id = ?%s AND deleted_at IS NOT NULL",
		r.schema.Table, scopeSQL,
	))

	return r.execExpectingRow(ctx, query, args)
}

// Count reports how many records match the condition within the current
// tenant.
func (r *Repository[T]) Count(ctx context.Context, condition string, args ...interface{}) (int64, error) {
	scopeSQL, scopeArgs, err := r.scope(ctx)
	if err != nil {
		return 0, err
	}

	if condition == "" {
		condition = "1=1"
	}
	query := numberPlaceholders(fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s%s%s",
		r.schema.Table, condition, scopeSQL, r.deletedFilter(),
	))
	queryArgs := append(append([]interface{}{}, args...), scopeArgs...)

	var count int64
	if err := r.db.QueryRowContext(ctx, query, queryArgs...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.schema.Table, err)
	}
	return count, nil
}

// buildSelect assembles a scoped SELECT with the schema's column list
func (r *Repository[T]) buildSelect(ctx context.Context, condition string, args []interface{}, limit int) (string, []interface{}, error) {
	scopeSQL, scopeArgs, err := r.scope(ctx)
	if err != nil {
		return "", nil, err
	}

	if condition == "" {
		condition = "1=1"
	}

	columns := "id, tenant_id, " + strings.Join(r.schema.Columns, ", ")
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s%s%s",
		columns, r.schema.Table, condition, scopeSQL, r.deletedFilter(),
	)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	queryArgs := append(append([]interface{}{}, args...), scopeArgs...)
	return numberPlaceholders(query), queryArgs, nil
}

// deletedFilter returns the soft-delete predicate for reads
func (r *Repository[T]) deletedFilter() string {
	if r.schema.SoftDelete && !r.includeDeleted {
		return " AND deleted_at IS NULL"
	}
	return ""
}

// execExpectingRow runs a write that must match exactly the target row.
// Zero rows means the record does not exist in this tenant's scope.
func (r *Repository[T]) execExpectingRow(ctx context.Context, query string, args []interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", r.schema.Table, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "%s not found", r.schema.Table)
	}
	return nil
}

// numberPlaceholders rewrites ? placeholders into the $n form, numbering
// them left to right.
func numberPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
