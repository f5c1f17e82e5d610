// Package records is the reference tenant-scoped resource. It exists so the
// repository's tenant scoping is exercised by a concrete table end to end,
// from route registration down to SQL.
package records

import (
	"database/sql"
	"time"

	"github.com/platinummonkey/warden/pkg/repository"
)

// Record is one tenant-owned document
type Record struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schema maps Record onto the records table. Deletes are soft so a record
// removed by mistake can be restored by an operator.
func Schema() repository.Schema[Record] {
	return repository.Schema[Record]{
		Table:   "records",
		Columns: []string{"title", "body", "created_at", "updated_at"},
		Scan: func(s repository.Scanner) (*Record, error) {
			r := &Record{}
			if err := s.Scan(&r.ID, &r.TenantID, &r.Title, &r.Body, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return nil, err
			}
			return r, nil
		},
		Values: func(r *Record) []interface{} {
			return []interface{}{r.Title, r.Body, r.CreatedAt, r.UpdatedAt}
		},
		SetID:      func(r *Record, id int64) { r.ID = id },
		SoftDelete: true,
	}
}

// NewRepository creates the tenant-scoped repository for records
func NewRepository(db *sql.DB) *repository.Repository[Record] {
	return repository.New(db, Schema())
}
