// Package tenancy scopes every gorm statement on a tenant table to the tenant
// carried by the statement's context.
package tenancy

import (
	"errors"
	"strconv"

	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	fieldTenantID  = "TenantID"
	fieldCreatedBy = "CreatedBy"
	fieldUpdatedBy = "UpdatedBy"
	columnTenantID = "tenant_id"

	systemActor = "system"
)

// ErrUnscopedUpsert is returned for an upsert that could update another
// tenant's row on a dialect without a conditional DO UPDATE.
var ErrUnscopedUpsert = errors.New("tenancy: upsert cannot be scoped to the tenant")

// Plugin is a gorm.Plugin. Register it once with db.Use(tenancy.Plugin{}).
//
// For any model with a TenantID field it rejects statements whose context has
// no tenant, filters reads, updates and deletes by tenant_id, overwrites
// TenantID on writes, and stamps CreatedBy/UpdatedBy. Statements built from raw
// SQL are not rewritten.
type Plugin struct{}

func (Plugin) Name() string { return "tenancy" }

func (Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("tenancy:create", beforeCreate); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("tenancy:query", filter); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenancy:row", filter); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenancy:update", beforeUpdate); err != nil {
		return err
	}
	return cb.Delete().Before("gorm:delete").Register("tenancy:delete", filter)
}

// scope returns the caller identity when the statement targets a tenant table.
// ok is false when the statement is not tenant scoped or already failed.
func scope(db *gorm.DB) (id tenant.Identity, ok bool) {
	stmt := db.Statement
	if db.Error != nil || stmt.Schema == nil || stmt.Schema.LookUpField(fieldTenantID) == nil {
		return tenant.Identity{}, false
	}
	id, err := tenant.Require(stmt.Context)
	if err != nil {
		_ = db.AddError(err)
		return tenant.Identity{}, false
	}
	return id, true
}

func filter(db *gorm.DB) {
	id, ok := scope(db)
	if !ok {
		return
	}
	addTenantWhere(db.Statement, id.TenantID)
}

func beforeCreate(db *gorm.DB) {
	id, ok := scope(db)
	if !ok {
		return
	}
	stmt := db.Statement
	stmt.SetColumn(fieldTenantID, id.TenantID, true)
	if stmt.Schema.LookUpField(fieldCreatedBy) != nil {
		stmt.SetColumn(fieldCreatedBy, actor(id), true)
	}
	if stmt.Schema.LookUpField(fieldUpdatedBy) != nil {
		stmt.SetColumn(fieldUpdatedBy, actor(id), true)
	}
	scopeUpsert(db, id.TenantID)
}

// scopeUpsert limits the DO UPDATE branch of an ON CONFLICT clause to rows of
// the tenant. gorm's Save falls back to such an upsert when the scoped update
// matched nothing, and the conflicting row may belong to someone else.
func scopeUpsert(db *gorm.DB, tenantID uint64) {
	stmt := db.Statement
	c, ok := stmt.Clauses["ON CONFLICT"]
	if !ok {
		return
	}
	onConflict, ok := c.Expression.(clause.OnConflict)
	if !ok || onConflict.DoNothing {
		return
	}
	// ON DUPLICATE KEY UPDATE takes no WHERE
	if db.Dialector.Name() == "mysql" {
		_ = db.AddError(ErrUnscopedUpsert)
		return
	}

	// gorm rebuilds an UpdateAll clause from scratch, dropping any WHERE, so
	// spell the assignments out here.
	if onConflict.UpdateAll {
		onConflict.UpdateAll = false
		onConflict.DoUpdates = clause.AssignmentColumns(upsertColumns(stmt.Schema))
		if len(onConflict.Columns) == 0 {
			for _, f := range stmt.Schema.PrimaryFields {
				onConflict.Columns = append(onConflict.Columns, clause.Column{Name: f.DBName})
			}
		}
		if len(onConflict.DoUpdates) == 0 {
			onConflict.DoNothing = true
		}
	}
	onConflict.Where.Exprs = append(onConflict.Where.Exprs, tenantEq(tenantID))
	stmt.AddClause(onConflict)
}

// upsertColumns lists the columns an UpdateAll upsert overwrites: everything
// written on insert except keys, creation stamps and database defaults.
func upsertColumns(s *schema.Schema) []string {
	cols := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		switch {
		case f.DBName == "" || !f.Creatable || f.PrimaryKey:
		case f.AutoCreateTime != 0 || f.Name == fieldCreatedBy:
		case f.HasDefaultValue && f.DefaultValueInterface == nil:
		default:
			cols = append(cols, f.DBName)
		}
	}
	return cols
}

func beforeUpdate(db *gorm.DB) {
	id, ok := scope(db)
	if !ok {
		return
	}
	stmt := db.Statement
	addTenantWhere(stmt, id.TenantID)
	if _, isRaw := stmt.Clauses["SET"]; isRaw {
		return
	}
	stmt.SetColumn(fieldTenantID, id.TenantID, true)
	if stmt.Schema.LookUpField(fieldUpdatedBy) != nil {
		stmt.SetColumn(fieldUpdatedBy, actor(id), true)
	}
}

func addTenantWhere(stmt *gorm.Statement, tenantID uint64) {
	stmt.AddClause(clause.Where{Exprs: []clause.Expression{tenantEq(tenantID)}})
}

func tenantEq(tenantID uint64) clause.Expression {
	return clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: columnTenantID}, Value: tenantID}
}

func actor(id tenant.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	if id.UserID != 0 {
		return strconv.FormatUint(id.UserID, 10)
	}
	return systemActor
}
