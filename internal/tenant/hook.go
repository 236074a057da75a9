package tenant

import (
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/voltgrid/csms/internal/domain"
)

// RegisterCallbacks installs the tenant enforcement hook on a GORM
// connection. On insert a missing tenant_id is filled from the bound
// context and a disagreeing one is rejected; on update any change of
// tenant_id is rejected and the optimistic-lock version is bumped.
func RegisterCallbacks(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("tenant:enforce_create", enforceCreate); err != nil {
		return err
	}
	return db.Callback().Update().Before("gorm:update").Register("tenant:enforce_update", enforceUpdate)
}

func tenantField(s *schema.Schema) *schema.Field {
	if s == nil {
		return nil
	}
	if f := s.LookUpField("TenantID"); f != nil {
		return f
	}
	return s.LookUpField("tenant_id")
}

func enforceCreate(db *gorm.DB) {
	field := tenantField(db.Statement.Schema)
	if field == nil {
		return // not a tenant-scoped entity
	}
	bound, ok := ID(db.Statement.Context)
	if !ok {
		return // system context: entity must carry its own tenant
	}

	applyToValues(db, func(rv reflect.Value) {
		current, zero := field.ValueOf(db.Statement.Context, rv)
		if zero || current == "" {
			_ = field.Set(db.Statement.Context, rv, bound)
			return
		}
		if s, ok := current.(string); ok && s != bound {
			_ = db.AddError(domain.ErrTenantMismatch)
		}
	})
}

func enforceUpdate(db *gorm.DB) {
	field := tenantField(db.Statement.Schema)
	if field == nil {
		return
	}
	bound, hasBound := ID(db.Statement.Context)

	applyToValues(db, func(rv reflect.Value) {
		current, zero := field.ValueOf(db.Statement.Context, rv)
		if zero {
			if hasBound {
				_ = field.Set(db.Statement.Context, rv, bound)
			}
			return
		}
		if s, ok := current.(string); ok && hasBound && s != bound {
			_ = db.AddError(domain.ErrTenantImmutable)
			return
		}
		bumpVersion(db, rv)
	})
}

func bumpVersion(db *gorm.DB, rv reflect.Value) {
	vf := db.Statement.Schema.LookUpField("Version")
	if vf == nil {
		return
	}
	current, _ := vf.ValueOf(db.Statement.Context, rv)
	if v, ok := current.(int64); ok {
		_ = vf.Set(db.Statement.Context, rv, v+1)
	}
}

// applyToValues runs fn over the statement destination, handling both
// single entities and batch slices.
func applyToValues(db *gorm.DB, fn func(reflect.Value)) {
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			fn(rv.Index(i))
		}
	case reflect.Struct:
		fn(rv)
	}
}
