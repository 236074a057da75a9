package domain

import "time"

// AuditRecord is embedded by every tenant-scoped entity. The tenant
// persistence hook fills TenantID on insert and rejects any attempt to
// change it afterwards; Version backs optimistic locking.
type AuditRecord struct {
	TenantID  string     `json:"tenant_id" gorm:"column:tenant_id;size:50;not null;index"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedBy string     `json:"created_by,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	Deleted   bool       `json:"deleted" gorm:"default:false"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
	Version   int64      `json:"version" gorm:"default:0"`
}
