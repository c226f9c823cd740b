package tenancy

import (
	"time"

	"gorm.io/gorm"
)

// Entity holds the audit columns shared by tenant tables. Models declare their
// own TenantID field so each table can put it first in its composite indexes;
// the plugin scopes every model that has one.
type Entity struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"precision:6" json:"created_at"`
	UpdatedAt time.Time      `gorm:"precision:6" json:"updated_at"`
	CreatedBy string         `gorm:"type:varchar(128)" json:"-"`
	UpdatedBy string         `gorm:"type:varchar(128)" json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
