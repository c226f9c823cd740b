package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
)

type row struct {
	ID       uint64 `gorm:"primaryKey"`
	TenantID uint64
}

func TestDialector(t *testing.T) {
	assert.IsType(t, &postgres.Dialector{}, dialector("postgres://u:p@localhost:5432/chat"))
	assert.IsType(t, &postgres.Dialector{}, dialector("postgresql://u:p@localhost/chat"))
	assert.IsType(t, &mysql.Dialector{}, dialector("app:apppass@tcp(127.0.0.1:3306)/tenant_chat"))
	assert.Equal(t, "sqlite", dialector("sqlite://file::memory:").Name())
}

func TestOpen_RegistersTenancy(t *testing.T) {
	gdb, err := Open("sqlite://file:dbtest?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&row{}))

	err = gdb.WithContext(context.Background()).Create(&row{}).Error
	assert.ErrorIs(t, err, tenant.ErrUnscoped)

	r := &row{}
	require.NoError(t, gdb.WithContext(tenant.WithTenant(context.Background(), 5)).Create(r).Error)
	assert.Equal(t, uint64(5), r.TenantID)
}
