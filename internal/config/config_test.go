package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("CORS_ORIGINS", "http://a.test,http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, 3*time.Second, cfg.LedgerOpTimeout)
	assert.Equal(t, 30*time.Second, cfg.StatsCacheTTL)
	assert.Equal(t, time.Minute, cfg.IdempotencyPendingTTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestValidate(t *testing.T) {
	base := Config{StorageDriver: StorageMySQL, MySQLDSN: "u:p@tcp(db:3306)/farmigo?parseTime=true", LedgerOpTimeout: time.Second}
	require.NoError(t, base.Validate())

	noParse := base
	noParse.MySQLDSN = "u:p@tcp(db:3306)/farmigo"
	assert.Error(t, noParse.Validate())

	unknown := base
	unknown.StorageDriver = "sqlite"
	assert.Error(t, unknown.Validate())

	noTimeout := base
	noTimeout.LedgerOpTimeout = 0
	assert.Error(t, noTimeout.Validate())
}

func TestNewLogger_Level(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("loud").GetLevel())
}
