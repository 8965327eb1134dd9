package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestImportConfig_CheckWorkers_BoundedByGOMAXPROCS(t *testing.T) {
	cfg := ImportConfig{MaxCheckWorkers: 64}
	assert.LessOrEqual(t, cfg.CheckWorkers(), runtime.GOMAXPROCS(0))
}

func TestImportConfig_CheckWorkers_DefaultsWhenUnset(t *testing.T) {
	cfg := ImportConfig{}
	got := cfg.CheckWorkers()
	assert.Greater(t, got, 0)
	assert.LessOrEqual(t, got, 4)
}

func TestImportConfig_ChunkTimeout(t *testing.T) {
	cfg := ImportConfig{ChunkTimeoutSeconds: 15}
	assert.Equal(t, 15*time.Second, cfg.ChunkTimeout())

	cfg = ImportConfig{}
	assert.Equal(t, 2*time.Minute, cfg.ChunkTimeout())
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Import: ImportConfig{ChunkSize: 0}}
	assert.Error(t, cfg.validate())

	cfg = &Config{Import: ImportConfig{ChunkSize: 10000}}
	assert.NoError(t, cfg.validate())
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", cfg.ConnectionString())
}
