package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
attestation:
  secret: super-secret
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
global:
  log_level: debug
server:
  listen: ":9090"
  cors_origins:
    - https://qa.example.com
  rate_limit:
    enabled: true
auth:
  users:
    - username: admin
      password: hunter2
      role: admin
    - username: alice
      password: wonderland
      role: tester
attestation:
  secret: super-secret
database:
  driver: postgres
  postgres:
    host: localhost
    port: 5432
    user: testtrack
    password: testtrack
    database: testtrack
audit:
  enabled: true
  interval: 30s
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, []string{"https://qa.example.com"}, cfg.Server.CORSOrigins)
	// Rate limit enabled without an explicit rate picks up the default.
	assert.Equal(t, 120, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Len(t, cfg.Auth.Users, 2)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Audit.Concurrency)

	interval, err := cfg.AuditInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, interval)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name: "unsupported driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "missing attestation secret",
			mutate: func(cfg *Config) {
				cfg.Attestation.Secret = ""
			},
			wantErr: "attestation.secret is required",
		},
		{
			name: "user without password",
			mutate: func(cfg *Config) {
				cfg.Auth.Users = []AuthUser{{Username: "bob", Role: "tester"}}
			},
			wantErr: "password is required",
		},
		{
			name: "duplicate username",
			mutate: func(cfg *Config) {
				cfg.Auth.Users = []AuthUser{
					{Username: "bob", Password: "x", Role: "tester"},
					{Username: "bob", Password: "y", Role: "viewer"},
				}
			},
			wantErr: "duplicate username",
		},
		{
			name: "unknown role",
			mutate: func(cfg *Config) {
				cfg.Auth.Users = []AuthUser{
					{Username: "bob", Password: "x", Role: "superuser"},
				}
			},
			wantErr: "unknown role",
		},
		{
			name: "bad audit interval",
			mutate: func(cfg *Config) {
				cfg.Audit.Interval = "soon"
			},
			wantErr: "parsing audit interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, `
attestation:
  secret: super-secret
`))
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
