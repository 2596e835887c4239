package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/requestlog/internal/export"
)

func TestLatest(t *testing.T) {
	version, err := Latest()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrations_Paired(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "sql")
	require.NoError(t, err)

	ups := make(map[string]bool)
	downs := make(map[string]bool)

	for _, e := range entries {
		name := e.Name()

		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", name)
		}
	}

	assert.Equal(t, ups, downs)
}

func TestMigrations_CoverSinkColumns(t *testing.T) {
	data, err := fs.ReadFile(migrations, "sql/000001_create_request_log.up.sql")
	require.NoError(t, err)

	for _, col := range []string{
		"bucket_start", "start_time", "end_time", "duration_ms", "pid", "dyno", "fault",
		"error_class", "error_message", "user_ms", "sys_ms", "max_rss", "loadavg", "attributes",
	} {
		assert.Contains(t, string(data), col+" ")
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  export.ClickHouseConfig
		want string
	}{
		{
			name: "defaults",
			cfg:  export.ClickHouseConfig{Endpoint: "localhost:9000"},
			want: "clickhouse://localhost:9000?database=default",
		},
		{
			name: "credentials",
			cfg: export.ClickHouseConfig{
				Endpoint: "clickhouse://ch:9000",
				Database: "logs",
				Username: "writer",
				Password: "s3cret",
			},
			want: "clickhouse://ch:9000?database=logs&password=s3cret&username=writer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}
