package connections

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

func TestDriverAndDSN(t *testing.T) {
	tests := []struct {
		name       string
		connType   string
		settings   Settings
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{
			name:       "postgres defaults",
			connType:   "postgres",
			settings:   Settings{Host: "db", User: "qa", Password: "secret", Database: "shop"},
			wantDriver: "postgres",
			wantDSN:    "host=db port=5432 user=qa password=secret dbname=shop sslmode=disable",
		},
		{
			name:       "postgres quoted password",
			connType:   "postgresql",
			settings:   Settings{Host: "db", Port: 6543, User: "qa", Password: "it's secret", Database: "shop", SSLMode: "true"},
			wantDriver: "postgres",
			wantDSN:    `host=db port=6543 user=qa password='it\'s secret' dbname=shop sslmode=require`,
		},
		{
			name:       "mysql",
			connType:   "mysql",
			settings:   Settings{Host: "db", User: "qa", Password: "pw", Database: "shop"},
			wantDriver: "mysql",
			wantDSN:    "qa:pw@tcp(db:3306)/shop?parseTime=true",
		},
		{
			name:       "sqlserver",
			connType:   "mssql",
			settings:   Settings{Host: "db", User: "sa", Password: "p@ss", Database: "shop", SSLMode: "disable"},
			wantDriver: "sqlserver",
			wantDSN:    "sqlserver://sa:p%40ss@db:1433?database=shop&encrypt=disable",
		},
		{
			name:       "raw dsn wins",
			connType:   "postgres",
			settings:   Settings{DSN: "postgres://qa@db/shop"},
			wantDriver: "postgres",
			wantDSN:    "postgres://qa@db/shop",
		},
		{
			name:     "unsupported",
			connType: "rest",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := driverAndDSN(tt.connType, tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestParseSettings(t *testing.T) {
	s := ParseSettings(map[string]any{
		"host":     "db.internal",
		"port":     float64(5433),
		"username": "qa",
		"password": "pw",
		"database": "shop",
		"ssl":      true,
	})
	assert.Equal(t, Settings{Host: "db.internal", Port: 5433, User: "qa", Password: "pw", Database: "shop", SSLMode: "true"}, s)
}

func TestParseFileSource(t *testing.T) {
	src, err := ParseFileSource([]byte(`
connections:
  - id: 10
    name: warehouse
    type: postgres
    config:
      host: warehouse.internal
      port: 5432
      user: qa
  - id: 11
    name: events
    type: timeplus
    config:
      host: timeplus.internal
`))
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	c, err := src.GetConnection(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "warehouse", c.Name)
	assert.Equal(t, 5432, ParseSettings(c.Config).Port)

	_, err = src.GetConnection(context.Background(), 12)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = ParseFileSource([]byte("connections:\n  - name: nameless\n"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = ParseFileSource([]byte("connections:\n  - {id: 1, type: mysql}\n  - {id: 1, type: mysql}\n"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
