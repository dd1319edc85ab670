package connections

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/timeplus"
)

// Settings is the normalized form of a connection's config document
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	DSN      string
}

// ParseSettings reads the keys the dashboard writes into connections.config
func ParseSettings(cfg map[string]any) Settings {
	s := Settings{
		Host:     getString(cfg, "host"),
		Port:     getInt(cfg, "port"),
		User:     getString(cfg, "user", "username"),
		Password: getString(cfg, "password"),
		Database: getString(cfg, "database", "dbname"),
		SSLMode:  strings.ToLower(getString(cfg, "sslMode", "sslmode", "ssl")),
		DSN:      getString(cfg, "connectionString", "url", "dsn"),
	}
	return s
}

func getString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func getInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// driverAndDSN maps a connection type to a database/sql driver and DSN
func driverAndDSN(connType string, s Settings) (string, string, error) {
	switch strings.ToLower(connType) {
	case "postgres", "postgresql":
		if s.DSN != "" {
			return "postgres", s.DSN, nil
		}
		if s.Port == 0 {
			s.Port = 5432
		}
		sslMode := s.SSLMode
		switch sslMode {
		case "", "false":
			sslMode = "disable"
		case "true":
			sslMode = "require"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, quoteLibpq(s.User), quoteLibpq(s.Password), quoteLibpq(s.Database), sslMode)
		return "postgres", dsn, nil
	case "mysql", "mariadb":
		if s.DSN != "" {
			return "mysql", s.DSN, nil
		}
		if s.Port == 0 {
			s.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", s.User, s.Password, s.Host, s.Port, s.Database)
		switch s.SSLMode {
		case "", "disable", "false":
		default:
			dsn += "&tls=true"
		}
		return "mysql", dsn, nil
	case "mssql", "sqlserver":
		if s.DSN != "" {
			return "sqlserver", s.DSN, nil
		}
		if s.Port == 0 {
			s.Port = 1433
		}
		encrypt := "true"
		if s.SSLMode == "disable" || s.SSLMode == "false" {
			encrypt = "disable"
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(s.User, s.Password),
			Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
			RawQuery: url.Values{"database": {s.Database}, "encrypt": {encrypt}}.Encode(),
		}
		return "sqlserver", u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported connection type %q", connType)
	}
}

func quoteLibpq(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Opener opens handles for every supported connection type
type Opener struct {
	Timeplus  config.TimeplusConfig
	ScanLimit int
}

// Open implements OpenFunc
func (o *Opener) Open(ctx context.Context, conn *models.Connection) (QueryHandle, error) {
	s := ParseSettings(conn.Config)

	if strings.EqualFold(conn.Type, models.ConnectionTimeplus) || strings.EqualFold(conn.Type, "proton") {
		cfg := o.Timeplus
		if s.Host != "" {
			cfg.Address = s.Host
			if s.Port != 0 {
				cfg.Address = fmt.Sprintf("%s:%d", s.Host, s.Port)
			}
		}
		if s.User != "" {
			cfg.Username, cfg.Password = s.User, s.Password
		}
		if s.Database != "" {
			cfg.Workspace = s.Database
		}
		return timeplus.NewClient(ctx, &cfg)
	}

	driverName, dsn, err := driverAndDSN(conn.Type, s)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", driverName, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Minute)

	h := NewSQLHandle(db, o.ScanLimit)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	return h, nil
}
