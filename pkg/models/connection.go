package models

// Connection types understood by the resolver
const (
	ConnectionPostgres  = "postgres"
	ConnectionMySQL     = "mysql"
	ConnectionSQLServer = "sqlserver"
	ConnectionTimeplus  = "timeplus"
)

// Connection is a configured data source owned by a user
type Connection struct {
	ID      int64          `json:"id" yaml:"id"`
	UserID  int64          `json:"userId" yaml:"userId"`
	SpaceID *int64         `json:"spaceId,omitempty" yaml:"spaceId,omitempty"`
	Name    string         `json:"name" yaml:"name"`
	Type    string         `json:"type" yaml:"type"`
	Config  map[string]any `json:"config" yaml:"config"`
}
