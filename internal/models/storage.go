package models

import "time"

// DatabaseType selects the storage driver for usage persistence.
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgresql"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
	ClickHouse DatabaseType = "clickhouse"
)

// DatabaseConfig holds connection settings for the usage store.
type DatabaseConfig struct {
	Type     DatabaseType `yaml:"type" json:"type"`
	DSN      string       `yaml:"dsn,omitempty" json:"dsn,omitzero"`
	Host     string       `yaml:"host,omitempty" json:"host,omitzero"`
	Port     int          `yaml:"port,omitempty" json:"port,omitzero"`
	Username string       `yaml:"username,omitempty" json:"username,omitzero"`
	Password string       `yaml:"password,omitempty" json:"password,omitzero"`
	Database string       `yaml:"database" json:"database"`
	SSLMode  string       `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitzero"`
	FilePath string       `yaml:"file_path,omitempty" json:"file_path,omitzero"`

	MaxOpenConns    int `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitzero"`
	MaxIdleConns    int `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitzero"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitzero"`
}

// UsageRecord is the persisted form of one routing attempt.
type UsageRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RequestID    string    `gorm:"not null;size:100;index;default:''" json:"request_id"`
	Provider     string    `gorm:"not null;size:50;index;default:''" json:"provider"`
	Model        string    `gorm:"not null;size:100;default:''" json:"model"`
	Capability   string    `gorm:"not null;size:20;default:''" json:"capability"`
	Outcome      string    `gorm:"not null;size:30;index;default:''" json:"outcome"`
	ErrorKind    string    `gorm:"not null;size:40;default:''" json:"error_kind,omitzero"`
	TokensInput  int       `gorm:"not null;default:0" json:"tokens_input"`
	TokensOutput int       `gorm:"not null;default:0" json:"tokens_output"`
	LatencyMs    int       `gorm:"not null;default:0" json:"latency_ms"`
	Caller       string    `gorm:"not null;size:100;default:''" json:"caller,omitzero"`
	AttemptedAt  time.Time `gorm:"not null;index" json:"attempted_at"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

// TableName names the usage table.
func (UsageRecord) TableName() string {
	return "routing_usage"
}
