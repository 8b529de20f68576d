package db

import "time"

type Config struct {
	Type            string
	DSN             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	TenantGuard     bool
}

func (c Config) IsPostgres() bool {
	return c.Type == "" || c.Type == "postgres"
}
