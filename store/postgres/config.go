package postgres

import (
	"errors"
	"strings"

	"github.com/vortex-fintech/idempotency-go/store"
)

// Config configures a Store against a single table reachable through a
// Runner.
type Config struct {
	TableName string
	Columns   store.ColumnMapping
}

var errTableNameRequired = errors.New("postgres: table name is required")

func (c Config) validate() error {
	if strings.TrimSpace(c.TableName) == "" {
		return errTableNameRequired
	}
	return nil
}
