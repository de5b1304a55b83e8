package dynamodb

import (
	"errors"
	"strings"

	"github.com/vortex-fintech/idempotency-go/store"
)

// Config configures a Store against a single DynamoDB table.
type Config struct {
	TableName string
	Columns   store.ColumnMapping

	// ConsistentRead requests a strongly consistent Get. The protocol's
	// first-writer-wins guarantee comes from the conditional Put, not from
	// read consistency, so this defaults to false (eventually consistent,
	// cheaper) unless a caller has a reason to set it.
	ConsistentRead bool
}

var (
	errTableNameRequired = errors.New("dynamodb: table name is required")
)

func (c Config) validate() error {
	if strings.TrimSpace(c.TableName) == "" {
		return errTableNameRequired
	}
	return nil
}
