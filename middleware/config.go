package middleware

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/vortex-fintech/idempotency-go/keyhash"
)

const (
	defaultRecordTTL          = 1 * time.Hour
	defaultInProgressLease    = 10 * time.Second
	defaultLocalCacheMaxItems = 256
	defaultMaxSaveRetries     = 2
)

// Config configures one Handler. It is the idempotency-specific analogue of
// this module's lineage's Config.validate() pattern: a plain struct with a
// private validate method and static sentinel errors, loaded by the caller
// from whatever config source they already use (env, flags, a config
// service) and passed in as values.
type Config struct {
	// FunctionName identifies the wrapped function in persisted keys, so
	// the same table can back several distinct functions without key
	// collisions. Required.
	FunctionName string

	// EventKeySelector is a JMESPath expression evaluated against the
	// incoming event to produce the idempotency key's payload; e.g.
	// "headers.\"X-Idempotency-Key\"" or "body.order_id". Required.
	EventKeySelector string

	// PayloadValidationSelector, if set, is a JMESPath expression
	// evaluated against the event whose result is hashed and compared on
	// every invocation sharing a key, to detect two logically different
	// requests colliding on the same key.
	PayloadValidationSelector string

	// KeyPrefix namespaces keys in the persistence store, useful when one
	// table backs several unrelated idempotent functions.
	KeyPrefix string

	// HashFunction selects the digest algorithm used to derive keys and
	// payload validation hashes. Defaults to keyhash.AlgoSHA256Truncated128.
	HashFunction keyhash.Algorithm

	// RecordTTL is how long a COMPLETED record remains valid after
	// completion, i.e. the window in which a repeat invocation gets the
	// cached response instead of re-running.
	RecordTTL time.Duration

	// InProgressLeaseDuration bounds how long a record may stay INPROGRESS
	// before another invocation is allowed to steal the lease and retry,
	// recovering from a crashed or stalled invocation.
	InProgressLeaseDuration time.Duration

	// UseLocalCache enables the bounded in-process LRU fast path in front
	// of the persistence store.
	UseLocalCache bool

	// LocalCacheMaxItems bounds the local cache, defaulting to 256.
	LocalCacheMaxItems int

	// MaxSaveRetries bounds how many times the handler will retry after
	// losing a conditional write race against another invocation racing
	// on the same key, before giving up with ErrRetriesExhausted.
	MaxSaveRetries int

	// RaiseOnNoIdempotencyKey controls what happens when EventKeySelector
	// evaluates to Missing on an event: true raises
	// idemerr.ErrKeyExtractionFailed, false runs the handler unprotected.
	RaiseOnNoIdempotencyKey bool

	// Disabled, when true, makes Wrap a passthrough: the handler runs
	// unprotected on every invocation. Config.FromEnv sets this from
	// IDEMPOTENCY_DISABLED so the whole middleware can be killed without
	// a redeploy.
	Disabled bool
}

var (
	errFunctionNameRequired     = errors.New("middleware: function name is required")
	errEventKeySelectorRequired = errors.New("middleware: event key selector is required")
	errNegativeRecordTTL        = errors.New("middleware: record ttl must be > 0")
	errNegativeLeaseDuration    = errors.New("middleware: in-progress lease duration must be > 0")
	errNegativeMaxSaveRetries   = errors.New("middleware: max save retries must be >= 0")
)

// WithDefaults returns a copy of c with zero-valued optional fields filled
// in with their defaults.
func (c Config) WithDefaults() Config {
	if c.RecordTTL <= 0 {
		c.RecordTTL = defaultRecordTTL
	}
	if c.InProgressLeaseDuration <= 0 {
		c.InProgressLeaseDuration = defaultInProgressLease
	}
	if c.LocalCacheMaxItems <= 0 {
		c.LocalCacheMaxItems = defaultLocalCacheMaxItems
	}
	if c.MaxSaveRetries <= 0 {
		c.MaxSaveRetries = defaultMaxSaveRetries
	}
	if !c.HashFunction.Valid() {
		c.HashFunction = keyhash.AlgoSHA256Truncated128
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.FunctionName) == "" {
		return errFunctionNameRequired
	}
	if strings.TrimSpace(c.EventKeySelector) == "" {
		return errEventKeySelectorRequired
	}
	if c.RecordTTL <= 0 {
		return errNegativeRecordTTL
	}
	if c.InProgressLeaseDuration <= 0 {
		return errNegativeLeaseDuration
	}
	if c.MaxSaveRetries < 0 {
		return errNegativeMaxSaveRetries
	}
	return nil
}

// DisabledFromEnv reports whether IDEMPOTENCY_DISABLED is set to a truthy
// value ("1", "true", "yes", case-insensitively), the kill switch an
// operator can flip without a redeploy.
func DisabledFromEnv() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("IDEMPOTENCY_DISABLED")))
	return v == "1" || v == "true" || v == "yes"
}
