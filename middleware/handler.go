// Package middleware wraps a short-lived function invocation with the
// idempotency state machine: evaluate a key from the event, reserve it in
// the persistence store with a conditional write, run the wrapped function
// at most once per key per TTL window, and replay the stored response for
// every repeat invocation that arrives while the record is still valid.
//
// The shape mirrors this module's lineage's interceptor pattern (wrap a
// handler, return a handler of the same signature) generalized from gRPC
// unary calls to any (event) -> (response, error) function.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vortex-fintech/idempotency-go/cache"
	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/keyhash"
	"github.com/vortex-fintech/idempotency-go/logging"
	"github.com/vortex-fintech/idempotency-go/retry"
	"github.com/vortex-fintech/idempotency-go/selector"
	"github.com/vortex-fintech/idempotency-go/store"
)

// HandlerFunc is the wrapped unit of work: an event in, a JSON-marshalable
// response or an error out.
type HandlerFunc func(ctx context.Context, event any) (any, error)

// Handler owns one idempotency protocol instance: a selector pair, a
// persistence store, an optional local cache, and a logger.
type Handler struct {
	cfg   Config
	store store.Store
	cache *cache.Cache
	log   logging.Logger

	keySelector     *selector.Evaluator
	payloadSelector *selector.Evaluator
}

// Option customizes a Handler beyond Config.
type Option func(*Handler)

// WithLogger attaches a structured logger, used for best-effort failure
// reporting (e.g. a failed cleanup delete after the wrapped function
// errors). Defaults to logging.Nop.
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCache attaches a pre-built local cache instead of letting New
// construct one from Config.LocalCacheMaxItems.
func WithCache(c *cache.Cache) Option {
	return func(h *Handler) { h.cache = c }
}

// New builds a Handler from cfg and a persistence store.
func New(cfg Config, st store.Store, opts ...Option) (*Handler, error) {
	if st == nil {
		return nil, idemerr.ErrNilStore
	}
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, idemerr.ConfigError("config", err.Error())
	}

	keySel, err := selector.Compile(cfg.EventKeySelector)
	if err != nil {
		return nil, idemerr.ConfigError("event_key_selector", err.Error())
	}

	var paySel *selector.Evaluator
	if cfg.PayloadValidationSelector != "" {
		paySel, err = selector.Compile(cfg.PayloadValidationSelector)
		if err != nil {
			return nil, idemerr.ConfigError("payload_validation_selector", err.Error())
		}
	}

	h := &Handler{
		cfg:             cfg,
		store:           st,
		log:             logging.Nop,
		keySelector:     keySel,
		payloadSelector: paySel,
	}
	if cfg.UseLocalCache {
		h.cache = cache.New(cfg.LocalCacheMaxItems)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Wrap returns fn guarded by the idempotency protocol: concurrent or
// repeat invocations carrying the same key replay the first call's
// response (or its still-in-flight status) instead of re-running fn.
func (h *Handler) Wrap(fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, event any) (any, error) {
		if h.cfg.Disabled {
			return fn(ctx, event)
		}

		idemKey, payloadHash, err := h.deriveKeys(event)
		if err != nil {
			if errors.Is(err, idemerr.ErrKeyExtractionFailed) && !h.cfg.RaiseOnNoIdempotencyKey {
				return fn(ctx, event)
			}
			return nil, err
		}

		now := time.Now().UTC()

		if h.cache != nil {
			if rec, ok := h.cache.Get(idemKey, now); ok {
				resp, err := h.replay(rec, payloadHash, idemKey)
				if err == nil || !errors.Is(err, errCacheMiss) {
					return resp, err
				}
				h.cache.Evict(idemKey)
			}
		}

		return h.run(ctx, fn, event, idemKey, payloadHash, now)
	}
}

// errCacheMiss signals the cached record can no longer be trusted (e.g. a
// payload hash mismatch against a local cache entry that a concurrent
// writer has since overwritten) and the caller should fall through to the
// store instead of failing outright.
var errCacheMiss = errors.New("middleware: local cache entry stale")

func (h *Handler) deriveKeys(event any) (idemKey string, payloadHash string, err error) {
	raw, err := h.keySelector.Evaluate(event)
	if err != nil {
		return "", "", idemerr.ConfigError("event_key_selector", err.Error())
	}
	if selector.IsMissing(raw) {
		return "", "", idemerr.ErrKeyExtractionFailed
	}

	digest, err := keyhash.Digest(h.cfg.HashFunction, raw)
	if err != nil {
		return "", "", idemerr.Persistence("hash_key", err)
	}
	idemKey = keyhash.Key(h.cfg.FunctionName, h.cfg.KeyPrefix, digest)

	if h.payloadSelector != nil {
		pv, err := h.payloadSelector.Evaluate(event)
		if err != nil {
			return "", "", idemerr.ConfigError("payload_validation_selector", err.Error())
		}
		hashInput := any(pv)
		if selector.IsMissing(pv) {
			// A configured payload selector that finds nothing must still
			// produce a hash: otherwise a later invocation that *does*
			// have a payload at that path would skip validation entirely
			// against a record stored with no hash (or vice versa), since
			// an empty payloadHash is indistinguishable from "no
			// validation configured" once it reaches replay.
			hashInput = missingPayloadToken
		}
		payloadHash, err = keyhash.Digest(h.cfg.HashFunction, hashInput)
		if err != nil {
			return "", "", idemerr.Persistence("hash_payload", err)
		}
	}
	return idemKey, payloadHash, nil
}

// missingPayloadToken stands in for a configured payload selector matching
// nothing in the event, so that case still hashes to a concrete,
// non-empty value distinct from any realistic selector result.
const missingPayloadToken = "\x00idempotency:missing-payload\x00"

// staleRowRetryDelay separates successive attempts at resolving a
// conflicting row that turned out to be logically expired. It is a short
// constant delay, not a growing backoff: the loop is resolving a
// same-instant race against another process's Put, not waiting out a
// network transient.
const staleRowRetryDelay = 20 * time.Millisecond

func (h *Handler) run(ctx context.Context, fn HandlerFunc, event any, idemKey, payloadHash string, now time.Time) (any, error) {
	rec := store.DataRecord{
		IdempotencyKey: idemKey,
		Status:         store.StatusInProgress,
		PayloadHash:    payloadHash,
	}

	var result any
	var resultErr error

	attemptErr := retry.Bounded(ctx, h.cfg.MaxSaveRetries+1, staleRowRetryDelay, func(attempt int) error {
		writeNow := time.Now().UTC()
		rec.ExpiresAt = writeNow.Add(h.cfg.RecordTTL)
		rec.InProgressLeaseExpiry = writeNow.Add(h.cfg.InProgressLeaseDuration)

		putErr := h.store.Put(ctx, rec, writeNow)
		if putErr == nil {
			result, resultErr = h.execute(ctx, fn, event, rec)
			return nil
		}

		var already *idemerr.ItemAlreadyExistsError
		if !errors.As(putErr, &already) {
			resultErr = putErr
			return retry.Permanent(putErr)
		}
		if already.Existing == nil {
			// The row that won the race was deleted between the
			// conflict and our follow-up Get. Retry: the key is
			// free again.
			return putErr
		}

		existing := already.Existing.(store.DataRecord)
		switch existing.EffectiveStatus(writeNow) {
		case store.StatusCompleted:
			result, resultErr = h.replay(existing, payloadHash, idemKey)
			return nil
		case store.StatusInProgress:
			resultErr = &idemerr.AlreadyInProgressError{
				Key:              idemKey,
				OtherLeaseExpiry: existing.InProgressLeaseExpiry,
			}
			return nil
		default:
			// Expired from this caller's point of view but the
			// conditional write still lost the race; another
			// invocation is claiming it right now. Retry.
			return putErr
		}
	})
	if attemptErr != nil {
		if resultErr != nil {
			// A terminal, non-retryable outcome was already recorded
			// (e.g. a genuine persistence failure) -- surface it as-is
			// rather than masking it behind ErrRetriesExhausted.
			return nil, resultErr
		}
		return nil, fmt.Errorf("%w: %v", idemerr.ErrRetriesExhausted, attemptErr)
	}
	return result, resultErr
}

func (h *Handler) execute(ctx context.Context, fn HandlerFunc, event any, rec store.DataRecord) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.cleanupAfterFailure(ctx, rec.IdempotencyKey)
			panic(r)
		}
	}()

	resp, err = fn(ctx, event)
	if err != nil {
		h.cleanupAfterFailure(ctx, rec.IdempotencyKey)
		return nil, err
	}

	data, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		h.cleanupAfterFailure(ctx, rec.IdempotencyKey)
		return nil, idemerr.Persistence("marshal_response", marshalErr)
	}

	rec.Status = store.StatusCompleted
	rec.ResponseData = data
	rec.InProgressLeaseExpiry = time.Time{}
	if updErr := h.store.Update(ctx, rec); updErr != nil {
		return nil, idemerr.Persistence("complete", updErr)
	}
	if h.cache != nil {
		h.cache.Put(rec.IdempotencyKey, rec)
	}
	return resp, nil
}

// cleanupAfterFailure removes the in-progress record so the key is free
// for the next attempt. Deletion is best-effort: if it fails, the lease
// simply expires on its own at InProgressLeaseExpiry and the next caller
// retries then.
func (h *Handler) cleanupAfterFailure(ctx context.Context, idemKey string) {
	if err := h.store.Delete(ctx, idemKey); err != nil {
		h.log.Warnw("idempotency: failed to delete in-progress record after handler failure",
			"key", idemKey, "error", err)
	}
	if h.cache != nil {
		h.cache.Evict(idemKey)
	}
}

// replay decodes a COMPLETED record's stored response, validating the
// payload hash first when payload validation is configured.
func (h *Handler) replay(rec store.DataRecord, payloadHash, idemKey string) (any, error) {
	if rec.PayloadHash != "" && rec.PayloadHash != payloadHash {
		return nil, fmt.Errorf("%w: key %q", idemerr.ErrPayloadValidationFailed, idemKey)
	}

	var resp any
	if len(rec.ResponseData) > 0 {
		if err := json.Unmarshal(rec.ResponseData, &resp); err != nil {
			return nil, errCacheMiss
		}
	}
	return resp, nil
}
