package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/shopfront/internal/app/metrics"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// Outcome describes how Guard.Do resolved a request.
type Outcome string

const (
	Executed   Outcome = "executed"
	Replayed   Outcome = "replayed"
	InProgress Outcome = "in_progress"
	Degraded   Outcome = "degraded"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultPendingTTL = 30 * time.Second
)

// Fingerprint identifies a mutation by user, operation and canonical
// payload. A client supplied key further scopes it.
func Fingerprint(userID, operation, clientKey string, payload []byte) string {
	payloadSum := sha256.Sum256(canonicalJSON(payload))
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(operation))
	h.Write([]byte{'|'})
	h.Write([]byte(hex.EncodeToString(payloadSum[:])))
	if clientKey != "" {
		h.Write([]byte{'|'})
		h.Write([]byte(clientKey))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes a JSON document with sorted keys so that
// semantically equal payloads hash alike. Invalid JSON is used verbatim.
func canonicalJSON(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Guard coordinates idempotent execution.
type Guard struct {
	store      Store
	log        *logging.Logger
	ttl        time.Duration
	pendingTTL time.Duration
	group      singleflight.Group
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTTL sets how long completed results are replayed.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithPendingTTL bounds how long an unfinished request blocks duplicates.
func WithPendingTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.pendingTTL = ttl
		}
	}
}

// NewGuard creates a guard over store. A nil store disables deduplication.
func NewGuard(store Store, log *logging.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = logging.NewDefault("idempotency")
	}
	g := &Guard{store: store, log: log, ttl: DefaultTTL, pendingTTL: DefaultPendingTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type flightResult struct {
	record  Record
	outcome Outcome
}

// Do runs fn at most once per key within the TTL. Only 2xx records are
// cached; anything else releases the marker so the client can retry. A key
// whose first request is still running yields a REQUEST_IN_PROGRESS error.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (Record, error)) (Record, Outcome, error) {
	if g.store == nil || key == "" {
		rec, err := fn(ctx)
		return rec, Executed, err
	}

	leader := false
	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		leader = true
		return g.execute(ctx, key, fn)
	})
	if err != nil {
		return Record{}, Executed, err
	}
	res := v.(flightResult)

	outcome := res.outcome
	if !leader && outcome == Executed && res.record.Status >= 200 && res.record.Status < 300 {
		// Coalesced onto a concurrent identical request.
		outcome = Replayed
	}
	metrics.RecordIdempotency(string(outcome))
	if outcome == InProgress {
		return Record{}, outcome, svcerrors.InProgress()
	}
	return res.record, outcome, nil
}

func (g *Guard) execute(ctx context.Context, key string, fn func(ctx context.Context) (Record, error)) (flightResult, error) {
	entry := g.log.WithContext(ctx).WithField("idempotency_key", shortKey(key))

	token, existing, reserved, err := g.store.Reserve(ctx, key, g.pendingTTL)
	if err != nil {
		entry.WithError(err).Warn("idempotency store unavailable, processing without deduplication")
		rec, err := fn(ctx)
		return flightResult{record: rec, outcome: Degraded}, err
	}
	if !reserved {
		if existing.Pending {
			return flightResult{outcome: InProgress}, nil
		}
		entry.Debug("replaying cached response")
		return flightResult{record: existing.Record, outcome: Replayed}, nil
	}

	rec, err := fn(ctx)
	if err != nil || rec.Status < 200 || rec.Status >= 300 {
		// Release with a fresh context: the request context may be done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := g.store.Release(releaseCtx, key, token); rerr != nil {
			entry.WithError(rerr).Warn("failed to release idempotency marker")
		}
		return flightResult{record: rec, outcome: Executed}, err
	}

	rec.CompletedAt = time.Now().UTC()
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if cerr := g.store.Complete(completeCtx, key, rec, g.ttl); cerr != nil {
		entry.WithFields(logrus.Fields{"status": rec.Status}).WithError(cerr).
			Warn("failed to cache idempotent response")
	}
	return flightResult{record: rec, outcome: Executed}, nil
}

// Sequence returns the key for a request without a client key. A request
// whose fingerprint base matches scope's latest successful mutation reuses
// that key and so replays it. Any other request is chained onto the latest
// key, so repeating an older request after a different mutation runs again.
func (g *Guard) Sequence(ctx context.Context, scope, base string) string {
	seq, ok := g.store.(Sequencer)
	if !ok || scope == "" {
		return base
	}
	latest, err := seq.Latest(ctx, scope)
	if err != nil {
		g.log.WithContext(ctx).WithError(err).Warn("idempotency sequence unavailable")
		return base
	}
	if latest.Key == "" {
		return base
	}
	if latest.Base == base {
		return latest.Key
	}
	sum := sha256.Sum256([]byte(base + "|" + latest.Key))
	return hex.EncodeToString(sum[:])
}

// Advance records a successful mutation as scope's latest. An empty key
// marks a mutation that was not deduplicated; it still breaks the chain.
func (g *Guard) Advance(ctx context.Context, scope, base, key string) {
	seq, ok := g.store.(Sequencer)
	if !ok || scope == "" {
		return
	}
	if key == "" {
		base, key = "", uuid.NewString()
	}
	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := seq.SetLatest(setCtx, scope, Mark{Base: base, Key: key}, g.ttl); err != nil {
		g.log.WithContext(ctx).WithError(err).Warn("failed to record latest mutation")
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
