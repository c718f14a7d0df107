package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/shopfront/internal/app/idempotency"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
	maxMutationBody      = 64 << 10
)

// responseBuffer captures a handler's response so it can be cached.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) record() idempotency.Record {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return idempotency.Record{
		Status:      status,
		ContentType: b.header.Get("Content-Type"),
		Body:        b.body.Bytes(),
		CompletedAt: time.Now().UTC(),
	}
}

// readBody reads a bounded request body so it can be both fingerprinted and
// decoded.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBody+1))
	if err != nil {
		return nil, svcerrors.BadRequest("failed to read request body")
	}
	if len(body) > maxMutationBody {
		return nil, svcerrors.BadRequest("request body too large")
	}
	return body, nil
}

// idempotent runs write at most once per fingerprint of (user, operation,
// payload, Idempotency-Key) within the replay window and writes the
// original or replayed response. Without an Idempotency-Key a request is
// only replayed while it repeats the user's latest successful mutation.
// With keyOnly set, requests without a key are never deduplicated.
func (h *handler) idempotent(w http.ResponseWriter, r *http.Request, operation string, payload []byte, keyOnly bool, write func(ctx context.Context, w http.ResponseWriter)) {
	clientKey := r.Header.Get(headerIdempotencyKey)
	if len(clientKey) > maxIdempotencyKeyLen {
		internalhttputil.WriteError(w, r, svcerrors.Validation(headerIdempotencyKey, "Idempotency-Key is too long"))
		return
	}

	userID := middleware.GetUserID(r.Context())
	base, key := "", ""
	switch {
	case clientKey != "":
		key = idempotency.Fingerprint(userID, operation, clientKey, payload)
		base = key
	case !keyOnly:
		base = idempotency.Fingerprint(userID, operation, "", payload)
		key = h.app.Guard.Sequence(r.Context(), userID, base)
	}
	rec, outcome, err := h.app.Guard.Do(r.Context(), key, func(ctx context.Context) (idempotency.Record, error) {
		buf := newResponseBuffer()
		write(ctx, buf)
		return buf.record(), nil
	})
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	if outcome != idempotency.Replayed && rec.Status >= 200 && rec.Status < 300 {
		h.app.Guard.Advance(r.Context(), userID, base, key)
	}

	if outcome == idempotency.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
