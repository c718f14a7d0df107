package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/storage"
)

const sessionColumns = `id, user_id, device_id, device_name, user_agent, ip_address, refresh_hash,
	previous_refresh_hash, created_at, last_seen_at, expires_at, revoked_at, revoke_reason`

func (s *Store) OpenSession(ctx context.Context, sess session.Session, maxActive int) (session.Session, []session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := sess.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sess.CreatedAt = now
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = now
	}

	var revoked []session.Session
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Serialise logins per user so the cap holds under concurrency.
		var uid string
		if err := tx.GetContext(ctx, &uid, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, sess.UserID); err != nil {
			return err
		}

		if sess.DeviceID != "" {
			var replaced []session.Session
			if err := tx.SelectContext(ctx, &replaced, `
				UPDATE sessions SET revoked_at = $3, revoke_reason = $4
				WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL AND expires_at > $3
				RETURNING `+sessionColumns,
				sess.UserID, sess.DeviceID, now, session.ReasonReplaced); err != nil {
				return err
			}
			revoked = append(revoked, replaced...)
		}

		var activeIDs []string
		if err := tx.SelectContext(ctx, &activeIDs, `
			SELECT id FROM sessions
			WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
			ORDER BY last_seen_at, created_at
		`, sess.UserID, now); err != nil {
			return err
		}
		if excess := len(activeIDs) - maxActive + 1; maxActive > 0 && excess > 0 {
			var kicked []session.Session
			if err := tx.SelectContext(ctx, &kicked, `
				UPDATE sessions SET revoked_at = $2, revoke_reason = $3
				WHERE id = ANY($1)
				RETURNING `+sessionColumns,
				pq.Array(activeIDs[:excess]), now, session.ReasonKicked); err != nil {
				return err
			}
			revoked = append(revoked, kicked...)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, device_id, device_name, user_agent, ip_address, refresh_hash,
				previous_refresh_hash, created_at, last_seen_at, expires_at, revoke_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $9, $10, '')
		`, sess.ID, sess.UserID, sess.DeviceID, sess.DeviceName, sess.UserAgent, sess.IPAddress,
			sess.RefreshHash, sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt)
		return err
	})
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, revoked, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	return s.getSession(ctx, `id = $1`, id)
}

func (s *Store) GetSessionByRefreshHash(ctx context.Context, hash string) (session.Session, error) {
	return s.getSession(ctx, `refresh_hash = $1`, hash)
}

func (s *Store) GetSessionByPreviousRefreshHash(ctx context.Context, hash string) (session.Session, error) {
	if hash == "" {
		return session.Session{}, storage.ErrNotFound
	}
	return s.getSession(ctx, `previous_refresh_hash = $1`, hash)
}

func (s *Store) getSession(ctx context.Context, where string, arg interface{}) (session.Session, error) {
	var sess session.Session
	if err := s.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE `+where+` LIMIT 1`, arg); err != nil {
		return session.Session{}, classify(err)
	}
	return sess, nil
}

func (s *Store) ListActiveSessions(ctx context.Context, userID string, now time.Time) ([]session.Session, error) {
	out := []session.Session{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY last_seen_at, created_at
	`, userID, now)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) RotateRefreshHash(ctx context.Context, id, oldHash, newHash string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET previous_refresh_hash = refresh_hash, refresh_hash = $3, expires_at = $4, last_seen_at = $5
		WHERE id = $1 AND refresh_hash = $2 AND revoked_at IS NULL
	`, id, oldHash, newHash, expiresAt, now)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("session %s: %w", id, storage.ErrConflict))
}

func (s *Store) TouchSession(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("session %s: %w", id, storage.ErrNotFound))
}

func (s *Store) RevokeSession(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET revoked_at = COALESCE(revoked_at, $2),
		    revoke_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoke_reason END
		WHERE id = $1
	`, id, now, reason)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("session %s: %w", id, storage.ErrNotFound))
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID, reason string, now time.Time) ([]session.Session, error) {
	out := []session.Session{}
	err := s.db.SelectContext(ctx, &out, `
		UPDATE sessions SET revoked_at = $2, revoke_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING `+sessionColumns,
		userID, now, reason)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) PurgeSessions(ctx context.Context, expiredBefore, revokedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
	`, expiredBefore, revokedBefore)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// inTx runs fn in a read-committed transaction and classifies any failure.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			err = classify(err)
			return
		}
		err = classify(tx.Commit())
	}()
	return fn(tx)
}
