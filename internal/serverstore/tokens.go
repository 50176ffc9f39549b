package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"racetiming/ipicoforward/internal/auth"
)

// RegisterToken stores a device token by its hash. Callers hash the raw
// token with auth.HashToken before calling this; the raw token is never
// persisted.
func (s *Store) RegisterToken(ctx context.Context, tokenHash, deviceID string, kind auth.DeviceKind) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token_hash, device_id, kind, revoked) VALUES (?, ?, ?, 0)
		 ON CONFLICT(token_hash) DO UPDATE SET device_id = excluded.device_id, kind = excluded.kind`,
		tokenHash, deviceID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("serverstore: register token: %w", err)
	}
	return nil
}

// RevokeToken marks a token hash revoked. Already-established sessions keep
// running until they disconnect (spec §6); only new connect attempts are
// rejected.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("serverstore: revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("serverstore: revoke token: not found")
	}
	return nil
}

// LookupToken implements auth.Lookup against the device_tokens table.
func (s *Store) LookupToken(ctx context.Context, tokenHash string) (auth.DeviceRecord, bool, error) {
	var rec auth.DeviceRecord
	var kind string
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, kind, revoked FROM device_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&rec.DeviceID, &kind, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.DeviceRecord{}, false, nil
	}
	if err != nil {
		return auth.DeviceRecord{}, false, fmt.Errorf("serverstore: lookup token: %w", err)
	}
	rec.Kind = auth.DeviceKind(kind)
	rec.Revoked = revoked != 0
	return rec, true, nil
}
