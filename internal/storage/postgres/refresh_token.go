package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const refreshColumns = `id, user_id, token_hash, family, version, revoked, revoked_reason, reuse_detected, created_at, expires_at, last_used_at, ip, user_agent`

func scanRefreshToken(row pgx.Row) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.Family,
		&token.Version,
		&token.Revoked,
		&token.RevokedReason,
		&token.ReuseDetected,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.LastUsedAt,
		&token.IP,
		&token.UserAgent,
	)
	if err != nil {
		return nil, err
	}

	return &token, nil
}

// SaveRefreshToken сохраняет новый refresh-токен в БД.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
        INSERT INTO refresh_tokens(id, user_id, token_hash, family, version, revoked, revoked_reason, reuse_detected, created_at, expires_at, ip, user_agent)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `

	_, err := s.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.Family,
		token.Version,
		token.Revoked,
		token.RevokedReason,
		token.ReuseDetected,
		token.CreatedAt,
		token.ExpiresAt,
		token.IP,
		token.UserAgent,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshTokenByHash находит refresh-токен по его хэшу.
func (s *Storage) RefreshTokenByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshTokenByHash"

	query := `
        SELECT ` + refreshColumns + `
        FROM refresh_tokens
        WHERE token_hash = $1
    `

	token, err := scanRefreshToken(s.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// TryUseRefreshToken атомарно помечает запись использованной.
//
// Последовательность «прочитать-проверить-записать» из refresh схлопнута
// в один условный UPDATE: из двух конкурентных вызовов на одной записи
// строку обновит ровно один, второй классифицируется по текущему состоянию
// (реплей либо терминальная запись). Блокировок в процессе нет — исход
// определяется количеством затронутых строк.
func (s *Storage) TryUseRefreshToken(ctx context.Context, id uuid.UUID, now time.Time, cutoff time.Time) (storage.UseResult, error) {
	const op = "storage.postgres.TryUseRefreshToken"

	const upd = `
		UPDATE refresh_tokens
		SET last_used_at = $2
		WHERE id = $1
		  AND revoked = FALSE
		  AND reuse_detected = FALSE
		  AND (last_used_at IS NULL OR last_used_at <= $3)
		RETURNING user_id
	`

	var userID uuid.UUID
	err := s.db.QueryRow(ctx, upd, id, now, cutoff).Scan(&userID)
	if err == nil {
		return storage.UseOK, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return storage.UseTerminal, fmt.Errorf("%s: %w", op, err)
	}

	// UPDATE не сработал: классифицируем по состоянию записи.
	const sel = `
		SELECT revoked, reuse_detected
		FROM refresh_tokens
		WHERE id = $1
	`

	var revoked, reuse bool
	err = s.db.QueryRow(ctx, sel, id).Scan(&revoked, &reuse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.UseTerminal, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return storage.UseTerminal, fmt.Errorf("%s: %w", op, err)
	}

	if revoked || reuse {
		return storage.UseTerminal, nil
	}

	return storage.UseReplayed, nil
}

// RevokeRefreshToken отзывает запись с указанием причины.
// Идемпотентна: уже отозванная запись — не ошибка, возвращает (false, nil).
// Причина первого отзыва не перезаписывается.
func (s *Storage) RevokeRefreshToken(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	const op = "storage.postgres.RevokeRefreshToken"

	const upd = `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_reason = $2
		WHERE id = $1 AND revoked = FALSE
		RETURNING user_id
	`

	var userID uuid.UUID
	err := s.db.QueryRow(ctx, upd, id, reason).Scan(&userID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	const sel = `
		SELECT revoked
		FROM refresh_tokens
		WHERE id = $1
	`

	var revoked bool
	err = s.db.QueryRow(ctx, sel, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return false, fmt.Errorf("%s: %w", op, err)
	}

	return false, nil
}

// RevokeFamily отзывает все ещё не отозванные записи семейства.
func (s *Storage) RevokeFamily(ctx context.Context, family uuid.UUID, reason string) (int64, error) {
	const op = "storage.postgres.RevokeFamily"

	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_reason = $2
		WHERE family = $1 AND revoked = FALSE
	`

	cmdTag, err := s.db.Exec(ctx, query, family, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected(), nil
}

// RevokeAllUserTokens отзывает все ещё не отозванные записи пользователя.
func (s *Storage) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	const op = "storage.postgres.RevokeAllUserTokens"

	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_reason = $2
		WHERE user_id = $1 AND revoked = FALSE
	`

	cmdTag, err := s.db.Exec(ctx, query, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected(), nil
}

// MarkReuseDetected выставляет липкий флаг reuse_detected.
// Запись одновременно отзывается с причиной reuse_detected; если она уже
// была отозвана ранее — причина первого отзыва сохраняется.
func (s *Storage) MarkReuseDetected(ctx context.Context, id uuid.UUID) error {
	const op = "storage.postgres.MarkReuseDetected"

	query := `
		UPDATE refresh_tokens
		SET reuse_detected = TRUE,
		    revoked_reason = CASE WHEN revoked THEN revoked_reason ELSE $2 END,
		    revoked = TRUE
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, id, models.ReasonReuseDetected)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// CountActiveTokens — число активных записей пользователя.
func (s *Storage) CountActiveTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	const op = "storage.postgres.CountActiveTokens"

	query := `
		SELECT COUNT(*)
		FROM refresh_tokens
		WHERE user_id = $1
		  AND revoked = FALSE
		  AND reuse_detected = FALSE
		  AND expires_at > $2
	`

	var count int64
	if err := s.db.QueryRow(ctx, query, userID, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// OldestActiveToken — активная запись пользователя с наименьшим created_at.
func (s *Storage) OldestActiveToken(ctx context.Context, userID uuid.UUID, now time.Time) (*models.RefreshToken, error) {
	const op = "storage.postgres.OldestActiveToken"

	query := `
		SELECT ` + refreshColumns + `
		FROM refresh_tokens
		WHERE user_id = $1
		  AND revoked = FALSE
		  AND reuse_detected = FALSE
		  AND expires_at > $2
		ORDER BY created_at ASC
		LIMIT 1
	`

	token, err := scanRefreshToken(s.db.QueryRow(ctx, query, userID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// DeleteExpiredTokens удаляет просроченные и отозванные записи.
// Чистка затрагивает только терминальные/мертвые строки, поэтому безопасна
// конкурентно с любыми операциями state machine.
func (s *Storage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpiredTokens"

	query := `
        DELETE FROM refresh_tokens
        WHERE expires_at <= $1 OR revoked = TRUE
    `

	cmdTag, err := s.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected(), nil
}
