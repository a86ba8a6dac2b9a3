package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/log"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/redact"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"

	"github.com/google/uuid"
)

// RequestPasswordReset выпускает одноразовый reset-токен для пользователя
// с указанным email и возвращает сырой токен для внеполосной доставки
// (доставка — забота вызывающей стороны).
//
// Неизвестный или деактивированный email наблюдаемо неотличим от успеха:
// возвращается пустой токен без ошибки, чтобы не раскрывать существование
// учётной записи.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	const op = "service.reset.RequestPasswordReset"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return "", nil
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Debug("reset_unknown_email",
				slog.String("op", op),
				slog.String("email", redact.Email(normEmail)),
			)
			return "", nil
		}

		return "", fmt.Errorf("%s: %w", op, err)
	}

	if !user.Active {
		return "", nil
	}

	raw, expiresAt, err := s.generateResetToken(user, s.now())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	// Хранится только хэш; предыдущий reset-токен (если был) затирается.
	if err := s.storage.SetResetToken(ctx, user.ID, hashToken(raw), expiresAt); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("reset_requested",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)

	return raw, nil
}

// ResetPassword завершает сброс пароля по сырому reset-токену.
//
// Токен строго одноразовый: успешный сброс очищает reset-поля. Смена пароля
// всегда инвалидирует все существующие сессии пользователя.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	const op = "service.reset.ResetPassword"

	lg := log.From(ctx)

	claims, err := s.verifyResetToken(rawToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByResetTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	// Subject токена обязан совпадать с владельцем строки.
	if sub, err := uuid.Parse(claims.Subject); err != nil || sub != user.ID {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if user.ResetTokenExpiresAt == nil || !s.now().Before(*user.ResetTokenExpiresAt) {
		return fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	if err := validatePassword(newPassword); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// UpdatePassword заодно очищает reset-поля — токен сгорает.
	if err := s.storage.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.RevokeAllUserTokens(ctx, user.ID, models.ReasonPasswordReset); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("password_reset_ok",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
	)

	return nil
}
