package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Whiskyrie/solidarios-auth/internal/cache"
	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/log"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"

	"github.com/google/uuid"
)

// RefreshToken обновляет пару токенов по предъявленному refresh-токену.
//
// Последовательность:
//  1. Проверка подписи/срока JWT (секрет refresh).
//  2. Поиск записи по хэшу предъявленного токена; сырой токен не хранится,
//     сравнение идёт только по хэшу.
//  3. Терминальная запись (отозвана или reuse_detected) — свидетельство
//     реплея: запись помечается, всё семейство отзывается, наружу уходит
//     неразличимый ErrInvalidToken.
//  4. Атомарная попытка использования (условный UPDATE в хранилище):
//     повторное предъявление ещё валидной записи внутри ReuseWindow — реплей,
//     семейство отзывается, возвращается ErrReuseDetected. Из двух
//     конкурентных refresh одного токена успешен максимум один.
//  5. Разрешение владельца: несуществующий/деактивированный аккаунт
//     завершает ротацию.
//  6. При включенной ротации старая запись отзывается (reason=rotation)
//     и выпускается новый refresh-токен в том же семействе с version+1;
//     при выключенной — предъявленный токен остаётся действующим.
//  7. После сохранения новой записи старая перечитывается: если за это время
//     семейство было скомпрометировано параллельным реплеем, свежий токен
//     отзывается вместе с семейством.
func (s *Service) RefreshToken(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, *models.User, error) {
	const op = "service.refresh.RefreshToken"

	lg := log.From(ctx)

	// Подпись и срок проверяются до обращения к хранилищу; состояние записи
	// авторитетно в БД, поэтому claims дальше не используются.
	if _, err := s.verifyRefreshSignature(presented); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	hash := hashToken(presented)
	now := s.now()

	// Быстрый путь по кэшу: известный отозванный токен можно отклонить
	// (и отозвать семейство) без чтения записи из БД.
	if entry, ok := s.cacheGet(ctx, hash); ok && entry.Revoked {
		s.handleCompromised(ctx, entry.ID, entry.Family, hash)
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	record, err := s.storage.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Warn("refresh_lookup_not_found", slog.String("op", op))
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !record.Active(now) {
		if record.Revoked || record.ReuseDetected {
			lg.Warn("refresh_replayed_terminal",
				slog.String("op", op),
				slog.String("user_id", record.UserID.String()),
				slog.String("family", record.Family.String()),
			)
			s.handleCompromised(ctx, record.ID, record.Family, hash)
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		// Не отозвана и не скомпрометирована — значит, просто истекла.
		return nil, nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	res, err := s.storage.TryUseRefreshToken(ctx, record.ID, now, now.Add(-s.cfg.ReuseWindow))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	switch res {
	case storage.UseOK:
		// Единственный победитель гонки — продолжаем ротацию.
	case storage.UseReplayed:
		lg.Warn("refresh_reuse_detected",
			slog.String("op", op),
			slog.String("user_id", record.UserID.String()),
			slog.String("family", record.Family.String()),
		)
		s.handleCompromised(ctx, record.ID, record.Family, hash)
		return nil, nil, fmt.Errorf("%s: %w", op, ErrReuseDetected)
	case storage.UseTerminal:
		// Конкурентный вызов успел отозвать запись между чтением и CAS.
		s.handleCompromised(ctx, record.ID, record.Family, hash)
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	user, err := s.storage.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.Active {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrUserInactive)
	}

	if !s.cfg.RotationEnabled {
		// Ротация выключена: предъявленный токен продолжает действовать.
		accessToken, err := s.generateAccessToken(ctx, user, record.Family, now)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}

		return &models.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    presented,
			Family:          record.Family,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}, user, nil
	}

	// Отзыв старой записи идёт до выпуска новой: отзыв идемпотентен, поэтому
	// сбой между шагами безопасно разрешается повторной попыткой клиента
	// (терминальная запись уведёт его в ветку реплея, а не в двойной выпуск).
	if _, err := s.storage.RevokeRefreshToken(ctx, record.ID, models.ReasonRotation); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cacheMarkRevoked(ctx, hash)

	pair, err := s.issueTokenPair(ctx, user, record.Family, record.Version+1, client)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	// Пока сохранялась новая запись, параллельный реплей старого токена мог
	// каскадно отозвать семейство. Старая запись перечитывается: липкий флаг
	// на ней — компрометация, свежий токен не должен её пережить.
	if s.cfg.ReuseDetection {
		if fresh, lookupErr := s.storage.RefreshTokenByHash(ctx, hash); lookupErr == nil && fresh.ReuseDetected {
			s.handleCompromised(ctx, fresh.ID, fresh.Family, hash)
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
	}

	return pair, user, nil
}

// CleanupExpiredTokens удаляет просроченные и отозванные записи.
// Идемпотентна и безопасна конкурентно с операциями ротации.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	const op = "service.refresh.CleanupExpiredTokens"

	count, err := s.storage.DeleteExpiredTokens(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// handleCompromised — реакция на повторное предъявление токена: запись
// помечается липким флагом, всё семейство отзывается. Срабатывает только при
// включенной детекции; все шаги идемпотентны, ошибки лишь логируются —
// наружу в любом случае уйдёт отказ.
func (s *Service) handleCompromised(ctx context.Context, id, family uuid.UUID, hash string) {
	const op = "service.refresh.handleCompromised"

	if !s.cfg.ReuseDetection {
		return
	}

	lg := log.From(ctx)

	if err := s.storage.MarkReuseDetected(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		lg.Error("mark_reuse_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
	}

	count, err := s.storage.RevokeFamily(ctx, family, models.ReasonReuseDetected)
	if err != nil {
		lg.Error("revoke_family_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return
	}

	s.cacheMarkRevoked(ctx, hash)

	lg.Warn("family_revoked",
		slog.String("op", op),
		slog.String("family", family.String()),
		slog.Int64("count", count),
	)
}

// cacheGet — чтение из кэша (best-effort).
func (s *Service) cacheGet(ctx context.Context, hash string) (*cache.RefreshEntry, bool) {
	if s.rcache == nil {
		return nil, false
	}

	entry, ok, err := s.rcache.Get(ctx, hash)
	if err != nil {
		log.From(ctx).Warn("refresh_cache_get_failed", slog.String("err", err.Error()))
		return nil, false
	}

	return entry, ok
}
