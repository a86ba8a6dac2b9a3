// service содержит бизнес-логику auth-сервиса:
// регистрацию/аутентификацию пользователей, выпуск/проверку токенов,
// ротацию refresh-токенов с детекцией повторного использования,
// лимит одновременных сессий и сброс пароля.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Корректность конкурентной ротации обеспечивается условными UPDATE
//     на стороне хранилища, а не внутрипроцессными блокировками.
//   - Ошибки возвращаются и далее маппятся транспортом на HTTP-статусы
//     (см. комментарии к переменным ошибок ниже).
package service

import (
	"errors"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/cache"
	"github.com/Whiskyrie/solidarios-auth/internal/config"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна или пользователь не найден.
	// Сообщение едино для обоих случаев, чтобы не раскрывать существование email.
	// Транспорт: HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — токен (access/refresh/reset) некорректен по
	// формату/подписи, отсутствует в хранилище или уже терминален.
	// Наружу причина не различается. Транспорт: HTTP 401.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк. Транспорт: HTTP 401.
	ErrTokenExpired = errors.New("token expired")

	// ErrReuseDetected — повторное предъявление refresh-токена; семейство
	// отозвано, требуется полная реаутентификация. Внутренний сигнал:
	// транспорт отдаёт такой же плоский HTTP 401, как и для ErrInvalidToken.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrUserInactive — учётная запись деактивирована. Транспорт: HTTP 401.
	ErrUserInactive = errors.New("user is inactive")

	// ErrEmailTaken — e-mail уже занят другим пользователем. Транспорт: HTTP 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный
	// refresh-токен (редкие коллизии хэша при сохранении). Транспорт: HTTP 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")

	// ErrInvalidEmail — e-mail имеет некорректный формат. Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль не удовлетворяет политикам сложности.
	// Транспорт: HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой. Транспорт: HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")
)

// Service описывает бизнес-логику auth-сервиса.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	rcache  cache.RefreshCache // может быть nil, если кэш не сконфигурирован
	now     func() time.Time   // инжектируемые часы; по умолчанию time.Now UTC
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig) *Service {
	return &Service{
		storage: storage,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetRefreshCache устанавливает кэш refresh-токенов (опционально).
func (s *Service) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}
