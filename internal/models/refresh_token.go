package models

import (
	"time"

	"github.com/google/uuid"
)

// Причины отзыва refresh-токена (revoked_reason).
const (
	// ReasonRotation — токен заменён следующим в семействе при refresh.
	ReasonRotation = "rotation"
	// ReasonLogout — пользователь завершил сессию (одну или все).
	ReasonLogout = "logout"
	// ReasonSessionLimit — вытеснен лимитом одновременных сессий.
	ReasonSessionLimit = "session_limit"
	// ReasonPasswordReset — отозван при смене пароля.
	ReasonPasswordReset = "password_reset"
	// ReasonReuseDetected — семейство скомпрометировано повторным
	// предъявлением уже использованного токена.
	ReasonReuseDetected = "reuse_detected"
	// ReasonManual — отозван оператором.
	ReasonManual = "manual"
)

// RefreshToken — хранимая запись refresh-токена.
//
// Описание:
//   - TokenHash — sha256(base64url) от сырого токена; сырой токен в БД
//     не попадает никогда;
//   - Family — идентификатор семейства: все токены, порождённые одним
//     логином через цепочку ротаций, разделяют одно значение;
//   - Version — монотонный номер токена внутри семейства (1 при логине);
//   - Revoked/RevokedReason — терминальное состояние; переход только вперёд
//     (revoked=true не снимается);
//   - ReuseDetected — «липкий» флаг повторного предъявления: однажды
//     выставленный, он делает запись недействительной независимо от Revoked;
//   - LastUsedAt — момент последнего успешного предъявления (nil до первого
//     использования);
//   - IP/UserAgent — best-effort контекст клиента, может быть пустым.
type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TokenHash     string
	Family        uuid.UUID
	Version       int
	Revoked       bool
	RevokedReason string
	ReuseDetected bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	IP            string
	UserAgent     string
}

// Active сообщает, действует ли запись на момент now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.ReuseDetected && now.Before(t.ExpiresAt)
}

// ClientContext — необязательный контекст клиента, который пишется в запись
// при выпуске токена.
type ClientContext struct {
	IP        string
	UserAgent string
}
