package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair — пара токенов, выдаваемая при регистрации/логине/refresh.
//
// Описание:
//   - AccessToken — короткоживущий JWT для доступа к API;
//   - RefreshToken — долгоживущий JWT, который клиент предъявляет для выпуска
//     новой пары; на сервере хранится только его хэш;
//   - Family — семейство, к которому принадлежит refresh-токен;
//   - AccessExpiresAt — момент истечения access-токена (UTC).
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	Family          uuid.UUID
	AccessExpiresAt time.Time
}
