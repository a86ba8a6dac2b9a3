package service

import (
	"context"
	"testing"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"
	"github.com/Whiskyrie/solidarios-auth/mocks"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// issueRefresh — выпускает подписанный refresh-токен вместе с его записью,
// минуя публичные операции (только для тестов ротации).
func issueRefresh(t *testing.T, svc *Service, st *mocks.MockStorage, user *models.User, family uuid.UUID, version int) (string, *models.RefreshToken) {
	t.Helper()

	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	plain, record, err := svc.generateRefreshToken(context.Background(), user, family, version, time.Now().UTC(), testClient())
	require.NoError(t, err)
	return plain, record
}

func TestRefreshToken_OK_RotatesWithinFamily(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	// Две выборки: перед ротацией и контрольная перечитка после сохранения.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil).Times(2)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshToken(gomock.Any(), record.ID, models.ReasonRotation).Return(true, nil)

	var rotated *models.RefreshToken
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rt *models.RefreshToken) error {
			rotated = rt
			return nil
		})

	pair, got, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEqual(t, plain, pair.RefreshToken)

	// Семейство неизменно, версия монотонно растет.
	require.Equal(t, family, pair.Family)
	require.Equal(t, family, rotated.Family)
	require.Equal(t, record.Version+1, rotated.Version)
	require.Equal(t, hashToken(pair.RefreshToken), rotated.TokenHash)
}

func TestRefreshToken_GarbageToken(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Невалидная подпись отсекается до обращения к хранилищу.
	_, _, err := svc.RefreshToken(context.Background(), "not-a-jwt", testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_UnknownRecord(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	plain, record := issueRefresh(t, svc, st, user, uuid.New(), 1)

	// Подпись валидна, но записи в хранилище нет (например, уже удалена чисткой).
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(nil, storage.ErrNotFound)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_ReplayedTerminal_RevokesFamily(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	// Запись уже отозвана ротацией: предъявление старого токена — реплей,
	// каскадно отзывается всё семейство.
	record.Revoked = true
	record.RevokedReason = models.ReasonRotation

	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), record.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(2), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_ReplayedWithinWindow_ReuseDetected(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	// Конкурентное предъявление одного токена: CAS проигран.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseReplayed, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), record.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(1), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestRefreshToken_TerminalRace_AfterRead(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	// Конкурент успел отозвать запись между чтением и CAS.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseTerminal, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), record.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(0), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_ReuseDetectionDisabled_NoCascade(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.ReuseDetection = false
	svc, st, ctrl := newSvcWithCfg(t, cfg)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	plain, record := issueRefresh(t, svc, st, user, uuid.New(), 1)
	record.Revoked = true

	// Детекция выключена: семейство не трогаем, просто отказ.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_RecordExpired(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	plain, record := issueRefresh(t, svc, st, user, uuid.New(), 1)

	// Подпись ещё валидна, но запись в хранилище уже считается истекшей.
	record.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken_InactiveUser(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	plain, record := issueRefresh(t, svc, st, user, uuid.New(), 1)

	deactivated := *user
	deactivated.Active = false

	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(&deactivated, nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUserInactive)
}

func TestRefreshToken_OwnerMissing(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	plain, record := issueRefresh(t, svc, st, user, uuid.New(), 1)

	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(nil, storage.ErrNotFound)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_RotationDisabled_KeepsPresentedToken(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.RotationEnabled = false
	svc, st, ctrl := newSvcWithCfg(t, cfg)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	// Ротация выключена: новый refresh не выпускается, старый не отзывается.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	pair, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.NoError(t, err)
	require.Equal(t, plain, pair.RefreshToken)
	require.Equal(t, family, pair.Family)
	require.NotEmpty(t, pair.AccessToken)
}

// TestRefreshToken_StolenTokenScenario — сквозной сценарий компрометации:
// легитимная ротация, затем предъявление украденного (уже отозванного) токена
// отзывает семейство, и даже свежий токен ротации перестает работать.
func TestRefreshToken_StolenTokenScenario(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	oldPlain, oldRecord := issueRefresh(t, svc, st, user, family, 1)

	// Шаг 1: легитимная ротация — версия 2 в том же семействе
	// (вторая выборка — контрольная перечитка после сохранения).
	st.EXPECT().RefreshTokenByHash(gomock.Any(), oldRecord.TokenHash).Return(oldRecord, nil).Times(2)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), oldRecord.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshToken(gomock.Any(), oldRecord.ID, models.ReasonRotation).Return(true, nil)

	var newRecord *models.RefreshToken
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rt *models.RefreshToken) error {
			newRecord = rt
			return nil
		})

	pair, _, err := svc.RefreshToken(context.Background(), oldPlain, testClient())
	require.NoError(t, err)
	require.Equal(t, 2, newRecord.Version)

	// Шаг 2: вор предъявляет старый токен — семейство отозвано целиком.
	revokedOld := *oldRecord
	revokedOld.Revoked = true
	revokedOld.RevokedReason = models.ReasonRotation

	st.EXPECT().RefreshTokenByHash(gomock.Any(), oldRecord.TokenHash).Return(&revokedOld, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), oldRecord.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(1), nil)

	_, _, err = svc.RefreshToken(context.Background(), oldPlain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Шаг 3: легитимный клиент с токеном версии 2 тоже получает отказ —
	// запись уже помечена reuse_detected каскадным отзывом.
	compromised := *newRecord
	compromised.Revoked = true
	compromised.ReuseDetected = true
	compromised.RevokedReason = models.ReasonReuseDetected

	st.EXPECT().RefreshTokenByHash(gomock.Any(), newRecord.TokenHash).Return(&compromised, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), newRecord.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(0), nil)

	_, _, err = svc.RefreshToken(context.Background(), pair.RefreshToken, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

// TestRefreshToken_FamilyRevokedDuringRotation — узкая гонка: пока ротация
// сохраняла новую запись, параллельный реплей старого токена успел отозвать
// семейство. Контрольная перечитка старой записи не даёт свежему токену
// пережить каскадный отзыв.
func TestRefreshToken_FamilyRevokedDuringRotation(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "user@example.com", "Abcdef1!")
	family := uuid.New()
	plain, record := issueRefresh(t, svc, st, user, family, 1)

	flagged := *record
	flagged.Revoked = true
	flagged.ReuseDetected = true
	flagged.RevokedReason = models.ReasonReuseDetected

	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(record, nil)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), record.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshToken(gomock.Any(), record.ID, models.ReasonRotation).Return(true, nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	// Перечитка после сохранения видит липкий флаг — семейство отзывается
	// ещё раз, уже вместе со свежей записью.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), record.TokenHash).Return(&flagged, nil)
	st.EXPECT().MarkReuseDetected(gomock.Any(), record.ID).Return(nil)
	st.EXPECT().RevokeFamily(gomock.Any(), family, models.ReasonReuseDetected).Return(int64(2), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testClient())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestCleanupExpiredTokens_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().DeleteExpiredTokens(gomock.Any(), gomock.Any()).Return(int64(7), nil)

	count, err := svc.CleanupExpiredTokens(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, count)
}
