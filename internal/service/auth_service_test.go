package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

type mockAuthRepo struct {
	user *models.User
	err  error
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.user == nil || m.user.Email != email {
		return nil, sql.ErrNoRows
	}
	return m.user, nil
}

func newAuthServiceForTest(repo *mockAuthRepo) *AuthService {
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret: "test-secret",
		AccessTokenExpiry: time.Hour,
		Issuer:            "matricula-api",
	})
	svc.now = func() time.Time { return time.Now().Add(-time.Minute) }
	return svc
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func studentUser(t *testing.T) *models.User {
	studentID := "2024-0001"
	return &models.User{
		ID:           "user-1",
		Email:        "ana@uni.test",
		PasswordHash: hashPassword(t, "s3cret!"),
		FullName:     "Ana Rojas",
		Role:         models.RoleStudent,
		StudentID:    &studentID,
		Active:       true,
	}
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	repo := &mockAuthRepo{user: studentUser(t)}
	svc := newAuthServiceForTest(repo)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@uni.test", Password: "s3cret!"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "2024-0001", resp.User.StudentID)
	assert.Equal(t, models.RoleStudent, resp.User.Role)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "2024-0001", claims.StudentID)
	assert.Equal(t, "matricula-api", claims.Issuer)
}

func TestAuthServiceLoginFailures(t *testing.T) {
	ctx := context.Background()

	_, err := newAuthServiceForTest(&mockAuthRepo{}).Login(ctx, models.LoginRequest{Email: "nope"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = newAuthServiceForTest(&mockAuthRepo{}).Login(ctx, models.LoginRequest{Email: "ghost@uni.test", Password: "x"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))

	_, err = newAuthServiceForTest(&mockAuthRepo{err: errors.New("db down")}).Login(ctx, models.LoginRequest{Email: "ana@uni.test", Password: "x"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))

	_, err = newAuthServiceForTest(&mockAuthRepo{user: studentUser(t)}).Login(ctx, models.LoginRequest{Email: "ana@uni.test", Password: "wrong"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))

	inactive := studentUser(t)
	inactive.Active = false
	_, err = newAuthServiceForTest(&mockAuthRepo{user: inactive}).Login(ctx, models.LoginRequest{Email: "ana@uni.test", Password: "s3cret!"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount))

	unlinked := studentUser(t)
	unlinked.StudentID = nil
	_, err = newAuthServiceForTest(&mockAuthRepo{user: unlinked}).Login(ctx, models.LoginRequest{Email: "ana@uni.test", Password: "s3cret!"})
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestAuthServiceStaffLoginWithoutStudentID(t *testing.T) {
	registrar := studentUser(t)
	registrar.Role = models.RoleRegistrar
	registrar.StudentID = nil
	svc := newAuthServiceForTest(&mockAuthRepo{user: registrar})

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@uni.test", Password: "s3cret!"})
	require.NoError(t, err)
	assert.Empty(t, resp.User.StudentID)
}

func TestAuthServiceValidateTokenRejects(t *testing.T) {
	svc := newAuthServiceForTest(&mockAuthRepo{})
	user := studentUser(t)

	_, err := svc.ValidateToken("not-a-token")
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	expired, err := svc.IssueToken(user, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	other := NewAuthService(&mockAuthRepo{}, nil, nil, AuthConfig{AccessTokenSecret: "other-secret", Issuer: "matricula-api"})
	foreign, err := other.IssueToken(user, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	wrongIssuer := NewAuthService(&mockAuthRepo{}, nil, nil, AuthConfig{AccessTokenSecret: "test-secret", Issuer: "someone-else"})
	token, err := wrongIssuer.IssueToken(user, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &models.JWTClaims{UserID: "x"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unsigned)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
