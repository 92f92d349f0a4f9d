package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rl1809/farmigo/internal/adapter/storage"
	"github.com/rl1809/farmigo/internal/core/domain"
)

func newTestAuth() (*AuthService, *TokenMaker) {
	tokens := NewTokenMaker("test-secret", time.Hour)
	return NewAuthService(storage.NewMemoryAdapter(), tokens, bcrypt.MinCost, testLogger()), tokens
}

func TestRegister(t *testing.T) {
	auth, tokens := newTestAuth()
	ctx := context.Background()

	session, err := auth.Register(ctx, Registration{Name: "Dana", Email: " Dana@Shop.test ", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCustomer, session.User.Role)
	assert.Equal(t, "dana@shop.test", session.User.Email)
	assert.NotEqual(t, "secret1", session.User.PasswordHash)

	principal, err := tokens.VerifyToken(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, principal.UserID)
	assert.Equal(t, domain.RoleCustomer, principal.Role)

	_, err = auth.Register(ctx, Registration{Name: "Dup", Email: "dana@shop.test", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRegister_Rejections(t *testing.T) {
	auth, _ := newTestAuth()
	ctx := context.Background()

	_, err := auth.Register(ctx, Registration{Name: "Root", Email: "root@x.test", Password: "x", Role: domain.RoleAdmin})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = auth.Register(ctx, Registration{Name: "A", Email: "not-an-email", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = auth.Register(ctx, Registration{Name: "A", Email: "a@x.test", Password: "x", Role: "grower"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = auth.Register(ctx, Registration{Email: "a@x.test", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLogin(t *testing.T) {
	auth, _ := newTestAuth()
	ctx := context.Background()

	_, err := auth.CreateUser(ctx, Registration{Name: "Root", Email: "root@x.test", Password: "hunter22", Role: domain.RoleAdmin})
	require.NoError(t, err)

	session, err := auth.Login(ctx, "ROOT@x.test", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, session.User.Role)

	_, err = auth.Login(ctx, "root@x.test", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = auth.Login(ctx, "nobody@x.test", "hunter22")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyToken_Rejects(t *testing.T) {
	tokens := NewTokenMaker("test-secret", time.Hour)
	user := domain.User{ID: "user-1", Role: domain.RoleFarmer}

	other := NewTokenMaker("other-secret", time.Hour)
	raw, err := other.CreateToken(user)
	require.NoError(t, err)
	_, err = tokens.VerifyToken(raw)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	expired := NewTokenMaker("test-secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, err = expired.CreateToken(user)
	require.NoError(t, err)
	_, err = tokens.VerifyToken(raw)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = tokens.VerifyToken("garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
