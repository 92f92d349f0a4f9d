package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

type tokenClaims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

// TokenMaker issues and verifies HS256 bearer tokens carrying user id and role.
type TokenMaker struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenMaker(secret string, ttl time.Duration) *TokenMaker {
	return &TokenMaker{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *TokenMaker) CreateToken(user domain.User) (string, error) {
	now := m.now()
	claims := tokenClaims{
		Role: string(user.Role),
		StandardClaims: jwt.StandardClaims{
			Subject:   user.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(m.ttl).Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return token, nil
}

func (m *TokenMaker) VerifyToken(raw string) (domain.Principal, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "invalid token")
	}

	role := domain.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "invalid token claims")
	}
	return domain.Principal{UserID: claims.Subject, Role: role}, nil
}

type Registration struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

type Session struct {
	Token string
	User  domain.User
}

type AuthService struct {
	users      port.UserRepository
	tokens     *TokenMaker
	bcryptCost int
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewAuthService(users port.UserRepository, tokens *TokenMaker, bcryptCost int, logger logrus.FieldLogger) *AuthService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{users: users, tokens: tokens, bcryptCost: bcryptCost, log: logger, now: time.Now}
}

// Register signs up a farmer or customer. Admin accounts are created with
// CreateUser from the command line only.
func (s *AuthService) Register(ctx context.Context, in Registration) (Session, error) {
	if in.Role == "" {
		in.Role = domain.RoleCustomer
	}
	if in.Role == domain.RoleAdmin {
		return Session{}, errors.Wrap(domain.ErrForbidden, "admin accounts cannot self-register")
	}

	user, err := s.CreateUser(ctx, in)
	if err != nil {
		return Session{}, err
	}
	token, err := s.tokens.CreateToken(user)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user}, nil
}

func (s *AuthService) CreateUser(ctx context.Context, in Registration) (domain.User, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" || email == "" || in.Password == "" {
		return domain.User{}, errors.Wrap(domain.ErrInvalidInput, "missing fields")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, errors.Wrap(domain.ErrInvalidInput, "invalid email")
	}
	if !in.Role.Valid() {
		return domain.User{}, errors.Wrapf(domain.ErrInvalidInput, "unknown role %q", in.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return domain.User{}, errors.Wrap(err, "hash password")
	}

	user := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         in.Role,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.User{}, errors.Wrap(domain.ErrConflict, "email already registered")
		}
		return domain.User{}, err
	}

	s.log.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user registered")
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Session{}, errors.Wrap(domain.ErrInvalidInput, "missing fields")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Session{}, errors.Wrap(domain.ErrUnauthorized, "invalid credentials")
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, errors.Wrap(domain.ErrUnauthorized, "invalid credentials")
	}

	token, err := s.tokens.CreateToken(user)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user}, nil
}
