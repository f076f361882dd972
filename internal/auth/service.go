package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MagnunAVF/link-shortener/internal"
)

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service registers users, checks passwords and issues bearer tokens. A
// token is a signed JWT whose id must also be present in the session store,
// so removing the session revokes the token.
type Service struct {
	db         *gorm.DB
	sessions   SessionStore
	secret     []byte
	ttl        time.Duration
	bcryptCost int
	now        func() time.Time
}

type Option func(*Service)

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *gorm.DB, sessions SessionStore, secret string, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		db:         db,
		sessions:   sessions,
		secret:     []byte(secret),
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Register(ctx context.Context, cred Credentials) (*internal.Principal, error) {
	if err := internal.ValidateStruct(cred); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := User{Username: cred.Username, PasswordHash: string(hash), CreatedAt: s.now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
		Create(&u)
	if res.Error != nil {
		return nil, fmt.Errorf("create user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: username %q is taken", internal.ErrConflict, cred.Username)
	}
	return &internal.Principal{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (*internal.Principal, error) {
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: invalid username or password", internal.ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: invalid username or password", internal.ErrUnauthenticated)
	}
	return &internal.Principal{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) IssueToken(ctx context.Context, p *internal.Principal) (string, error) {
	now := s.now()
	c := claims{
		Username: p.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := s.sessions.Put(ctx, c.ID, *p, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve maps a bearer token to its principal. It returns nil, nil for
// tokens that are malformed, expired, or whose session is gone.
func (s *Service) Resolve(ctx context.Context, token string) (*internal.Principal, error) {
	c, ok := s.parse(token)
	if !ok {
		return nil, nil
	}
	p, err := s.sessions.Get(ctx, c.ID)
	if err != nil || p == nil {
		return nil, err
	}
	if strconv.FormatInt(p.ID, 10) != c.Subject {
		return nil, nil
	}
	return p, nil
}

// Revoke drops the session behind token. Unknown tokens are ignored.
func (s *Service) Revoke(ctx context.Context, token string) error {
	c, ok := s.parse(token)
	if !ok {
		return nil
	}
	return s.sessions.Delete(ctx, c.ID)
}

func (s *Service) parse(token string) (*claims, bool) {
	if token == "" {
		return nil, false
	}
	c := &claims{}
	keyFunc := func(*jwt.Token) (any, error) { return s.secret, nil }
	parsed, err := jwt.ParseWithClaims(token, c, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || c.ID == "" {
		return nil, false
	}
	return c, true
}
