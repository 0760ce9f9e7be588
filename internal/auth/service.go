package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidServiceKey = errors.New("invalid service key")
)

// Principal is the end user a command token was issued for.
type Principal struct {
	AccountID   string
	DisplayName string
}

type Service interface {
	// IssueToken exchanges the front end's service key for a token scoped to one account.
	IssueToken(ctx context.Context, serviceKey, accountID, displayName string) (string, error)
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

type Config struct {
	Secret     []byte
	ServiceKey string
	Issuer     string
	TTL        time.Duration
}

type service struct {
	secret     []byte
	serviceKey [sha256.Size]byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewService(cfg Config) *service {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "keyservice"
	}
	return &service{
		secret:     cfg.Secret,
		serviceKey: sha256.Sum256([]byte(cfg.ServiceKey)),
		issuer:     cfg.Issuer,
		ttl:        cfg.TTL,
		now:        time.Now,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

func (s *service) IssueToken(_ context.Context, serviceKey, accountID, displayName string) (string, error) {
	sum := sha256.Sum256([]byte(serviceKey))
	if serviceKey == "" || subtle.ConstantTimeCompare(sum[:], s.serviceKey[:]) != 1 {
		return "", ErrInvalidServiceKey
	}
	return s.Sign(accountID, displayName)
}

// Sign mints a token for accountID without a service key check. Used by the
// admin CLI.
func (s *service) Sign(accountID, displayName string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		DisplayName: displayName,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{AccountID: c.Subject, DisplayName: c.DisplayName}, nil
}
