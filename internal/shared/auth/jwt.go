package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the subset of bearer token claims the API acts on. Tokens are
// minted by the account service; this package only needs to check them.
type Identity struct {
	Subject string
	Email   string
	Issuer  string
	Expires int64
	Issued  int64
}

var (
	ErrMissingSecret = errors.New("jwt secret not configured")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
)

const (
	devSecret     = "dev-secret"
	defaultLeeway = 30 * time.Second
)

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier returns a verifier for the given secret. Outside production an
// empty secret falls back to a fixed development key. When issuer is set,
// tokens carrying a different iss are rejected.
func NewVerifier(env, secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if env == "production" {
			return nil, ErrMissingSecret
		}
		secret = devSecret
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		leeway: defaultLeeway,
		now:    time.Now,
	}, nil
}

func (v *Verifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return opts
}

// Verify parses token and returns its identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var cl claims
	tkn, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.parserOptions()...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !tkn.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		Subject: strings.TrimSpace(cl.Subject),
		Email:   cl.Email,
		Issuer:  cl.Issuer,
	}
	if id.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	if cl.ExpiresAt != nil {
		id.Expires = cl.ExpiresAt.Unix()
	}
	if cl.IssuedAt != nil {
		id.Issued = cl.IssuedAt.Unix()
	}
	return id, nil
}

// Sign mints a token for id valid for ttl. Used by tooling and tests.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return "", errors.New("subject is required")
	}
	now := v.now().UTC()
	if id.Issued == 0 {
		id.Issued = now.Unix()
	}
	if id.Expires == 0 && ttl > 0 {
		id.Expires = now.Add(ttl).Unix()
	}
	if id.Issuer == "" {
		id.Issuer = v.issuer
	}

	cl := claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.Subject,
			Issuer:   id.Issuer,
			IssuedAt: jwt.NewNumericDate(time.Unix(id.Issued, 0)),
		},
	}
	if id.Expires != 0 {
		cl.ExpiresAt = jwt.NewNumericDate(time.Unix(id.Expires, 0))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(v.secret)
}
