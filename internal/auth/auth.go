// Package auth authenticates the site admin. A successful login issues a
// signed session token whose id names a session record in the KV store;
// logging out deletes the record, which revokes the token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/logging"
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrNoPassword      = errors.New("admin password not configured")
	ErrInvalidSession  = errors.New("invalid or expired session")
)

const sessionPrefix = "admin_session:"

const issuer = "zach-consulting"

// Options configures an Authenticator.
type Options struct {
	// Password is compared in constant time. PasswordHash (bcrypt) wins
	// when both are set.
	Password     string
	PasswordHash string
	// Secret signs tokens. A random one is generated when empty, so
	// sessions do not survive a restart.
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Session is the server-side record of a login.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// ClientHash is the hashed IP the login came from.
	ClientHash string `json:"clientHash"`
}

type Authenticator struct {
	store        kv.Store
	password     []byte
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
	salt         string
}

func New(store kv.Store, opts Options) *Authenticator {
	a := &Authenticator{
		store:        store,
		password:     []byte(opts.Password),
		passwordHash: []byte(opts.PasswordHash),
		secret:       opts.Secret,
		ttl:          opts.TTL,
		now:          opts.Now,
		salt:         RandomToken(),
	}
	if len(a.secret) == 0 {
		a.secret = []byte(RandomToken())
		logging.Warn().Msg("SESSION_SECRET not set, admin sessions end on restart")
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// RandomToken returns 32 random bytes hex-encoded.
func RandomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// HashIP hides a client address behind a salted, truncated hash that is
// stable for the life of the process.
func (a *Authenticator) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + a.salt))
	return hex.EncodeToString(sum[:])[:16]
}

func (a *Authenticator) checkPassword(password string) error {
	switch {
	case len(a.passwordHash) > 0:
		if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
			return ErrInvalidPassword
		}
		return nil
	case len(a.password) > 0:
		if subtle.ConstantTimeCompare([]byte(password), a.password) != 1 {
			return ErrInvalidPassword
		}
		return nil
	default:
		return ErrNoPassword
	}
}

// Login checks password and opens a session.
func (a *Authenticator) Login(ctx context.Context, password, clientIP string) (string, time.Time, error) {
	if err := a.checkPassword(password); err != nil {
		logging.Warn().Str("client", a.HashIP(clientIP)).Msg("failed admin login attempt")
		return "", time.Time{}, err
	}

	now := a.now().UTC()
	sess := Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.ttl),
		ClientHash: a.HashIP(clientIP),
	}
	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		Issuer:    issuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	if err := kv.SetJSON(ctx, a.store, sessionPrefix+sess.ID, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("store session: %w", err)
	}
	logging.Info().Str("client", sess.ClientHash).Msg("admin login successful")
	return token, sess.ExpiresAt, nil
}

func (a *Authenticator) parse(token string, validate bool) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || claims.ID == "" {
		return nil, ErrInvalidSession
	}
	return &claims, nil
}

// Verify checks the token signature and expiry and that its session has
// not been revoked.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Session, error) {
	claims, err := a.parse(token, true)
	if err != nil {
		return nil, err
	}
	var sess Session
	err = kv.GetJSON(ctx, a.store, sessionPrefix+claims.ID, &sess)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !a.now().Before(sess.ExpiresAt) {
		return nil, ErrInvalidSession
	}
	return &sess, nil
}

// Logout revokes the token's session. Expired tokens are accepted so a
// stale client can still clean up.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	claims, err := a.parse(token, false)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, sessionPrefix+claims.ID); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneExpired deletes expired session records and returns how many.
func (a *Authenticator) PruneExpired(ctx context.Context) (int, error) {
	raw, err := a.store.GetByPrefix(ctx, sessionPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan sessions: %w", err)
	}
	now := a.now()
	n := 0
	for key, v := range raw {
		var sess Session
		if err := json.Unmarshal(v, &sess); err == nil && now.Before(sess.ExpiresAt) {
			continue
		}
		if err := a.store.Delete(ctx, key); err != nil {
			return n, fmt.Errorf("delete %s: %w", key, err)
		}
		n++
	}
	return n, nil
}
