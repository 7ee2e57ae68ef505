package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"parkwatch/config"
	"parkwatch/core/store"
	"parkwatch/core/utils"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const SessionContextKey ctxKey = "parkwatch.session"

var ErrInvalidToken = errors.New("invalid token")

// Session is the authenticated principal carried by a bearer token.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	FullName  string    `json:"fullName"`
	Roles     []string  `json:"roles"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Credentials struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type claims struct {
	Username string   `json:"username"`
	FullName string   `json:"name,omitempty"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

type SessionManager struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	now    func() time.Time
}

func NewSessionManager(cfg *config.AppConfig, logger *utils.Logger) *SessionManager {
	return &SessionManager{cfg: cfg, logger: logger, now: utils.NowUTC}
}

func (m *SessionManager) Create(user *store.User) (string, *Session, error) {
	if user == nil || user.ID <= 0 {
		return "", nil, errors.New("user required")
	}
	id := uuid.Must(uuid.NewV4()).String()
	now := m.now().Truncate(time.Second)
	sess := &Session{
		ID:        id,
		UserID:    user.ID,
		Username:  user.Username,
		FullName:  user.FullName,
		Roles:     append([]string(nil), user.Roles...),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.EffectiveTokenTTL()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: sess.Username,
		FullName: sess.FullName,
		Roles:    sess.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    m.cfg.Auth.JWTIssuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	signed, err := tok.SignedString([]byte(m.cfg.Auth.JWTSecret))
	if err != nil {
		return "", nil, err
	}
	return signed, sess, nil
}

func (m *SessionManager) Parse(raw string) (*Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.cfg.Auth.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Auth.JWTIssuer))
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return []byte(m.cfg.Auth.JWTSecret), nil
	}, opts...)
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("AUTH token rejected: %v", err)
		}
		return nil, ErrInvalidToken
	}
	uid, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return nil, ErrInvalidToken
	}
	sess := &Session{
		ID:       c.ID,
		UserID:   uid,
		Username: c.Username,
		FullName: c.FullName,
		Roles:    c.Roles,
	}
	if c.IssuedAt != nil {
		sess.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		sess.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return sess, nil
}

func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if name := strings.TrimSpace(s.FullName); name != "" {
		return name
	}
	return s.Username
}
