package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

const userLookupTimeout = 5 * time.Second

// AuthManager issues and verifies operator tokens and checks the manager PIN
// used for same-day drawer overrides.
type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	users      store.UserStore
	cache      map[string]credential
}

type credential struct {
	password string
	role     string
	active   bool
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager hashes managerPIN once; an empty PIN disables PIN overrides.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users store.UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	hashedPIN := ""
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := hashPassword(pin); err == nil {
			hashedPIN = hashed
		}
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: hashedPIN,
		users:      users,
		cache:      make(map[string]credential),
	}
	ctx, cancel := context.WithTimeout(context.Background(), userLookupTimeout)
	defer cancel()
	manager.refreshUsers(ctx)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, userLookupTimeout)
	defer cancel()
	a.refreshUsers(lookupCtx)

	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.cache[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "pdvledger",
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyManagerPIN satisfies service.PINVerifier.
func (a *AuthManager) VerifyManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.managerPIN == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

// refreshUsers reloads accounts so operators added out of process can log in.
// Accounts whose password is not a bcrypt hash are skipped.
func (a *AuthManager) refreshUsers(ctx context.Context) {
	if a.users == nil {
		return
	}
	users, err := a.users.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" || !isPasswordHash(user.Password) {
			continue
		}
		a.cache[username] = credential{
			password: user.Password,
			role:     user.Role,
			active:   user.Active,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
