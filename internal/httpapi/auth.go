package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	tokenIssuer      = "kasirinaja"
	tokenAudience    = "pos-terminal"
	userStoreTimeout = 3 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
	errUsernameTaken      = errors.New("username already exists")
)

// unknownUserHash is compared against on a username miss so that it costs
// the same bcrypt work as a wrong password.
var unknownUserHash, _ = bcrypt.GenerateFromPassword([]byte("kasirinaja-unknown-user"), bcrypt.DefaultCost)

// AuthManager issues terminal bearer tokens, approves manager actions by PIN
// and keeps a credential cache in front of store.Users.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN []byte
	users      store.Users

	mu       sync.RWMutex
	accounts map[string]credential
}

type credential struct {
	hash    string
	role    string
	active  bool
	created time.Time
}

type terminalClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users store.Users) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		accounts: make(map[string]credential),
	}
	// An unset PIN leaves managerPIN nil and every approval fails.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			manager.managerPIN = hashed
		}
	}
	manager.refresh(context.Background())
	return manager
}

// Login re-reads the user store so accounts created by another process can
// sign in without a restart.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)

	cred, ok := a.lookup(normalizeUsername(req.Username))
	if !ok {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash, []byte(req.Password))
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(cred.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(normalizeUsername(req.Username), cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken accepts only HS256 tokens issued for POS terminals that carry
// a known role.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &terminalClaims{}
	token, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithAudience(tokenAudience),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleCashier {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        xid.New("tok"),
			Subject:   username,
			Issuer:    tokenIssuer,
			Audience:  jwtlib.ClaimStrings{tokenAudience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateManagerPIN approves a return started by a cashier.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.managerPIN == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.managerPIN, []byte(input)) == nil
}

// CreateCashier validates the request field by field and stores a bcrypt
// hash of the password.
func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refresh(ctx)

	username := normalizeUsername(req.Username)
	verr := &store.ValidationError{}
	switch {
	case len(username) < 4:
		verr.Add("username", "must be at least 4 characters")
	case strings.ContainsAny(username, " \t\r\n"):
		verr.Add("username", "must not contain spaces")
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		verr.Add("password", "must be at least 6 characters")
	}
	if len(verr.Fields) > 0 {
		return domain.CashierUser{}, verr
	}
	if _, exists := a.lookup(username); exists {
		return domain.CashierUser{}, errUsernameTaken
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	cred := credential{hash: hash, role: RoleCashier, active: true, created: time.Now().UTC()}

	if a.users != nil {
		err := a.users.CreateUser(ctx, domain.UserAccount{
			Username:  username,
			Password:  cred.hash,
			Role:      cred.role,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
		if errors.Is(err, store.ErrInvalidTransaction) {
			return domain.CashierUser{}, errUsernameTaken
		}
		if err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = cred
	a.mu.Unlock()

	return cred.cashier(username), nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.refresh(ctx)

	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.accounts))
	for username, cred := range a.accounts {
		if cred.role == RoleCashier {
			result = append(result, cred.cashier(username))
		}
	}
	a.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

func (a *AuthManager) lookup(username string) (credential, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cred, ok := a.accounts[username]
	return cred, ok
}

// refresh reloads the credential cache from the user store and rewrites any
// plain-text password it finds as a bcrypt hash. Store calls are bounded by
// userStoreTimeout; a failed reload keeps the current cache.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	accounts, err := a.users.ListUsers(ctx)
	if err != nil || len(accounts) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		hash := account.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				continue
			}
			hash = upgraded
			_ = a.users.UpdateUserPassword(ctx, username, hash)
		}
		a.accounts[username] = credential{
			hash:    hash,
			role:    account.Role,
			active:  account.Active,
			created: account.CreatedAt,
		}
	}
}

func (c credential) cashier(username string) domain.CashierUser {
	return domain.CashierUser{
		Username:  username,
		Role:      c.role,
		Active:    c.active,
		CreatedAt: c.created,
	}
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func verifyPassword(stored string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
