package liveql

import (
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// external collaborator boundary for credentials. the session orchestrator asks
// for the current refresh token when it opens a session and hands the user back
// after a successful handshake. the session core never inspects token contents.
type AuthProvider interface {
	// empty means anonymous/new session
	CurrentRefreshToken() string
	Persist(user *User) error
}

// in-process AuthProvider. suitable for tools and tests;
// apps with durable credentials bring their own provider.
type MemoryAuthStore struct {
	mutex        sync.Mutex
	refreshToken string
	user         *User
}

func NewMemoryAuthStore(refreshToken string) *MemoryAuthStore {
	return &MemoryAuthStore{
		refreshToken: refreshToken,
	}
}

func (self *MemoryAuthStore) CurrentRefreshToken() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.refreshToken
}

func (self *MemoryAuthStore) Persist(user *User) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.user = user
	if user != nil && user.RefreshToken != "" {
		self.refreshToken = user.RefreshToken
	}
	return nil
}

func (self *MemoryAuthStore) CurrentUser() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.user
}

// ParseUserUnverified extracts identity claims from a refresh token without
// verifying the signature. diagnostic use only, e.g. `liveqlctl whoami`.
func ParseUserUnverified(refreshToken string) (*User, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(refreshToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	user := &User{
		RefreshToken: refreshToken,
	}
	if id, ok := claims["id"]; ok {
		if idStr, ok := id.(string); ok {
			user.Id = idStr
		}
	} else if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			user.Id = subStr
		}
	}
	if email, ok := claims["email"]; ok {
		if emailStr, ok := email.(string); ok {
			user.Email = emailStr
		}
	}

	return user, nil
}
