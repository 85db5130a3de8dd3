package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*models.User)}
}

func (m *memUsers) CreateUser(_ context.Context, username, hash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, db.ErrUserExists
	}
	u := &models.User{ID: len(m.users) + 1, Username: username, PasswordHash: hash, CreatedAt: time.Now()}
	m.users[username] = u
	return u, nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{"Success", "alice", "password123", false},
		{"EmptyUsername", "", "password123", true},
		{"BlankUsername", "   ", "password123", true},
		{"EmptyPassword", "bob", "", true},
		{"DuplicateUsername", "alice", "newpass", true},
		{"LongUsername", strings.Repeat("a", 1000), "password123", true},
		{"LongPassword", "carol", strings.Repeat("p", 73), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemUsers()
			s := NewAuthService(store, testSecret, time.Hour)
			ctx := context.Background()

			if tt.name == "DuplicateUsername" {
				_, err := s.Register(ctx, "alice", "password123")
				require.NoError(t, err)
			}

			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, user.Username)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(tt.password)))
		})
	}
}

func TestAuthService_DuplicateIsErrUserExists(t *testing.T) {
	s := NewAuthService(newMemUsers(), testSecret, time.Hour)
	_, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)
	_, err = s.Register(context.Background(), "alice", "password123")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestAuthService_Login(t *testing.T) {
	s := NewAuthService(newMemUsers(), testSecret, time.Hour)
	_, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)

	tests := []struct {
		name        string
		username    string
		password    string
		expectError error
	}{
		{"Success", "alice", "password123", nil},
		{"WrongPassword", "alice", "wrongpass", ErrInvalidCredentials},
		{"NonExistentUser", "bob", "password123", ErrInvalidCredentials},
		{"LongPassword", "alice", strings.Repeat("p", 1000), ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.username, tt.password)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)

			claims := &Claims{}
			_, err = jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			assert.Equal(t, "alice", claims.Username)
			assert.Equal(t, 1, claims.UserID)
			assert.NotEmpty(t, claims.ID)
		})
	}
}

func TestAuthService_TokensHaveDistinctIDs(t *testing.T) {
	s := NewAuthService(newMemUsers(), testSecret, time.Hour)
	user := &models.User{ID: 7, Username: "alice"}

	a, err := s.IssueToken(user)
	require.NoError(t, err)
	b, err := s.IssueToken(user)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAuthService_GetUserFromToken(t *testing.T) {
	s := NewAuthService(newMemUsers(), testSecret, time.Hour)
	token, err := s.IssueToken(&models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)

	expired := NewAuthService(newMemUsers(), testSecret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.IssueToken(&models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)

	wrongKey := NewAuthService(newMemUsers(), "wrong-key", time.Hour)
	invalidToken, err := wrongKey.IssueToken(&models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": 1}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name         string
		token        string
		expectUserID int
		expectError  bool
	}{
		{"Success", token, 1, false},
		{"ExpiredToken", expiredToken, 0, true},
		{"InvalidSignature", invalidToken, 0, true},
		{"UnsignedToken", noneToken, 0, true},
		{"EmptyToken", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := s.GetUserFromToken(tt.token)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUserID, userID)
		})
	}
}
