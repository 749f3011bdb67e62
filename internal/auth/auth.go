// Package auth checks CONNECT credentials against the configured users.
package auth

import (
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// Users authorizes clients by bcrypt password hash. With no users
// configured every client is let through.
type Users struct {
	broker.NopHooks
	hashes map[string][]byte
}

func NewUsers(cfg config.AuthConfig) *Users {
	hashes := make(map[string][]byte, len(cfg.Users))
	for _, u := range cfg.Users {
		hashes[u.Username] = []byte(u.PasswordHash)
	}
	return &Users{hashes: hashes}
}

func (u *Users) Authorize(_ *broker.Broker, clientID, username string, password []byte) broker.AuthDecision {
	if len(u.hashes) == 0 {
		return broker.AuthUnset
	}
	hash, ok := u.hashes[username]
	if !ok {
		logger.WarnF("Client %s used unknown username %q", clientID, username)
		return broker.AuthDeny
	}
	if err := bcrypt.CompareHashAndPassword(hash, password); err != nil {
		logger.WarnF("Client %s failed password check for %q", clientID, username)
		return broker.AuthDeny
	}
	return broker.AuthAllow
}

func (u *Users) Connected(_ *broker.Broker, clientID string) {
	logger.DebugF("Client %s authorized", clientID)
}

// HashPassword produces a hash suitable for auth.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
