package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/infrastructure/config"
)

// DeviceLookup resolves device credentials.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
}

// Authenticator verifies user and device credentials and issues tokens.
type Authenticator struct {
	users     map[string]config.UserConfig
	devices   DeviceLookup
	secret    string
	accessTTL time.Duration
}

// NewAuthenticator builds an Authenticator from the security configuration.
// Users with a role other than client or admin are rejected.
func NewAuthenticator(cfg config.SecurityConfig, devices DeviceLookup) (*Authenticator, error) {
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		if !IsValidUsername(u.Username) {
			return nil, fmt.Errorf("user %q: invalid username", u.Username)
		}
		if !IsValidUserRole(Role(u.Role)) {
			return nil, fmt.Errorf("user %q: invalid role %q", u.Username, u.Role)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("user %q configured twice", u.Username)
		}
		users[u.Username] = u
	}
	return &Authenticator{
		users:     users,
		devices:   devices,
		secret:    cfg.JWT.Secret,
		accessTTL: time.Duration(cfg.JWT.AccessTokenTTL) * time.Minute,
	}, nil
}

// Login checks a username and password against the configured users.
// Unknown users and wrong passwords both return ErrInvalidCredentials.
func (a *Authenticator) Login(username, password string) (Principal, error) {
	u, ok := a.users[username]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return Principal{}, fmt.Errorf("verifying password for %q: %w", username, err)
	}
	if !match {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Subject: u.Username, Role: Role(u.Role)}, nil
}

// LoginDevice checks a device id and key.
func (a *Authenticator) LoginDevice(ctx context.Context, deviceID, key string) (Principal, error) {
	if a.devices == nil {
		return Principal{}, ErrInvalidCredentials
	}
	d, err := a.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("loading device %q: %w", deviceID, err)
	}
	if key == "" || subtle.ConstantTimeCompare([]byte(d.Key), []byte(key)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	if d.Status == device.StatusBlocked {
		return Principal{}, ErrDeviceBlocked
	}
	return Principal{Subject: "device:" + d.ID, Role: RoleDevice, DeviceID: d.ID}, nil
}

// IssueAccessToken signs an access token for p.
func (a *Authenticator) IssueAccessToken(p Principal) (string, time.Time, error) {
	ttl := a.accessTTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	token, err := GenerateAccessToken(p, a.secret, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(ttl), nil
}

// IssueTicket signs a WebSocket ticket for p.
func (a *Authenticator) IssueTicket(p Principal) (string, error) {
	return GenerateTicket(p, a.secret)
}

// VerifyAccessToken parses an access token into its principal.
func (a *Authenticator) VerifyAccessToken(token string) (Principal, error) {
	claims, err := ParseToken(token, a.secret)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}

// VerifyTicket parses a WebSocket ticket. Callers enforce single use with
// the returned claims' ID.
func (a *Authenticator) VerifyTicket(ticket string) (*CustomClaims, error) {
	return ParseTicket(ticket, a.secret)
}
