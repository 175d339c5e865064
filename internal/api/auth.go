package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hive-core/internal/audit"
	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/failure"
)

// loginRequest is the body of POST /auth/login. Users send username and
// password; devices send deviceId and deviceKey.
type loginRequest struct {
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	DeviceKey string `json:"deviceKey,omitempty"`
}

type loginResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Role        auth.Role `json:"role"`
}

// handleLogin exchanges credentials for an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, failure.Malformed(err))
		return
	}

	var (
		p   auth.Principal
		err error
	)
	switch {
	case req.DeviceID != "":
		p, err = s.auth.LoginDevice(r.Context(), req.DeviceID, req.DeviceKey)
	case req.Username != "":
		p, err = s.auth.Login(req.Username, req.Password)
	default:
		s.writeFailure(w, r, failure.Validation("username or deviceId is required"))
		return
	}
	if err != nil {
		actor := req.Username
		if req.DeviceID != "" {
			actor = "device:" + req.DeviceID
		}
		s.record(r, audit.Entry{
			Action:   audit.ActionLoginFailed,
			Actor:    actor,
			DeviceID: req.DeviceID,
			Details:  map[string]any{"reason": err.Error()},
		})
		s.writeFailure(w, r, authFailure(err))
		return
	}

	token, expires, err := s.auth.IssueAccessToken(p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.logger.Info("login succeeded", "subject", p.Subject, "role", p.Role)
	s.record(r, audit.Entry{
		Action:   audit.ActionLogin,
		Actor:    p.Subject,
		DeviceID: p.DeviceID,
		Details:  map[string]any{"role": p.Role},
	})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires.UTC(),
		Role:        p.Role,
	})
}

// handleWSTicket issues a single-use WebSocket ticket to an authenticated
// caller, so the access token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.auth.IssueTicket(principalFrom(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":    ticket,
		"expiresIn": int(auth.TicketTTL.Seconds()),
	})
}

// authenticateUpgrade resolves the caller of a WebSocket upgrade.
func (s *Server) authenticateUpgrade(r *http.Request) (auth.Principal, error) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		claims, err := s.auth.VerifyTicket(ticket)
		if err != nil {
			return auth.Principal{}, failure.Authentication(err)
		}
		if !s.tickets.redeem(claims.ID, claims.ExpiresAt.Time) {
			return auth.Principal{}, failure.Authentication(errors.New("ticket already used"))
		}
		return claims.Principal(), nil
	}
	if token, ok := bearerToken(r); ok {
		p, err := s.auth.VerifyAccessToken(token)
		if err != nil {
			return auth.Principal{}, failure.Authentication(err)
		}
		return p, nil
	}
	return auth.Principal{}, failure.Authentication(errors.New("ticket query parameter is required"))
}

// authFailure maps authenticator errors to failure kinds.
func authFailure(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenInvalid):
		return failure.Authentication(err)
	case errors.Is(err, auth.ErrDeviceBlocked):
		return &failure.Error{Kind: failure.KindDomain, Status: http.StatusForbidden, Message: "device is blocked", Err: err}
	default:
		return err
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// ticketLedger remembers redeemed ticket ids until they expire.
type ticketLedger struct {
	mu   sync.Mutex
	used map[string]time.Time
}

func newTicketLedger() *ticketLedger {
	return &ticketLedger{used: make(map[string]time.Time)}
}

// redeem marks id used. It returns false if id was already redeemed.
func (l *ticketLedger) redeem(id string, expires time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" {
		return false
	}
	if _, seen := l.used[id]; seen {
		return false
	}
	l.used[id] = expires
	return true
}

func (l *ticketLedger) cleanExpired(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, exp := range l.used {
		if now.After(exp) {
			delete(l.used, id)
		}
	}
}

func (l *ticketLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}

// cleanTicketsLoop forgets expired tickets until ctx is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(auth.TicketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tickets.cleanExpired(now)
		}
	}
}
