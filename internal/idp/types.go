package idp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID is the provider's user identifier. The provider sends it as a
// number on some endpoints and a string on others.
type UserID string

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// User is the session-scoped projection of the signed-in account
type User struct {
	ID          UserID `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Username    string `json:"username,omitempty"`
	Bio         string `json:"bio,omitempty"`
	IsAdmin     bool   `json:"is_admin"`
}

// TokenUser is the user object embedded in token responses, which uses
// OIDC-style claim names.
type TokenUser struct {
	ID          UserID `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Picture     string `json:"picture"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Username    string `json:"username"`
	IsAdmin     bool   `json:"is_admin"`
}

// Projection maps the token response user onto User
func (u TokenUser) Projection() *User {
	name := u.Name
	if name == "" {
		name = u.DisplayName
	}
	avatar := u.Picture
	if avatar == "" {
		avatar = u.AvatarURL
	}
	return &User{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: name,
		AvatarURL:   avatar,
		Username:    u.Username,
		IsAdmin:     u.IsAdmin,
	}
}

// Status is a login status as reported by the provider
type Status string

const (
	StatusPending    Status = "pending"
	StatusScanned    Status = "scanned"
	StatusAuthorized Status = "authorized"
	StatusApproved   Status = "approved"
	StatusCompleted  Status = "completed"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// StatusEvent is one point-in-time snapshot of a QR login
type StatusEvent struct {
	Status       Status `json:"status"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	UserID       UserID `json:"user_id,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Normalize lower-cases the status, as the provider is not consistent
func (e StatusEvent) Normalize() StatusEvent {
	e.Status = Status(strings.ToLower(strings.TrimSpace(string(e.Status))))
	return e
}

// StartRequest opens a QR login session
type StartRequest struct {
	ClientID            string `json:"client_id"`
	ReturnTo            string `json:"return_to,omitempty"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
}

// StartResponse describes the QR login session the provider created
type StartResponse struct {
	LoginID   string `json:"login_id"`
	QRURL     string `json:"qr_url"`
	State     string `json:"state"`
	ExpiresIn int    `json:"expires_in"`
}

func (r *StartResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		LoginID     string `json:"login_id"`
		QRURL       string `json:"qr_url"`
		WeChatQRURL string `json:"wechat_qr_url"`
		State       string `json:"state"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.LoginID = raw.LoginID
	r.QRURL = raw.QRURL
	if r.QRURL == "" {
		r.QRURL = raw.WeChatQRURL
	}
	r.State = raw.State
	r.ExpiresIn = raw.ExpiresIn
	return nil
}

// RegisterRequest creates an email account
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	ClientID    string `json:"client_id"`
}

// RegisterResponse is returned by a successful registration
type RegisterResponse struct {
	UserID UserID `json:"user_id"`
}
