package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/model"
)

// SignInWithOTP requests a one-time code for the given email.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	body, _ := json.Marshal(map[string]string{"email": email})
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/otp", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// VerifyOTP exchanges an emailed code for a session. The returned token is
// installed on the client for subsequent requests.
func (c *Client) VerifyOTP(ctx context.Context, email, token string) (*backend.Session, error) {
	body, _ := json.Marshal(map[string]string{
		"email": email,
		"token": token,
		"type":  "email",
	})
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sess backend.Session
	if err := c.do(req, &sess); err != nil {
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	c.SetSession(sess.AccessToken)
	u := sess.User
	c.user = &u
	return &sess, nil
}

// CurrentUser returns the authenticated user, or nil before sign-in.
func (c *Client) CurrentUser() *model.User {
	return c.user
}

// SignOut revokes the current session and clears the client token.
func (c *Client) SignOut(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	err = c.do(req, nil)
	c.token = ""
	c.user = nil
	return err
}

// SaveSession persists a session document for later RestoreSession calls.
func SaveSession(path string, sess *backend.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// RestoreSession loads a persisted session and installs its token on the
// client. Returns the session so callers can recover the user identity.
func (c *Client) RestoreSession(path string) (*backend.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess backend.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	c.SetSession(sess.AccessToken)
	u := sess.User
	c.user = &u
	return &sess, nil
}

var _ backend.Auth = (*Client)(nil)
