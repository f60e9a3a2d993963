package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxpulse/mail-infra/internal/apperr"
)

// Token is the OAuth credential stored per mailbox. The blob is written by
// the account-connection flow; this service only reads and refreshes it.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ParseTokenBlob decodes a mailbox's stored token. A malformed or empty
// blob is an auth failure, not a parse failure: the mailbox cannot sync
// until credentials are re-established.
func ParseTokenBlob(blob string) (*Token, error) {
	if blob == "" {
		return nil, apperr.Auth("token", fmt.Errorf("mailbox has no stored credentials"))
	}
	var tok Token
	if err := json.Unmarshal([]byte(blob), &tok); err != nil {
		return nil, apperr.Auth("token", fmt.Errorf("decode token blob: %w", err))
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, apperr.Auth("token", fmt.Errorf("token blob has no usable credential"))
	}
	return &tok, nil
}

// Expired reports whether the access token is past its expiry with a small
// clock-skew allowance.
func (t *Token) Expired() bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().After(time.Unix(t.ExpiresAt, 0).Add(-30 * time.Second))
}

// OAuth2 converts the stored token into the form the provider SDKs consume.
func (t *Token) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresAt > 0 {
		tok.Expiry = time.Unix(t.ExpiresAt, 0)
	}
	return tok
}
