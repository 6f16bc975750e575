package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

// Public installed-app OAuth client of the Gemini CLI. Code Assist
// credentials are minted against it, so refreshes must use the same client.
const (
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"
)

// expirySkew refreshes tokens slightly before their stated expiry so an
// upstream call never races the deadline.
const expirySkew = 2 * time.Minute

// credentialData is the JSON shape stored in a Code Assist key's keyData.
type credentialData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDateMs int64  `json:"expiry_date"`
	ProjectID    string `json:"project_id"`
}

// parseCredential decodes a key's keyData through the shared normalizer.
func parseCredential(keyData string) (*credentialData, error) {
	decoded, isJSON := provider.DecodeKeyData(keyData)
	if !isJSON {
		return nil, fmt.Errorf("codeassist: keyData is not a JSON credential")
	}
	var c credentialData
	if err := json.Unmarshal([]byte(decoded), &c); err != nil {
		return nil, fmt.Errorf("codeassist: decode keyData: %w", err)
	}
	if c.RefreshToken == "" && c.AccessToken == "" {
		return nil, fmt.Errorf("codeassist: keyData carries no tokens")
	}
	return &c, nil
}

func (c *credentialData) expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiryDateMs == 0 {
		return false
	}
	return now.After(time.UnixMilli(c.ExpiryDateMs).Add(-expirySkew))
}

// accessToken returns a usable bearer token, refreshing through the OAuth
// endpoint when the cached one is expired or force is set. A refresh that
// fails with invalid_grant marks the key permanently failed.
func (h *Handler) accessToken(ctx context.Context, cred gateway.Credential, force bool) (string, error) {
	c, err := parseCredential(cred.Key.KeyData)
	if err != nil {
		return "", err
	}
	if !force && !c.expired(h.now()) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return "", fmt.Errorf("codeassist: token expired and no refresh token present")
	}

	conf := &oauth2.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		Endpoint:     google.Endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.http)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: c.RefreshToken,
		Expiry:       h.now().Add(-time.Hour), // force the source to refresh
	}).Token()
	if err != nil {
		if isInvalidGrant(err) {
			cred.Feedback.RecordKeyPermanentlyFailed(cred.Key)
			return "", fmt.Errorf("codeassist: refresh: %v: %w", err, gateway.ErrPermanentFailure)
		}
		return "", fmt.Errorf("codeassist: refresh: %w", err)
	}

	h.storeRefreshedToken(cred, tok)
	return tok.AccessToken, nil
}

// storeRefreshedToken writes the new token back into the key's keyData and
// stages it for persistence through the feedback channel.
func (h *Handler) storeRefreshedToken(cred gateway.Credential, tok *oauth2.Token) {
	decoded, _ := provider.DecodeKeyData(cred.Key.KeyData)
	updated, err := sjson.Set(decoded, "access_token", tok.AccessToken)
	if err != nil {
		return
	}
	if !tok.Expiry.IsZero() {
		updated, _ = sjson.Set(updated, "expiry_date", tok.Expiry.UnixMilli())
	}
	if tok.RefreshToken != "" {
		updated, _ = sjson.Set(updated, "refresh_token", tok.RefreshToken)
	}
	cred.Key.KeyData = updated
	cred.Feedback.RecordKeyDataUpdated(cred.Key)
}

// isInvalidGrant reports whether an OAuth refresh failed because the grant
// itself was revoked or expired, which no retry can fix.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(rerr.Body), "invalid_grant")
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
