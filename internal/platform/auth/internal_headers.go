package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSubject = "X-Runengine-Subject"
	HeaderEmail   = "X-Runengine-Email"
	HeaderRoles   = "X-Runengine-Roles"

	HeaderInternalAuthTimestamp = "X-Runengine-Auth-Ts"
	HeaderInternalAuthSignature = "X-Runengine-Auth-Sig"
)

// SignedRequest is the set of values covered by the gateway signature.
type SignedRequest struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (s SignedRequest) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(s.Timestamp),
		strings.ToUpper(strings.TrimSpace(s.Method)),
		strings.TrimSpace(s.Path),
		strings.TrimSpace(s.RequestID),
		strings.TrimSpace(s.Subject),
		strings.TrimSpace(s.Email),
		strings.TrimSpace(s.Roles),
	}, "\n")
}

func Sign(secret string, req SignedRequest) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(req.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(req.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifySignature(secret string, req SignedRequest, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	expected, err := Sign(secret, req)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// VerifyTimestamp rejects unix-second timestamps further than maxSkew from now. maxSkew <= 0 disables the window.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	at := time.Unix(parsed, 0).UTC()
	if at.After(now.Add(maxSkew)) || at.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
