package toolcall

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
)

// TokenPrefix is the first segment of every approval token.
const TokenPrefix = "sbat1"

const (
	DefaultTokenTTL = 600 * time.Second
	MinTokenTTL     = 30 * time.Second
	MaxTokenTTL     = 3600 * time.Second
)

// Token error codes. Each verification failure maps to exactly one code.
const (
	CodeFormatInvalid       = "TOKEN_FORMAT_INVALID"
	CodeDecodeFailed        = "TOKEN_DECODE_FAILED"
	CodePayloadInvalid      = "TOKEN_PAYLOAD_INVALID"
	CodeSignatureInvalid    = "TOKEN_SIGNATURE_INVALID"
	CodeFingerprintMismatch = "TOKEN_FINGERPRINT_MISMATCH"
	CodeExpired             = "TOKEN_EXPIRED"
	CodeSecretNotConfigured = "SECRET_NOT_CONFIGURED"
	CodeApproverRequired    = "APPROVER_REQUIRED"
)

type TokenError struct {
	Code    string
	Message string
}

func (e *TokenError) Error() string {
	return e.Code + ": " + e.Message
}

func tokenErr(code, format string, args ...any) *TokenError {
	return &TokenError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the token error code carried by err, or "".
func CodeOf(err error) string {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// ApprovalPayload is the signed body of an approval token.
type ApprovalPayload struct {
	V                 int    `json:"v"`
	TokenID           string `json:"tokenId"`
	ApproverUserID    string `json:"approverUserId"`
	ApproverEmail     string `json:"approverEmail,omitempty"`
	ActionFingerprint string `json:"actionFingerprint"`
	IssuedAt          string `json:"issuedAt"`
	ExpiresAt         string `json:"expiresAt"`
}

type IssueRequest struct {
	ApproverUserID string
	ApproverEmail  string
	Fingerprint    string
	TTL            time.Duration
}

type IssuedToken struct {
	Token   string          `json:"token"`
	Payload ApprovalPayload `json:"payload"`
}

// Signer issues and verifies approval tokens with a shared HMAC secret. Tokens
// are self-contained; nothing is stored server side.
type Signer struct {
	Secret []byte
	Now    func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// ClampTTL bounds ttl to [30s, 3600s]; zero or negative selects the default.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTokenTTL
	case ttl < MinTokenTTL:
		return MinTokenTTL
	case ttl > MaxTokenTTL:
		return MaxTokenTTL
	}
	return ttl
}

func (s Signer) Issue(req IssueRequest) (IssuedToken, error) {
	if len(s.Secret) == 0 {
		return IssuedToken{}, tokenErr(CodeSecretNotConfigured, "approval signing secret is not configured")
	}
	if strings.TrimSpace(req.ApproverUserID) == "" {
		return IssuedToken{}, tokenErr(CodeApproverRequired, "approver user id is required")
	}
	if strings.TrimSpace(req.Fingerprint) == "" {
		return IssuedToken{}, tokenErr(CodePayloadInvalid, "action fingerprint is required")
	}
	issued := s.now().UTC().Truncate(time.Millisecond)
	p := ApprovalPayload{
		V:                 1,
		TokenID:           uuid.NewString(),
		ApproverUserID:    strings.TrimSpace(req.ApproverUserID),
		ApproverEmail:     strings.TrimSpace(req.ApproverEmail),
		ActionFingerprint: req.Fingerprint,
		IssuedAt:          domain.FormatTime(issued),
		ExpiresAt:         domain.FormatTime(issued.Add(ClampTTL(req.TTL))),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("encode approval payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	token := TokenPrefix + "." + encoded + "." + base64.RawURLEncoding.EncodeToString(s.sign(encoded))
	return IssuedToken{Token: token, Payload: p}, nil
}

// Verify checks token against the fingerprint of the action being executed.
func (s Signer) Verify(token, fingerprint string) (ApprovalPayload, error) {
	return s.VerifyAt(token, fingerprint, s.now())
}

// VerifyAt is Verify with an explicit clock reading.
func (s Signer) VerifyAt(token, fingerprint string, now time.Time) (ApprovalPayload, error) {
	var p ApprovalPayload
	if len(s.Secret) == 0 {
		return p, tokenErr(CodeSecretNotConfigured, "approval signing secret is not configured")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != TokenPrefix || parts[1] == "" || parts[2] == "" {
		return p, tokenErr(CodeFormatInvalid, "token must be %s.<payload>.<signature>", TokenPrefix)
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return p, tokenErr(CodeDecodeFailed, "payload is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return p, tokenErr(CodeDecodeFailed, "signature is not base64url")
	}
	if !hmac.Equal(sig, s.sign(parts[1])) {
		return p, tokenErr(CodeSignatureInvalid, "signature does not match")
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ApprovalPayload{}, tokenErr(CodeDecodeFailed, "payload is not valid JSON")
	}
	if p.V != 1 || p.TokenID == "" || p.ApproverUserID == "" || p.ActionFingerprint == "" || p.IssuedAt == "" || p.ExpiresAt == "" {
		return p, tokenErr(CodePayloadInvalid, "payload is missing required fields")
	}
	expires, err := domain.ParseTime(p.ExpiresAt)
	if err != nil {
		return p, tokenErr(CodePayloadInvalid, "expiresAt is not a timestamp")
	}
	if _, err := domain.ParseTime(p.IssuedAt); err != nil {
		return p, tokenErr(CodePayloadInvalid, "issuedAt is not a timestamp")
	}
	if p.ActionFingerprint != fingerprint {
		return p, tokenErr(CodeFingerprintMismatch, "token was issued for a different action set")
	}
	if now.After(expires) {
		return p, tokenErr(CodeExpired, "token expired at %s", p.ExpiresAt)
	}
	return p, nil
}

func (s Signer) sign(encodedPayload string) []byte {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(encodedPayload))
	return mac.Sum(nil)
}
