package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/smallbiznis/casc/internal/ingress/domain"
)

// SignatureHeader carries the Meta platform body signature.
const SignatureHeader = "X-Hub-Signature-256"

// Sign returns the X-Hub-Signature-256 value of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, body []byte, header string) error {
	signature, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || signature == "" {
		return domain.ErrSignatureInvalid
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte("sha256="+strings.ToLower(signature)), []byte(expected)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
