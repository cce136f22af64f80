package toolcall

import "encoding/base64"

func base64URL(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func base64URLBytes(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
