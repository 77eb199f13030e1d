package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MAC computes HMAC-SHA256 of data under key.
func MAC(key SessionKey, data ...[]byte) []byte {
	h := hmac.New(sha256.New, key[:])
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// VerifyMAC compares mac against MAC(key, data...) in constant time.
func VerifyMAC(key SessionKey, mac []byte, data ...[]byte) bool {
	return hmac.Equal(mac, MAC(key, data...))
}
