// Package feishu talks to the Feishu (Lark) open platform: webhook
// authentication, event envelopes, the tenant access token and the IM API.
package feishu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

// DefaultSignatureTolerance bounds how far a request timestamp may drift from now.
const DefaultSignatureTolerance = 5 * time.Minute

// ErrAuth marks an inbound request that failed authentication.
var ErrAuth = errors.New("feishu: authentication failed")

// Sign returns hex(sha256(timestamp + nonce + secret + body)).
func Sign(timestamp, nonce, secret string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the valid signature of body.
// It returns false on any missing field, an unparseable timestamp, a
// timestamp further than tolerance from now, or a mismatch.
func Verify(body []byte, timestamp, nonce, signature, secret string, now time.Time, tolerance time.Duration) bool {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.ToLower(strings.TrimSpace(signature))
	if len(body) == 0 || timestamp == "" || nonce == "" || signature == "" || secret == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	if delta := now.Sub(time.Unix(ts, 0)); delta > tolerance || delta < -tolerance {
		return false
	}
	expected := Sign(timestamp, nonce, secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifyToken compares the verification token carried by an event with the
// configured one. An empty configured token disables the check.
func VerifyToken(got, want string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Decrypt opens an encrypted event payload. The AES-256 key is the SHA-256
// of encryptKey and the IV is the first block of the decoded payload.
func Decrypt(encrypted, encryptKey string) ([]byte, error) {
	if encryptKey == "" {
		return nil, errors.New("decrypt: no encrypt key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("decrypt: invalid payload length %d", len(raw))
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return unpad(out)
}

// Encrypt seals plain the way the platform does, with a random IV. It is the
// inverse of Decrypt.
func Encrypt(plain []byte, encryptKey string) (string, error) {
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, aes.BlockSize+len(padded))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		return "", err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("decrypt: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("decrypt: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("decrypt: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
