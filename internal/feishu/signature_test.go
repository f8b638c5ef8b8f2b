package feishu

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"schema":"2.0","header":{"event_type":"im.message.receive_v1"}}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := Sign(ts, "nonce-1", "enc-key", body)

	if !Verify(body, ts, "nonce-1", sig, "enc-key", now, 5*time.Minute) {
		t.Fatal("expected valid signature to verify")
	}
	if !Verify(body, ts, "nonce-1", strings.ToUpper(sig), "enc-key", now, 5*time.Minute) {
		t.Fatal("expected hex comparison to ignore case")
	}
}

func TestVerifyRejectsEveryBodyMutation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"event":{"message":{"content":"{\"text\":\"hello\"}"}}}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := Sign(ts, "n", "secret", body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if Verify(mutated, ts, "n", sig, "secret", now, time.Minute) {
			t.Fatalf("mutation at byte %d still verified", i)
		}
	}
}

func TestVerifyBranches(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := Sign(ts, "n", "secret", body)
	old := fmt.Sprintf("%d", now.Add(-6*time.Minute).Unix())
	future := fmt.Sprintf("%d", now.Add(6*time.Minute).Unix())

	cases := []struct {
		name                  string
		body                  []byte
		ts, nonce, sig, secret string
	}{
		{"empty body", nil, ts, "n", sig, "secret"},
		{"missing timestamp", body, "", "n", sig, "secret"},
		{"missing nonce", body, ts, "", sig, "secret"},
		{"missing signature", body, ts, "n", "", "secret"},
		{"missing secret", body, ts, "n", sig, ""},
		{"bad timestamp", body, "yesterday", "n", sig, "secret"},
		{"expired", body, old, "n", Sign(old, "n", "secret", body), "secret"},
		{"future", body, future, "n", Sign(future, "n", "secret", body), "secret"},
		{"wrong secret", body, ts, "n", sig, "other"},
		{"wrong nonce", body, ts, "m", sig, "secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Verify(tc.body, tc.ts, tc.nonce, tc.sig, tc.secret, now, 5*time.Minute) {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestVerifyDefaultTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	ts := fmt.Sprintf("%d", now.Add(-4*time.Minute).Unix())
	if !Verify(body, ts, "n", Sign(ts, "n", "k", body), "k", now, 0) {
		t.Fatal("expected 4 minute old request inside default tolerance")
	}
}

func TestVerifyToken(t *testing.T) {
	if !VerifyToken("anything", "") {
		t.Error("empty configured token should disable the check")
	}
	if !VerifyToken("tok", "tok") {
		t.Error("expected matching token to pass")
	}
	if VerifyToken("tok2", "tok") || VerifyToken("", "tok") {
		t.Error("expected mismatched token to fail")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := []byte(`{"challenge":"abc","type":"url_verification"}`)
	enc, err := Encrypt(plain, "test key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(enc, "test key")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("round trip mismatch: %s", got)
	}

	if _, err := Decrypt(enc, "wrong key"); err == nil {
		// A wrong key almost always breaks padding; if it does not, the
		// plaintext must at least differ.
		if out, _ := Decrypt(enc, "wrong key"); string(out) == string(plain) {
			t.Fatal("wrong key decrypted to the original plaintext")
		}
	}
}

func TestDecryptErrors(t *testing.T) {
	if _, err := Decrypt("abc", ""); err == nil {
		t.Error("expected error without key")
	}
	if _, err := Decrypt("!!!not base64", "k"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := Decrypt("AAAA", "k"); err == nil {
		t.Error("expected length error")
	}
}

func TestErrAuthWrapping(t *testing.T) {
	err := fmt.Errorf("%w: signature mismatch", ErrAuth)
	if !errors.Is(err, ErrAuth) {
		t.Fatal("expected wrapped ErrAuth")
	}
}
