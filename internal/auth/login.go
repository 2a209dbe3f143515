// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// The identity provider redirects back with a "data" parameter holding an
// OpenSSL-compatible AES-256-CBC envelope ("Salted__" | salt | ciphertext),
// base64-encoded twice. The key and IV come from EVP_BytesToKey with MD5.

const (
	saltedMagic = "Salted__"
	saltLen     = 8
	aesKeyLen   = 32
)

// LoginResult is the decoded login callback.
type LoginResult struct {
	User       User
	Credential Credential
}

type loginPayload struct {
	User         json.RawMessage `json:"user"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
}

// DecodeLoginCallback decrypts the callback data with passphrase. The data
// may be the raw parameter value or a full callback URL carrying it.
func DecodeLoginCallback(data, passphrase string) (*LoginResult, error) {
	data = extractDataParam(strings.TrimSpace(data))
	if data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidCallback)
	}

	outer, err := decodeBase64(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	envelope, err := decodeBase64(strings.TrimSpace(string(outer)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	plain, err := openSaltedAES(envelope, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	var payload loginPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	raw := bytes.TrimSpace(payload.User)
	if len(raw) == 0 || string(raw) == "false" || string(raw) == "null" {
		return nil, ErrAccessDenied
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrInvalidCallback, err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrInvalidCallback)
	}

	result := &LoginResult{
		User: user,
		Credential: Credential{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
		},
	}
	if user.Exp > 0 {
		result.Credential.Expiry = time.Unix(user.Exp, 0)
	}
	return result, nil
}

// extractDataParam accepts "…?data=XYZ" as well as the bare value.
func extractDataParam(s string) string {
	if !strings.Contains(s, "data=") {
		return s
	}
	query := s
	if i := strings.IndexByte(s, '?'); i >= 0 {
		query = s[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return s
	}
	if v := values.Get("data"); v != "" {
		return v
	}
	return s
}

// decodeBase64 tolerates both alphabets and missing padding.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// openSaltedAES decrypts an OpenSSL "Salted__" envelope.
func openSaltedAES(envelope, passphrase []byte) ([]byte, error) {
	if len(envelope) < len(saltedMagic)+saltLen+aes.BlockSize ||
		string(envelope[:len(saltedMagic)]) != saltedMagic {
		return nil, fmt.Errorf("not a salted envelope")
	}
	salt := envelope[len(saltedMagic) : len(saltedMagic)+saltLen]
	ciphertext := envelope[len(saltedMagic)+saltLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	key, iv := evpBytesToKey(passphrase, salt, aesKeyLen, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

// evpBytesToKey is OpenSSL's legacy MD5 key derivation with one iteration.
func evpBytesToKey(passphrase, salt []byte, keyLen, ivLen int) ([]byte, []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("bad padding (wrong key?)")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("bad padding (wrong key?)")
		}
	}
	return b[:len(b)-n], nil
}
