// Package payload implements the symmetric envelope that protects verification
// request and response bodies between client and server.
//
// The wire format is Base64(IV || AES-128-CBC(PKCS#7(json))). The key is
// pre-shared, so the envelope only hides the payload shape from passive
// observers; anyone holding the client key can forge it.
package payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// KeySize is the length in bytes of the pre-shared key.
const KeySize = 16

var (
	ErrInvalidKeyLength = errors.New("payload key must be 16 bytes")
	ErrDecrypt          = errors.New("payload decrypt failed")
)

// Envelope is the JSON body exchanged with the verify endpoint.
type Envelope struct {
	Data string `json:"data"`
}

// Codec encrypts and decrypts JSON payloads under one pre-shared key.
type Codec struct {
	block cipher.Block
	rand  io.Reader
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Codec{block: block, rand: rand.Reader}, nil
}

// Encrypt marshals v to JSON and seals it under a freshly drawn IV.
func (c *Codec) Encrypt(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Seal is Encrypt wrapped into the wire envelope.
func (c *Codec) Seal(v any) (Envelope, error) {
	data, err := c.Encrypt(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: data}, nil
}

// Decrypt returns the decoded JSON value, or nil when the input cannot be
// decoded for any reason.
func (c *Codec) Decrypt(encoded string) any {
	var v any
	if err := c.DecryptInto(encoded, &v); err != nil {
		return nil
	}
	return v
}

// DecryptInto opens encoded and unmarshals the JSON plaintext into v. Every
// failure wraps ErrDecrypt.
func (c *Codec) DecryptInto(encoded string, v any) error {
	plain, err := c.open(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return nil
}

// Open decrypts an envelope into v.
func (c *Codec) Open(env Envelope, v any) error {
	return c.DecryptInto(env.Data, v)
}

func (c *Codec) open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	if len(raw) < 2*aes.BlockSize {
		return nil, errors.New("ciphertext too short")
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(plain) {
		return nil, errors.New("plaintext is not valid utf-8")
	}
	return plain, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errors.New("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
