package envelope

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// Format of `openssl aes-256-cbc -md sha3-512 -a -pbkdf2`.
const (
	saltMagic        = "Salted__"
	saltLen          = 8
	keyLen           = 32
	pbkdf2Iterations = 10000
	armorWidth       = 64
)

var (
	errMissingHeader = errors.New("missing salt header")
	errBadLength     = errors.New("ciphertext is not a whole number of blocks")
	errBadPadding    = errors.New("bad padding")
)

// OpenSSL is a native implementation of the codec agents drive through the
// openssl command line, so both sides interoperate without a subprocess.
type OpenSSL struct {
	secret []byte
	rand   io.Reader
}

// NewOpenSSL returns the native cipher keyed by secret.
func NewOpenSSL(secret string) *OpenSSL {
	return &OpenSSL{secret: []byte(secret), rand: rand.Reader}
}

// Encrypt salts, encrypts and base64-armors plaintext.
func (o *OpenSSL) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(o.rand, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	block, iv, err := o.block(salt)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	raw := make([]byte, len(saltMagic)+saltLen+len(padded))
	copy(raw, saltMagic)
	copy(raw[len(saltMagic):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(raw[len(saltMagic)+saltLen:], padded)

	return armor(raw), nil
}

// Decrypt reverses Encrypt. A wrong secret almost always shows up as bad padding.
func (o *OpenSSL) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	raw, err := dearmor(ciphertext)
	if err != nil {
		return nil, err
	}

	headerLen := len(saltMagic) + saltLen
	if len(raw) < headerLen || !bytes.Equal(raw[:len(saltMagic)], []byte(saltMagic)) {
		return nil, errMissingHeader
	}
	body := raw[headerLen:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, errBadLength
	}

	block, iv, err := o.block(raw[len(saltMagic):headerLen])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return unpad(out, aes.BlockSize)
}

func (o *OpenSSL) block(salt []byte) (cipher.Block, []byte, error) {
	derived := pbkdf2.Key(o.secret, salt, pbkdf2Iterations, keyLen+aes.BlockSize, sha3.New512)
	block, err := aes.NewCipher(derived[:keyLen])
	if err != nil {
		return nil, nil, err
	}
	return block, derived[keyLen:], nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}

// armor base64-encodes with a newline every 64 columns and a final newline.
func armor(raw []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(raw)
	var buf bytes.Buffer
	buf.Grow(len(enc) + len(enc)/armorWidth + 1)
	for len(enc) > armorWidth {
		buf.WriteString(enc[:armorWidth])
		buf.WriteByte('\n')
		enc = enc[armorWidth:]
	}
	buf.WriteString(enc)
	buf.WriteByte('\n')
	return buf.Bytes()
}

func dearmor(b []byte) ([]byte, error) {
	compact := bytes.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, b)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
	n, err := base64.StdEncoding.Decode(out, compact)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return out[:n], nil
}
