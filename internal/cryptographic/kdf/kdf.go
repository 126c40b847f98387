package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Stream returns the HKDF-SHA256(secret, salt, info) output stream. Callers
// may read past the first block.
func Stream(secret, salt, info []byte) io.Reader {
	return hkdf.New(sha256.New, secret, salt, info)
}
