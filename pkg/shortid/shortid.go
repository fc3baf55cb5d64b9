// Package shortid derives short, stable tokens from arbitrary strings.
package shortid

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// Length of every derived token.
const Length = 8

var ErrUnavailableCryptoPrimitive = errors.New("sha-256 is not available")

// Derive hashes input with SHA-256, joins the decimal form of every digest
// byte, base64 encodes the joined digits and keeps the 8 characters that
// precede the last two.
func Derive(input string) (string, error) {
	if !crypto.SHA256.Available() {
		return "", ErrUnavailableCryptoPrimitive
	}

	h := crypto.SHA256.New()
	_, _ = h.Write([]byte(input))

	var digits strings.Builder
	for _, b := range h.Sum(nil) {
		digits.WriteString(strconv.Itoa(int(b)))
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(digits.String()))
	return encoded[len(encoded)-Length-2 : len(encoded)-2], nil
}
