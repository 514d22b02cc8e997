// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// ReferenceLength is the length of a transaction reference.
const ReferenceLength = 12

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// New generates a random (version 4) UUID string, used for request ids.
func New() string {
	return uuid.NewString()
}

// Reference generates a transaction reference of ReferenceLength upper-case
// letters and digits.
func Reference() string {
	return randomString(ReferenceLength, referenceAlphabet)
}

func randomString(n int, alphabet string) string {
	size := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, size)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out)
}
