package provision

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// SecretLength is the length of generated master passwords.
const SecretLength = 30

// secretAlphabet avoids '/', '@', '"' and ' ', which RDS rejects in master
// passwords.
const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~!#%^*+="

// GenerateSecret returns a random master password.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretLength)
	limit := big.NewInt(int64(len(secretAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		buf[i] = secretAlphabet[n.Int64()]
	}
	return string(buf), nil
}
