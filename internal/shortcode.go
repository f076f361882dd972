package internal

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	alphabet        = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ShortCodeLength = 8
)

var alphabetSize = big.NewInt(int64(len(alphabet)))

// CodeGenerator returns a fresh candidate short code.
type CodeGenerator func() (string, error)

// GenerateShortCode draws ShortCodeLength characters uniformly from the
// alphanumeric alphabet using crypto/rand.
func GenerateShortCode() (string, error) {
	return generateFrom(rand.Reader, ShortCodeLength)
}

func generateFrom(r io.Reader, length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(r, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate short code: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}
