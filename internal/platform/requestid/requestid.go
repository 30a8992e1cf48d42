package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const maxLength = 128

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Normalize trims a caller-supplied request id and returns "" when it is unusable
// (too long or containing characters outside printable ASCII).
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return ""
		}
	}
	return id
}
