package utils

import (
	"crypto/md5"
	"fmt"
)

// HashString produces a short cache key; not for credentials.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}
