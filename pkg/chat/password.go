package chat

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltBytes    = 16
	cookieBytes  = 128
	channelBytes = 32

	// Argon2id parameters. Changing them invalidates every stored hash.
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

// randomHex returns n bytes from r, hex encoded.
func randomHex(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newSalt() (string, error) {
	return randomHex(rand.Reader, saltBytes)
}

func newSessionCookie() (string, error) {
	return randomHex(rand.Reader, cookieBytes)
}

func newChannelID() (string, error) {
	return randomHex(rand.Reader, channelBytes)
}

// hashPassword derives the stored digest for password under salt.
func hashPassword(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(key)
}

// passwordMatches compares in constant time.
func passwordMatches(password, salt, hashed string) bool {
	return subtle.ConstantTimeCompare([]byte(hashPassword(password, salt)), []byte(hashed)) == 1
}
