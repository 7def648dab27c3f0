package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// SelfDigest is the SHA-256 of the running executable.
func SelfDigest() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return FileDigest(exe)
}

func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open executable: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash executable: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySelfIntegrity fails when the running executable does not hash to expected.
func VerifySelfIntegrity(expected string) error {
	actual, err := SelfDigest()
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("self-integrity mismatch: expected %s got %s", expected, actual)
	}
	return nil
}
