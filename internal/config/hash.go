package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the BLAKE3 hash of a config file. The daemon logs it at
// startup so operators can tie a running pool to an exact config revision.
func Fingerprint(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read config: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFingerprint checks a config file against an expected BLAKE3 hash.
func VerifyFingerprint(configPath, expected string) error {
	actual, err := Fingerprint(configPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("config fingerprint mismatch for %s: expected %s, got %s",
			filepath.Base(configPath), expected, actual)
	}
	return nil
}
