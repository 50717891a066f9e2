package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenFile is the on-disk form of the handshake secret.
type TokenFile struct {
	TokenHash string `json:"token_hash,omitempty"`
	Token     string `json:"token,omitempty"` // plain text, hashed on first load
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

const currentTokenFileVersion = 1

// LoadTokenHash reads a token file and returns its bcrypt hash. A file that
// still holds a plain token is rewritten with the hash in its place.
func LoadTokenHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("token file not found: %s", filePath)
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("failed to parse token file: %w", err)
	}

	if tf.TokenHash != "" {
		if !isBcryptHash(tf.TokenHash) {
			return "", fmt.Errorf("token_hash is not a valid bcrypt hash (must start with $2a$, $2b$, or $2y$)")
		}
		return tf.TokenHash, nil
	}

	if tf.Token == "" {
		return "", fmt.Errorf("token file missing token or token_hash field")
	}

	hash, err := HashToken(tf.Token, 0)
	if err != nil {
		return "", err
	}
	if err := saveTokenFile(filePath, &TokenFile{
		TokenHash: hash,
		Version:   currentTokenFileVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", fmt.Errorf("failed to save hashed token: %w", err)
	}
	return hash, nil
}

// WriteTokenFile stores the bcrypt hash of token at filePath with 0600
// permissions.
func WriteTokenFile(filePath, token string, cost int) error {
	hash, err := HashToken(token, cost)
	if err != nil {
		return err
	}
	return saveTokenFile(filePath, &TokenFile{
		TokenHash: hash,
		Version:   currentTokenFileVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// saveTokenFile atomically saves the token file
func saveTokenFile(filePath string, tf *TokenFile) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token file: %w", err)
	}

	// Atomic write: temp file + rename
	tmpFile := filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
