package appstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tyemirov/ciprovision/internal/certificates"
)

const (
	apiKeyDirectoryPermissions = 0o700
	apiKeyFilePermissions      = 0o600
)

// DefaultAPIKeyDirectory returns ~/private_keys, one of the directories altool and notarytool search for keys.
func DefaultAPIKeyDirectory(homeDirectory string) string {
	return filepath.Join(homeDirectory, "private_keys")
}

// APIKeyFileName returns the file name Apple tooling expects for a key id.
func APIKeyFileName(keyID string) string {
	return "AuthKey_" + keyID + ".p8"
}

// InstallPrivateKey writes the API private key where Apple command line tools look for it and returns the path.
func InstallPrivateKey(fileSystem certificates.FileSystem, directory string, keyID string, privateKeyPEM string) (string, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || strings.ContainsAny(keyID, `/\`) {
		return "", fmt.Errorf("invalid api key id %q", keyID)
	}
	if strings.TrimSpace(privateKeyPEM) == "" {
		return "", fmt.Errorf("api private key is required")
	}
	if err := fileSystem.EnsureDirectory(directory, apiKeyDirectoryPermissions); err != nil {
		return "", fmt.Errorf("create api key directory %s: %w", directory, err)
	}
	keyPath := filepath.Join(directory, APIKeyFileName(keyID))
	content := privateKeyPEM
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := fileSystem.WriteFile(keyPath, []byte(content), apiKeyFilePermissions); err != nil {
		return "", fmt.Errorf("write api key %s: %w", keyPath, err)
	}
	return keyPath, nil
}
