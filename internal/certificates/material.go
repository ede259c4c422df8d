package certificates

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

const pemHeaderFriendlyName = "friendlyName"

// Material is a PKCS#12 bundle with the passphrase that opens it.
type Material struct {
	Bytes        []byte
	Passphrase   string
	FriendlyName string
}

// NewMaterial wraps the bundle and reads the friendly name of the first bag that carries one.
// Bundles the decoder cannot read (for example AES encrypted ones) keep an empty friendly name;
// the keychain import remains the authority on whether the bundle is usable.
func NewMaterial(content []byte, passphrase string) Material {
	material := Material{Bytes: content, Passphrase: passphrase}
	friendlyName, err := ReadFriendlyName(content, passphrase)
	if err == nil {
		material.FriendlyName = friendlyName
	}
	return material
}

// ReadFriendlyName returns the friendlyName bag attribute of the bundle.
func ReadFriendlyName(content []byte, passphrase string) (string, error) {
	blocks, err := pkcs12.ToPEM(content, passphrase)
	if err != nil {
		return "", fmt.Errorf("decode pkcs12 bundle: %w", err)
	}
	for _, block := range blocks {
		if name := strings.TrimSpace(block.Headers[pemHeaderFriendlyName]); name != "" {
			return name, nil
		}
	}
	return "", nil
}
