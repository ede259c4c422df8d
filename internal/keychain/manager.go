package keychain

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/internal/process"
)

const (
	// DefaultKeychainName is the user's login keychain; it is never created or deleted here.
	DefaultKeychainName = "login.keychain-db"

	// DefaultSecurityExecutable is the macOS keychain tool.
	DefaultSecurityExecutable = "/usr/bin/security"

	// AutoLockTimeout is applied to every keychain this package creates.
	AutoLockTimeout = 6 * time.Hour

	keychainSuffix       = ".keychain-db"
	legacyKeychainSuffix = ".keychain"
	codesignExecutable   = "/usr/bin/codesign"
	partitionList        = "apple-tool:,apple:,codesign:"
)

// Descriptor identifies a keychain on disk. It reflects operating system state and is never cached.
type Descriptor struct {
	Name      string
	Path      string
	Exists    bool
	IsDefault bool
}

// Manager drives the security tool against named keychains.
type Manager struct {
	commandRunner      process.Runner
	fileSystem         certificates.FileSystem
	keychainsDirectory string
	securityExecutable string
}

// Configuration controls where keychains live and which tool manages them.
type Configuration struct {
	// KeychainsDirectory is usually ~/Library/Keychains.
	KeychainsDirectory string
	SecurityExecutable string
}

// NewManager constructs a Manager.
func NewManager(commandRunner process.Runner, fileSystem certificates.FileSystem, configuration Configuration) (Manager, error) {
	if strings.TrimSpace(configuration.KeychainsDirectory) == "" {
		return Manager{}, fmt.Errorf("keychains directory is required")
	}
	securityExecutable := configuration.SecurityExecutable
	if securityExecutable == "" {
		securityExecutable = DefaultSecurityExecutable
	}
	return Manager{
		commandRunner:      commandRunner,
		fileSystem:         fileSystem,
		keychainsDirectory: configuration.KeychainsDirectory,
		securityExecutable: securityExecutable,
	}, nil
}

// DefaultKeychainsDirectory returns ~/Library/Keychains for the given home directory.
func DefaultKeychainsDirectory(homeDirectory string) string {
	return filepath.Join(homeDirectory, "Library", "Keychains")
}

// Locate canonicalizes a keychain name into its path. It does not touch the filesystem.
func (manager Manager) Locate(name string) Descriptor {
	path := name
	if !filepath.IsAbs(name) {
		fileName := name
		switch {
		case strings.HasSuffix(fileName, keychainSuffix):
		case strings.HasSuffix(fileName, legacyKeychainSuffix):
			fileName += "-db"
		default:
			fileName += keychainSuffix
		}
		path = filepath.Join(manager.keychainsDirectory, fileName)
	}
	return Descriptor{
		Name:      name,
		Path:      path,
		IsDefault: filepath.Base(path) == DefaultKeychainName,
	}
}

// Inspect locates the keychain and reports whether its file exists.
func (manager Manager) Inspect(name string) (Descriptor, error) {
	descriptor := manager.Locate(name)
	exists, err := manager.fileSystem.FileExists(descriptor.Path)
	if err != nil {
		return descriptor, fmt.Errorf("inspect keychain %s: %w", descriptor.Path, err)
	}
	descriptor.Exists = exists
	return descriptor, nil
}

// Create creates the keychain and applies the auto-lock timeout. An existing keychain is left untouched.
func (manager Manager) Create(ctx context.Context, name string, password string) process.Outcome {
	descriptor, inspectErr := manager.Inspect(name)
	if inspectErr != nil {
		return process.Outcome{ExitCode: -1, Stderr: inspectErr.Error()}
	}
	if descriptor.Exists {
		return process.Succeeded(fmt.Sprintf("keychain already exists: %s", descriptor.Path))
	}

	createArguments := []string{"create-keychain"}
	if password != "" {
		createArguments = append(createArguments, "-p", password)
	}
	createArguments = append(createArguments, descriptor.Path)
	createOutcome := manager.security(ctx, createArguments...)
	if !createOutcome.Succeeded {
		return createOutcome
	}

	timeoutSeconds := strconv.Itoa(int(AutoLockTimeout / time.Second))
	settingsOutcome := manager.security(ctx, "set-keychain-settings", "-lut", timeoutSeconds, descriptor.Path)
	return createOutcome.Combine(settingsOutcome)
}

// SetDefault makes the keychain the user's default keychain.
func (manager Manager) SetDefault(ctx context.Context, name string) process.Outcome {
	return manager.security(ctx, "default-keychain", "-s", manager.Locate(name).Path)
}

// UpdateSearchList puts the keychain first in the user search list, keeping the login keychain reachable.
func (manager Manager) UpdateSearchList(ctx context.Context, name string) process.Outcome {
	descriptor := manager.Locate(name)
	arguments := []string{"list-keychains", "-d", "user", "-s", descriptor.Path}
	if !descriptor.IsDefault {
		arguments = append(arguments, manager.Locate(DefaultKeychainName).Path)
	}
	return manager.security(ctx, arguments...)
}

// Unlock unlocks the keychain with its password.
func (manager Manager) Unlock(ctx context.Context, name string, password string) process.Outcome {
	return manager.security(ctx, "unlock-keychain", "-p", password, manager.Locate(name).Path)
}

// Delete removes the keychain from disk and from the search list.
func (manager Manager) Delete(ctx context.Context, name string) process.Outcome {
	return manager.security(ctx, "delete-keychain", manager.Locate(name).Path)
}

// ImportPKCS12 imports a signing identity and lets codesign and security use the key without prompting.
// allowAnyAppRead widens access to every application; callers default it to true and expose an opt-out.
func (manager Manager) ImportPKCS12(ctx context.Context, filePath string, passphrase string, name string, allowAnyAppRead bool) process.Outcome {
	arguments := []string{"import", filePath, "-k", manager.Locate(name).Path, "-f", "pkcs12"}
	if allowAnyAppRead {
		arguments = append(arguments, "-A")
	}
	arguments = append(arguments,
		"-T", codesignExecutable,
		"-T", manager.securityExecutable,
		"-P", passphrase,
	)
	return manager.security(ctx, arguments...)
}

// ImportCertificate imports a certificate without a private key, such as a root or intermediate anchor.
func (manager Manager) ImportCertificate(ctx context.Context, filePath string, name string) process.Outcome {
	return manager.security(ctx, "import", filePath, "-k", manager.Locate(name).Path)
}

// SetPartitionList grants the Apple signing tools silent access to the imported keys.
func (manager Manager) SetPartitionList(ctx context.Context, password string, name string) process.Outcome {
	return manager.security(ctx, "set-key-partition-list", "-S", partitionList, "-s", "-k", password, manager.Locate(name).Path)
}

// Verify evaluates the PEM certificate against the anchors stored in the keychain.
func (manager Manager) Verify(ctx context.Context, pemFilePath string, name string) process.Outcome {
	return manager.security(ctx, "verify-cert", "-c", pemFilePath, "-k", manager.Locate(name).Path)
}

func (manager Manager) security(ctx context.Context, arguments ...string) process.Outcome {
	return manager.commandRunner.Run(ctx, manager.securityExecutable, arguments)
}
