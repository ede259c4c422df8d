// Package profiles installs provisioning profiles where Xcode and codesign look for them.
package profiles

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	profileFileExtension       = ".mobileprovision"
	profileDirectoryPermission = 0o755
	profileFilePermission      = 0o644

	logFieldPath             = "path"
	logFieldCatalogUUID      = "catalog_uuid"
	logFieldEmbeddedUUID     = "embedded_uuid"
	logFieldName             = "name"
	logMessageInstalled      = "installed provisioning profile"
	logMessageUninspectable  = "provisioning profile payload could not be inspected"
	logMessageUUIDMismatch   = "provisioning profile payload names a different uuid"
	logMessageProfileExpired = "provisioning profile is expired"
)

// ErrEmptyContent indicates a profile without payload.
var ErrEmptyContent = errors.New("profile has no content")

// DefaultDirectory returns ~/Library/MobileDevice/Provisioning Profiles.
func DefaultDirectory(homeDirectory string) string {
	return filepath.Join(homeDirectory, "Library", "MobileDevice", "Provisioning Profiles")
}

// Installer writes profiles to disk.
type Installer struct {
	fileSystem     certificates.FileSystem
	loggingService *logging.Service
	clock          appstore.Clock
}

// NewInstaller constructs an Installer. loggingService may be nil.
func NewInstaller(fileSystem certificates.FileSystem, loggingService *logging.Service, clock appstore.Clock) Installer {
	if clock == nil {
		clock = appstore.SystemClock{}
	}
	return Installer{fileSystem: fileSystem, loggingService: loggingService, clock: clock}
}

// FileName returns the installed file name of a profile.
func FileName(profile appstore.Profile) string {
	return profile.UUID + profileFileExtension
}

// Install decodes the profile and writes it to <directory>/<uuid>.mobileprovision, replacing any previous copy.
func (installer Installer) Install(profile appstore.Profile, directory string) (string, error) {
	if strings.TrimSpace(profile.UUID) == "" || strings.ContainsAny(profile.UUID, `/\`) {
		return "", fmt.Errorf("profile %s has an unusable uuid %q", profile.ID, profile.UUID)
	}
	content, err := decodeContent(profile.Content)
	if err != nil {
		return "", fmt.Errorf("decode profile %s: %w", profile.UUID, err)
	}
	if err := installer.fileSystem.EnsureDirectory(directory, profileDirectoryPermission); err != nil {
		return "", fmt.Errorf("create profile directory %s: %w", directory, err)
	}
	profilePath := filepath.Join(directory, FileName(profile))
	if err := installer.fileSystem.WriteFile(profilePath, content, profileFilePermission); err != nil {
		return "", fmt.Errorf("write profile %s: %w", profilePath, err)
	}

	if installer.loggingService != nil {
		installer.loggingService.Info(logMessageInstalled, logging.String(logFieldPath, profilePath), logging.String(logFieldName, profile.Name))
		installer.reportPayload(profile, content)
	}
	return profilePath, nil
}

func (installer Installer) reportPayload(profile appstore.Profile, content []byte) {
	summary, err := Inspect(content)
	if err != nil {
		installer.loggingService.Warn(logMessageUninspectable, logging.String(logFieldCatalogUUID, profile.UUID), logging.ErrorField(err))
		return
	}
	if !strings.EqualFold(summary.UUID, profile.UUID) {
		installer.loggingService.Warn(
			logMessageUUIDMismatch,
			logging.String(logFieldCatalogUUID, profile.UUID),
			logging.String(logFieldEmbeddedUUID, summary.UUID),
		)
	}
	if !summary.ExpirationDate.IsZero() && summary.ExpirationDate.Before(installer.clock.Now()) {
		installer.loggingService.Warn(logMessageProfileExpired, logging.String(logFieldCatalogUUID, profile.UUID), logging.String(logFieldName, summary.Name))
	}
}

func decodeContent(encoded string) ([]byte, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	if compact == "" {
		return nil, ErrEmptyContent
	}
	return base64.StdEncoding.DecodeString(compact)
}
