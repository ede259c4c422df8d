package provisioning

import (
	"context"
	"strings"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	logMessageDeleteKeychain  = "deleting keychain"
	logMessageNothingToDelete = "keychain not found or is the default keychain, nothing to delete"
)

// DeprovisionRequest names the build keychain to remove and the keychain to make default afterwards.
type DeprovisionRequest struct {
	KeychainName    string
	DefaultKeychain string
}

// Deprovision deletes the build keychain when it exists and is not the login keychain.
func (orchestrator Orchestrator) Deprovision(ctx context.Context, request DeprovisionRequest) error {
	store := orchestrator.dependencies.CredentialStore
	loggingService := orchestrator.dependencies.LoggingService

	keychainName := strings.TrimSpace(request.KeychainName)
	if keychainName == "" {
		keychainName = DefaultKeychainName
	}
	descriptor, err := store.Inspect(keychainName)
	if err != nil {
		return ioError(StepInspectKeychain, err)
	}
	if !descriptor.Exists || descriptor.IsDefault {
		loggingService.Info(logMessageNothingToDelete, logging.String(logFieldKeychain, descriptor.Path))
		return nil
	}

	loggingService.Info(logMessageDeleteKeychain, logging.String(logFieldKeychain, descriptor.Path))
	if outcome := store.Delete(ctx, keychainName); !outcome.Succeeded {
		return outcomeError(ctx, StepDeleteKeychain, KindProcessInvocationFailure, outcome)
	}

	defaultKeychain := strings.TrimSpace(request.DefaultKeychain)
	if defaultKeychain == "" {
		return nil
	}
	loggingService.Info(logMessageSetDefault, logging.String(logFieldKeychain, defaultKeychain))
	if outcome := store.SetDefault(ctx, defaultKeychain); !outcome.Succeeded {
		return outcomeError(ctx, StepSetDefaultKeychain, KindProcessInvocationFailure, outcome)
	}
	return nil
}
