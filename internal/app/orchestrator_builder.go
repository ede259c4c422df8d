package app

import (
	"fmt"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/internal/keychain"
	"github.com/tyemirov/ciprovision/internal/openssl"
	"github.com/tyemirov/ciprovision/internal/outputs"
	"github.com/tyemirov/ciprovision/internal/process"
	"github.com/tyemirov/ciprovision/internal/profiles"
	"github.com/tyemirov/ciprovision/internal/provisioning"
)

// buildSystemOrchestrator wires the orchestrator to the security and openssl tools, the App Store Connect API
// and the local file system.
func buildSystemOrchestrator(resources *applicationResources, options orchestratorOptions) (provisioning.Orchestrator, error) {
	loggingService := resources.loggingService
	fileSystem := certificates.NewOperatingSystemFileSystem()
	commandRunner := process.NewExecutableRunner(loggingService)

	keychainManager, err := keychain.NewManager(commandRunner, fileSystem, keychain.Configuration{
		KeychainsDirectory: keychain.DefaultKeychainsDirectory(resources.homeDirectory),
	})
	if err != nil {
		return provisioning.Orchestrator{}, fmt.Errorf("configure keychain manager: %w", err)
	}
	emitter, err := outputs.New(options.OutputKind, resources.lookupEnvironment, resources.outputWriter, loggingService)
	if err != nil {
		return provisioning.Orchestrator{}, fmt.Errorf("configure output variables: %w", err)
	}

	catalogFactory := func(credentials appstore.Credentials) (provisioning.ProfileCatalog, error) {
		tokenSource, tokenErr := appstore.NewTokenSource(credentials, appstore.SystemClock{})
		if tokenErr != nil {
			return nil, tokenErr
		}
		client, clientErr := appstore.NewClient(tokenSource, loggingService, appstore.Configuration{
			BaseURL: options.CatalogBaseURL,
			LogHTTP: options.LogHTTP,
		})
		if clientErr != nil {
			return nil, clientErr
		}
		return client, nil
	}

	return provisioning.NewOrchestrator(provisioning.Dependencies{
		CredentialStore:   keychainManager,
		Extractor:         openssl.NewExtractor(commandRunner, openssl.Configuration{Legacy: options.OpenSSLLegacy}),
		CatalogFactory:    catalogFactory,
		Installer:         profiles.NewInstaller(fileSystem, loggingService, appstore.SystemClock{}),
		Emitter:           emitter,
		FileSystem:        fileSystem,
		LoggingService:    loggingService,
		LookupEnvironment: resources.lookupEnvironment,
	})
}
