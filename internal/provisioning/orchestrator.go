// Package provisioning prepares a macOS build agent for code signing: keychain, signing identity,
// trust chain, API key and provisioning profiles.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/internal/keychain"
	"github.com/tyemirov/ciprovision/internal/matching"
	"github.com/tyemirov/ciprovision/internal/outputs"
	"github.com/tyemirov/ciprovision/internal/process"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

// DefaultKeychainName is used when the request names no keychain.
const DefaultKeychainName = "build"

const (
	outputKeychain                     = "Keychain"
	outputKeychainPassword             = "KeychainPassword"
	outputAppleCertificateFriendlyName = "AppleCertificateFriendlyName"
	outputBundleIdentifiers            = "BundleIdentifiers"
	outputBundleIdentifierPrefix       = "BundleIdentifier"
	outputProfileTypes                 = "ProfileTypes"
	outputProfileTypePrefix            = "ProfileType"
	outputInstalledProfiles            = "InstalledProfiles"

	certificateExtension = ".p12"
	anchorExtension      = ".cer"
	leafExtension        = ".pem"

	logFieldKeychain           = "keychain"
	logFieldAllowAnyAppRead    = "allow_any_app_read"
	logFieldPath               = "path"
	logFieldBundleIDs          = "bundle_identifiers"
	logFieldProfileTypes       = "profile_types"
	logFieldProfileName        = "name"
	logFieldProfileUUID        = "uuid"
	logFieldProfileType        = "profile_type"
	logFieldBundleIdentifier   = "bundle_identifier"
	logFieldCount              = "count"
	logFieldOutput             = "output"
	logMessageSkipStore        = "certificate not specified, skipping keychain setup"
	logMessageKeychainExists   = "keychain already exists"
	logMessageCreateKeychain   = "creating keychain"
	logMessageSetDefault       = "setting default keychain"
	logMessageUnlockFailed     = "failed to unlock keychain"
	logMessageSearchListFailed = "failed to update keychain search list"
	logMessageImport           = "importing certificate"
	logMessagePartitionList    = "setting partition list"
	logMessageVerifyChain      = "verifying certificate chain"
	logMessageChainVerified    = "certificate chain verified"
	logMessageAPIKeySaved      = "saved api key"
	logMessageFetchProfiles    = "installing provisioning profiles"
	logMessageProfileMatched   = "installing profile"
	logMessageProfilesDone     = "provisioning profiles installed"
	logMessageScratchCleanup   = "failed to remove scratch directory"
)

// CredentialStore manages keychains through the security tool.
type CredentialStore interface {
	Inspect(name string) (keychain.Descriptor, error)
	Create(ctx context.Context, name string, password string) process.Outcome
	SetDefault(ctx context.Context, name string) process.Outcome
	UpdateSearchList(ctx context.Context, name string) process.Outcome
	Unlock(ctx context.Context, name string, password string) process.Outcome
	Delete(ctx context.Context, name string) process.Outcome
	ImportPKCS12(ctx context.Context, filePath string, passphrase string, name string, allowAnyAppRead bool) process.Outcome
	ImportCertificate(ctx context.Context, filePath string, name string) process.Outcome
	SetPartitionList(ctx context.Context, password string, name string) process.Outcome
	Verify(ctx context.Context, pemFilePath string, name string) process.Outcome
}

// LeafExtractor converts a PKCS#12 bundle into a PEM leaf certificate.
type LeafExtractor interface {
	ExtractLeafPEM(ctx context.Context, pkcs12Path string, passphrase string, outputPath string) process.Outcome
}

// ProfileCatalog lists profiles and resolves their bundle identifiers.
type ProfileCatalog interface {
	ListActiveProfiles(ctx context.Context, profileTypes []appstore.ProfileType, pageLimit int) iter.Seq2[appstore.Profile, error]
	ResolveBundleID(ctx context.Context, profileID string) (appstore.BundleID, error)
}

// CatalogFactory connects to the catalog with the request's API key.
type CatalogFactory func(credentials appstore.Credentials) (ProfileCatalog, error)

// ProfileInstaller writes a profile into a directory and returns its path.
type ProfileInstaller interface {
	Install(profile appstore.Profile, directory string) (string, error)
}

// Dependencies wires the orchestrator to its collaborators.
type Dependencies struct {
	CredentialStore CredentialStore
	Extractor       LeafExtractor
	CatalogFactory  CatalogFactory
	Installer       ProfileInstaller
	Emitter         outputs.Emitter
	FileSystem      certificates.FileSystem
	LoggingService  *logging.Service

	// LookupEnvironment resolves inputs naming environment variables; nil uses the process environment.
	LookupEnvironment certificates.EnvironmentLookup

	// ScratchParent hosts the per-run scratch directory; empty uses the system temporary directory.
	ScratchParent string
}

// Request describes one provisioning run. Certificate inputs accept a file path, an environment
// variable holding base64 data, or base64 data.
type Request struct {
	KeychainName     string
	KeychainPassword string

	Certificate             string
	CertificatePassphrase   string
	RootCertificate         string
	IntermediateCertificate string
	AllowAnyAppRead         bool

	BundleIdentifiers []string
	ProfileTypes      []appstore.ProfileType
	ProfileDirectory  string

	APIKeyID        string
	APIIssuerID     string
	APIPrivateKey   string
	InstallAPIKey   bool
	APIKeyDirectory string

	PageLimit          int
	ResolveConcurrency int
}

// InstalledProfile records one profile written during the run.
type InstalledProfile struct {
	UUID             string
	Name             string
	ProfileType      appstore.ProfileType
	BundleIdentifier string
	Path             string
}

// Report summarizes what a run did.
type Report struct {
	Keychain            keychain.Descriptor
	StoreEstablished    bool
	CertificateImported bool
	FriendlyName        string
	ChainVerified       bool
	APIKeyPath          string
	InstalledProfiles   []InstalledProfile
	Warnings            []string
}

// Orchestrator runs the provisioning pipeline.
type Orchestrator struct {
	dependencies Dependencies
	resolver     certificates.Resolver
}

// NewOrchestrator validates the dependencies.
func NewOrchestrator(dependencies Dependencies) (Orchestrator, error) {
	switch {
	case dependencies.CredentialStore == nil:
		return Orchestrator{}, errors.New("credential store is required")
	case dependencies.Extractor == nil:
		return Orchestrator{}, errors.New("leaf extractor is required")
	case dependencies.CatalogFactory == nil:
		return Orchestrator{}, errors.New("catalog factory is required")
	case dependencies.Installer == nil:
		return Orchestrator{}, errors.New("profile installer is required")
	case dependencies.Emitter == nil:
		return Orchestrator{}, errors.New("output emitter is required")
	case dependencies.FileSystem == nil:
		return Orchestrator{}, errors.New("file system is required")
	case dependencies.LoggingService == nil:
		return Orchestrator{}, errors.New("logging service is required")
	}
	return Orchestrator{
		dependencies: dependencies,
		resolver:     certificates.NewResolver(dependencies.FileSystem, dependencies.LookupEnvironment),
	}, nil
}

// runPlan is a validated request with every input resolved.
type runPlan struct {
	request                 Request
	keychainName            string
	keychainPassword        string
	descriptor              keychain.Descriptor
	certificate             []byte
	rootCertificate         []byte
	intermediateCertificate []byte
	apiPrivateKey           string
}

func (plan runPlan) verifyChain() bool {
	return plan.rootCertificate != nil && plan.intermediateCertificate != nil && !plan.descriptor.IsDefault
}

// Provision runs the pipeline and stops at the first fatal failure. Unlock failures are only warnings.
func (orchestrator Orchestrator) Provision(ctx context.Context, request Request) (Report, error) {
	report := Report{}
	plan, err := orchestrator.validate(request)
	if err != nil {
		return report, err
	}
	report.Keychain = plan.descriptor

	if plan.certificate == nil {
		orchestrator.dependencies.LoggingService.Info(logMessageSkipStore)
	} else {
		scratch, scratchErr := certificates.NewScratch(orchestrator.dependencies.FileSystem, orchestrator.dependencies.ScratchParent)
		if scratchErr != nil {
			return report, ioError(StepWriteScratch, scratchErr)
		}
		defer orchestrator.cleanup(scratch)

		if err := orchestrator.establishStore(ctx, plan, &report); err != nil {
			return report, err
		}
		if err := orchestrator.importCertificate(ctx, plan, scratch, &report); err != nil {
			return report, err
		}
	}

	if request.InstallAPIKey {
		keyPath, installErr := appstore.InstallPrivateKey(orchestrator.dependencies.FileSystem, request.APIKeyDirectory, request.APIKeyID, plan.apiPrivateKey)
		if installErr != nil {
			return report, ioError(StepInstallAPIKey, installErr)
		}
		report.APIKeyPath = keyPath
		orchestrator.dependencies.LoggingService.Info(logMessageAPIKeySaved, logging.String(logFieldPath, keyPath))
	}

	if len(request.BundleIdentifiers) > 0 {
		if err := orchestrator.installProfiles(ctx, plan, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (orchestrator Orchestrator) validate(request Request) (runPlan, error) {
	resolver := orchestrator.resolver
	result := runPlan{request: request}

	result.keychainName = strings.TrimSpace(request.KeychainName)
	if result.keychainName == "" {
		result.keychainName = DefaultKeychainName
	}
	result.keychainPassword = request.KeychainPassword
	if result.keychainPassword == "" {
		result.keychainPassword = result.keychainName
	}

	var err error
	if result.certificate, err = resolver.Resolve(request.Certificate); err != nil {
		return runPlan{}, validationError("certificate: %w", err)
	}
	if result.rootCertificate, err = resolver.Resolve(request.RootCertificate); err != nil {
		return runPlan{}, validationError("root certificate: %w", err)
	}
	if result.intermediateCertificate, err = resolver.Resolve(request.IntermediateCertificate); err != nil {
		return runPlan{}, validationError("intermediate certificate: %w", err)
	}
	if (result.rootCertificate == nil) != (result.intermediateCertificate == nil) {
		return runPlan{}, validationError("root and intermediate certificates must be supplied together")
	}
	if result.rootCertificate != nil && result.certificate == nil {
		return runPlan{}, validationError("certificate chain verification requires a certificate")
	}

	if result.descriptor, err = orchestrator.dependencies.CredentialStore.Inspect(result.keychainName); err != nil {
		return runPlan{}, validationError("keychain: %w", err)
	}
	if result.certificate != nil && result.descriptor.IsDefault && !result.descriptor.Exists {
		return runPlan{}, validationError("the default keychain %s does not exist and is never created", result.descriptor.Path)
	}

	installProfiles := len(request.BundleIdentifiers) > 0
	if installProfiles || request.InstallAPIKey {
		if result.apiPrivateKey, err = resolver.ResolveText(request.APIPrivateKey); err != nil {
			return runPlan{}, validationError("api private key: %w", err)
		}
	}
	if installProfiles {
		credentials := appstore.Credentials{KeyID: request.APIKeyID, IssuerID: request.APIIssuerID, PrivateKeyPEM: result.apiPrivateKey}
		if _, err := appstore.NewTokenSource(credentials, nil); err != nil {
			return runPlan{}, validationError("app store connect credentials: %w", err)
		}
	}
	if request.InstallAPIKey {
		if strings.TrimSpace(request.APIKeyID) == "" {
			return runPlan{}, validationError("api key id is required to install the api key")
		}
		if strings.TrimSpace(result.apiPrivateKey) == "" {
			return runPlan{}, validationError("api private key is required to install the api key")
		}
		if strings.TrimSpace(request.APIKeyDirectory) == "" {
			return runPlan{}, validationError("api key directory is required to install the api key")
		}
	}
	if installProfiles && strings.TrimSpace(request.ProfileDirectory) == "" {
		return runPlan{}, validationError("profile directory is required")
	}
	return result, nil
}

func (orchestrator Orchestrator) establishStore(ctx context.Context, plan runPlan, report *Report) error {
	store := orchestrator.dependencies.CredentialStore
	loggingService := orchestrator.dependencies.LoggingService
	keychainField := logging.String(logFieldKeychain, plan.descriptor.Path)

	if err := orchestrator.emit(outputKeychain, plan.descriptor.Path, false); err != nil {
		return err
	}
	if err := orchestrator.emit(outputKeychainPassword, plan.keychainPassword, true); err != nil {
		return err
	}

	if plan.descriptor.Exists {
		loggingService.Info(logMessageKeychainExists, keychainField)
	} else {
		loggingService.Info(logMessageCreateKeychain, keychainField)
		if outcome := store.Create(ctx, plan.keychainName, plan.keychainPassword); !outcome.Succeeded {
			return outcomeError(ctx, StepCreateKeychain, KindProcessInvocationFailure, outcome)
		}
	}

	loggingService.Info(logMessageSetDefault, keychainField)
	if outcome := store.SetDefault(ctx, plan.keychainName); !outcome.Succeeded {
		return outcomeError(ctx, StepSetDefaultKeychain, KindProcessInvocationFailure, outcome)
	}
	if outcome := store.UpdateSearchList(ctx, plan.keychainName); !outcome.Succeeded {
		orchestrator.warn(report, logMessageSearchListFailed, keychainField, outcome)
	}
	if outcome := store.Unlock(ctx, plan.keychainName, plan.keychainPassword); !outcome.Succeeded {
		orchestrator.warn(report, logMessageUnlockFailed, keychainField, outcome)
	}
	report.StoreEstablished = true
	return nil
}

// warn records a tolerated step failure in the log and the report.
func (orchestrator Orchestrator) warn(report *Report, message string, keychainField logging.Field, outcome process.Outcome) {
	orchestrator.dependencies.LoggingService.Warn(message, keychainField, logging.String(logFieldOutput, outcome.Summary()))
	report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s", message, outcome.Summary()))
}

func (orchestrator Orchestrator) importCertificate(ctx context.Context, plan runPlan, scratch *certificates.Scratch, report *Report) error {
	store := orchestrator.dependencies.CredentialStore
	loggingService := orchestrator.dependencies.LoggingService
	request := plan.request
	keychainField := logging.String(logFieldKeychain, plan.descriptor.Path)

	material := certificates.NewMaterial(plan.certificate, request.CertificatePassphrase)
	certificatePath, err := scratch.Write(certificateExtension, material.Bytes)
	if err != nil {
		return ioError(StepWriteScratch, err)
	}
	loggingService.Info(logMessageImport, keychainField, logging.Bool(logFieldAllowAnyAppRead, request.AllowAnyAppRead))
	if outcome := store.ImportPKCS12(ctx, certificatePath, material.Passphrase, plan.keychainName, request.AllowAnyAppRead); !outcome.Succeeded {
		return outcomeError(ctx, StepImportCertificate, KindProcessInvocationFailure, outcome)
	}
	report.CertificateImported = true
	if material.FriendlyName != "" {
		report.FriendlyName = material.FriendlyName
		if err := orchestrator.emit(outputAppleCertificateFriendlyName, material.FriendlyName, false); err != nil {
			return err
		}
	}

	if plan.descriptor.IsDefault {
		return nil
	}
	loggingService.Info(logMessagePartitionList, keychainField)
	if outcome := store.SetPartitionList(ctx, plan.keychainPassword, plan.keychainName); !outcome.Succeeded {
		return outcomeError(ctx, StepSetPartitionList, KindProcessInvocationFailure, outcome)
	}

	if !plan.verifyChain() {
		return nil
	}
	return orchestrator.verifyChain(ctx, plan, scratch, certificatePath, report)
}

// verifyChain imports both anchors, extracts the leaf and evaluates it. Each step must succeed before the next runs.
func (orchestrator Orchestrator) verifyChain(ctx context.Context, plan runPlan, scratch *certificates.Scratch, certificatePath string, report *Report) error {
	store := orchestrator.dependencies.CredentialStore
	loggingService := orchestrator.dependencies.LoggingService
	loggingService.Info(logMessageVerifyChain, logging.String(logFieldKeychain, plan.descriptor.Path))

	anchors := []struct {
		step    string
		content []byte
	}{
		{step: StepImportRootAnchor, content: plan.rootCertificate},
		{step: StepImportIntermediateAnchor, content: plan.intermediateCertificate},
	}
	for _, anchor := range anchors {
		anchorPath, err := scratch.Write(anchorExtension, anchor.content)
		if err != nil {
			return ioError(StepWriteScratch, err)
		}
		if outcome := store.ImportCertificate(ctx, anchorPath, plan.keychainName); !outcome.Succeeded {
			return outcomeError(ctx, anchor.step, KindProcessInvocationFailure, outcome)
		}
	}

	leafPath := scratch.Reserve(leafExtension)
	if outcome := orchestrator.dependencies.Extractor.ExtractLeafPEM(ctx, certificatePath, plan.request.CertificatePassphrase, leafPath); !outcome.Succeeded {
		return outcomeError(ctx, StepExtractLeaf, KindProcessInvocationFailure, outcome)
	}
	if outcome := store.Verify(ctx, leafPath, plan.keychainName); !outcome.Succeeded {
		return outcomeError(ctx, StepVerifyChain, KindVerificationFailed, outcome)
	}
	report.ChainVerified = true
	loggingService.Info(logMessageChainVerified)
	return nil
}

func (orchestrator Orchestrator) installProfiles(ctx context.Context, plan runPlan, report *Report) error {
	request := plan.request
	loggingService := orchestrator.dependencies.LoggingService

	if err := orchestrator.emitIndexed(outputBundleIdentifiers, outputBundleIdentifierPrefix, request.BundleIdentifiers); err != nil {
		return err
	}
	profileTypeNames := make([]string, 0, len(request.ProfileTypes))
	for _, profileType := range request.ProfileTypes {
		profileTypeNames = append(profileTypeNames, string(profileType))
	}
	if len(profileTypeNames) > 0 {
		if err := orchestrator.emitIndexed(outputProfileTypes, outputProfileTypePrefix, profileTypeNames); err != nil {
			return err
		}
	}
	loggingService.Info(logMessageFetchProfiles, logging.Strings(logFieldBundleIDs, request.BundleIdentifiers), logging.Strings(logFieldProfileTypes, profileTypeNames))

	catalog, err := orchestrator.dependencies.CatalogFactory(appstore.Credentials{
		KeyID:         request.APIKeyID,
		IssuerID:      request.APIIssuerID,
		PrivateKeyPEM: plan.apiPrivateKey,
	})
	if err != nil {
		return &StepError{Step: StepConnectCatalog, Kind: KindValidationFailure, Err: err}
	}

	profiles := []appstore.Profile{}
	for profile, listErr := range catalog.ListActiveProfiles(ctx, request.ProfileTypes, request.PageLimit) {
		if listErr != nil {
			return catalogError(StepListProfiles, listErr)
		}
		profiles = append(profiles, profile)
	}
	bundleIDs, err := appstore.ResolveBundleIDs(ctx, catalog, profiles, request.ResolveConcurrency)
	if err != nil {
		return catalogError(StepResolveBundleIDs, err)
	}

	selected := matching.SelectProfiles(profiles, bundleIDs, request.BundleIdentifiers)
	bundleIdentifierByUUID := make(map[string]string, len(profiles))
	for index, profile := range profiles {
		bundleIdentifierByUUID[profile.UUID] = bundleIDs[index].Identifier
	}
	for _, profile := range selected {
		loggingService.Info(
			logMessageProfileMatched,
			logging.String(logFieldProfileName, profile.Name),
			logging.String(logFieldProfileUUID, profile.UUID),
			logging.String(logFieldProfileType, string(profile.ProfileType)),
			logging.String(logFieldBundleIdentifier, bundleIdentifierByUUID[profile.UUID]),
		)
	}

	installedUUIDs := make([]string, 0, len(selected))
	for _, profile := range selected {
		profilePath, installErr := orchestrator.dependencies.Installer.Install(profile, request.ProfileDirectory)
		if installErr != nil {
			return ioError(StepInstallProfile, installErr)
		}
		report.InstalledProfiles = append(report.InstalledProfiles, InstalledProfile{
			UUID:             profile.UUID,
			Name:             profile.Name,
			ProfileType:      profile.ProfileType,
			BundleIdentifier: bundleIdentifierByUUID[profile.UUID],
			Path:             profilePath,
		})
		installedUUIDs = append(installedUUIDs, profile.UUID)
	}
	loggingService.Info(logMessageProfilesDone, logging.Int(logFieldCount, len(installedUUIDs)))
	return orchestrator.emit(outputInstalledProfiles, strings.Join(installedUUIDs, ","), false)
}

func (orchestrator Orchestrator) emitIndexed(listName string, itemPrefix string, values []string) error {
	if err := orchestrator.emit(listName, strings.Join(values, ","), false); err != nil {
		return err
	}
	for index, value := range values {
		if err := orchestrator.emit(itemPrefix+strconv.Itoa(index), value, false); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator Orchestrator) emit(name string, value string, sensitive bool) error {
	if err := orchestrator.dependencies.Emitter.Set(name, value, sensitive); err != nil {
		return ioError(StepEmitOutputs, fmt.Errorf("set %s: %w", name, err))
	}
	return nil
}

func (orchestrator Orchestrator) cleanup(scratch *certificates.Scratch) {
	if err := scratch.Cleanup(); err != nil {
		orchestrator.dependencies.LoggingService.Warn(logMessageScratchCleanup, logging.String(logFieldPath, scratch.Directory()), logging.ErrorField(err))
	}
}
