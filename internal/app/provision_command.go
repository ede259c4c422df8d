package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/provisioning"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	flagNameKeychain                = "keychain"
	flagNameKeychainPassword        = "keychain-password"
	flagNameCertificate             = "certificate"
	flagNameCertificatePassphrase   = "certificate-passphrase"
	flagNameRootCertificate         = "rootcacertificate"
	flagNameIntermediateCertificate = "intermediatecertificate"
	flagNameAllowAnyAppRead         = "keychain-allow-any-app-read"
	flagNameDisallowAnyAppRead      = "keychain-disallow-any-app-read"
	flagNameBundleIdentifier        = "bundle-identifier"
	flagNameProfileType             = "profile-type"
	flagNameProfilePath             = "profile-path"
	flagNameOutputs                 = "outputs"
	flagNameOpenSSLLegacy           = "openssl-legacy"
	flagNameAPIKeyID                = "api-key-id"
	flagNameAPIIssuerID             = "api-issuer-id"
	flagNameAPIPrivateKey           = "api-private-key"
	flagNameInstallAPIPrivateKey    = "install-api-private-key"
	flagNameAPIPrivateKeyDirectory  = "api-private-key-dir"
	flagNameAPIBaseURL              = "api-base-url"
	flagNameAPIPageLimit            = "api-page-limit"
	flagNameResolveConcurrency      = "resolve-concurrency"
	flagNameLogHTTP                 = "log-http"

	logFieldKeychain          = "keychain"
	logFieldFriendlyName      = "friendly_name"
	logFieldChainVerified     = "chain_verified"
	logFieldAPIKeyPath        = "api_key_path"
	logFieldInstalledProfiles = "installed_profiles"
	logFieldWarnings          = "warnings"
	logFieldSignal            = "signal"
	logMessageProvisioned     = "provisioning completed"
	logMessageDeprovisioned   = "deprovisioning completed"
	logMessageReceivedSignal  = "received signal"
)

// orchestratorOptions selects the collaborators built around the orchestrator.
type orchestratorOptions struct {
	OutputKind     string
	CatalogBaseURL string
	LogHTTP        bool
	OpenSSLLegacy  bool
}

type orchestratorBuilder func(resources *applicationResources, options orchestratorOptions) (provisioning.Orchestrator, error)

// ProvisionConfiguration is the resolved input of `ci provision`.
type ProvisionConfiguration struct {
	Request provisioning.Request
	Options orchestratorOptions
}

func newProvisionCommand(resources *applicationResources) *cobra.Command {
	provisionCommand := &cobra.Command{
		Use:   "provision",
		Short: "Create the build keychain, import the signing identity and install provisioning profiles",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return prepareProvisionConfiguration(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd)
		},
	}

	configureProvisionFlags(provisionCommand.Flags(), resources.configurationManager)
	return provisionCommand
}

func configureProvisionFlags(flagSet *pflag.FlagSet, configurationManager *viper.Viper) {
	flagSet.String(flagNameKeychain, configurationManager.GetString(configKeyProvisionKeychain), "Keychain name or path to import into")
	flagSet.String(flagNameKeychainPassword, configurationManager.GetString(configKeyProvisionKeychainPassword), "Keychain password (defaults to the keychain name)")
	flagSet.String(flagNameCertificate, configurationManager.GetString(configKeyProvisionCertificate), "PKCS#12 file, environment variable with base64 data, or base64 data")
	flagSet.String(flagNameCertificatePassphrase, configurationManager.GetString(configKeyProvisionCertificatePassword), "Passphrase of the PKCS#12 certificate")
	flagSet.String(flagNameRootCertificate, configurationManager.GetString(configKeyProvisionRootCertificate), "Root CA certificate file, environment variable with base64 data, or base64 data")
	flagSet.String(flagNameIntermediateCertificate, configurationManager.GetString(configKeyProvisionIntermediate), "Intermediate certificate file, environment variable with base64 data, or base64 data")
	flagSet.Bool(flagNameAllowAnyAppRead, configurationManager.GetBool(configKeyProvisionAllowAnyAppRead), "Allow any application to read the imported key")
	flagSet.Bool(flagNameDisallowAnyAppRead, configurationManager.GetBool(configKeyProvisionDisallowAnyAppRead), "Restrict key access to the code signing tools")
	flagSet.StringSlice(flagNameBundleIdentifier, configurationManager.GetStringSlice(configKeyProvisionBundleIdentifiers), "Bundle identifier patterns to install profiles for (trailing * matches a prefix)")
	flagSet.StringSlice(flagNameProfileType, configurationManager.GetStringSlice(configKeyProvisionProfileTypes), "Profile types to install (e.g. IOS_APP_STORE)")
	flagSet.String(flagNameProfilePath, configurationManager.GetString(configKeyProvisionProfilePath), "Directory to install provisioning profiles into")
	flagSet.String(flagNameOutputs, configurationManager.GetString(configKeyProvisionOutputs), "Output variable target (auto, azure, github or log)")
	flagSet.Bool(flagNameOpenSSLLegacy, configurationManager.GetBool(configKeyProvisionOpenSSLLegacy), "Load the OpenSSL legacy provider when reading the certificate")
	flagSet.String(flagNameAPIKeyID, configurationManager.GetString(configKeyAppStoreKeyID), "App Store Connect key id (also APP_STORE_CONNECT_KEY_ID)")
	flagSet.String(flagNameAPIIssuerID, configurationManager.GetString(configKeyAppStoreIssuerID), "App Store Connect issuer id (also APP_STORE_CONNECT_ISSUER_ID)")
	flagSet.String(flagNameAPIPrivateKey, configurationManager.GetString(configKeyAppStorePrivateKey), "App Store Connect .p8 file, environment variable with its content, or the key itself (also APP_STORE_CONNECT_PRIVATE_KEY)")
	flagSet.Bool(flagNameInstallAPIPrivateKey, configurationManager.GetBool(configKeyAppStoreInstallPrivateKey), "Write the App Store Connect key to the api key directory")
	flagSet.String(flagNameAPIPrivateKeyDirectory, configurationManager.GetString(configKeyAppStorePrivateKeyDirectory), "Directory for the installed App Store Connect key")
	flagSet.String(flagNameAPIBaseURL, configurationManager.GetString(configKeyAppStoreBaseURL), "App Store Connect API base URL")
	flagSet.Int(flagNameAPIPageLimit, configurationManager.GetInt(configKeyAppStorePageLimit), "Profiles requested per catalog page")
	flagSet.Int(flagNameResolveConcurrency, configurationManager.GetInt(configKeyAppStoreResolveConcurrency), "Concurrent bundle identifier lookups")
	flagSet.Bool(flagNameLogHTTP, configurationManager.GetBool(configKeyAppStoreLogHTTP), "Log App Store Connect requests")
	_ = flagSet.MarkHidden(flagNameAPIBaseURL)

	bindings := map[string]string{
		configKeyProvisionKeychain:            flagNameKeychain,
		configKeyProvisionKeychainPassword:    flagNameKeychainPassword,
		configKeyProvisionCertificate:         flagNameCertificate,
		configKeyProvisionCertificatePassword: flagNameCertificatePassphrase,
		configKeyProvisionRootCertificate:     flagNameRootCertificate,
		configKeyProvisionIntermediate:        flagNameIntermediateCertificate,
		configKeyProvisionAllowAnyAppRead:     flagNameAllowAnyAppRead,
		configKeyProvisionDisallowAnyAppRead:  flagNameDisallowAnyAppRead,
		configKeyProvisionBundleIdentifiers:   flagNameBundleIdentifier,
		configKeyProvisionProfileTypes:        flagNameProfileType,
		configKeyProvisionProfilePath:         flagNameProfilePath,
		configKeyProvisionOutputs:             flagNameOutputs,
		configKeyProvisionOpenSSLLegacy:       flagNameOpenSSLLegacy,
		configKeyAppStoreKeyID:                flagNameAPIKeyID,
		configKeyAppStoreIssuerID:             flagNameAPIIssuerID,
		configKeyAppStorePrivateKey:           flagNameAPIPrivateKey,
		configKeyAppStoreInstallPrivateKey:    flagNameInstallAPIPrivateKey,
		configKeyAppStorePrivateKeyDirectory:  flagNameAPIPrivateKeyDirectory,
		configKeyAppStoreBaseURL:              flagNameAPIBaseURL,
		configKeyAppStorePageLimit:            flagNameAPIPageLimit,
		configKeyAppStoreResolveConcurrency:   flagNameResolveConcurrency,
		configKeyAppStoreLogHTTP:              flagNameLogHTTP,
	}
	for configKey, flagName := range bindings {
		_ = configurationManager.BindPFlag(configKey, flagSet.Lookup(flagName))
	}
}

func prepareProvisionConfiguration(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configurationManager := resources.configurationManager

	profileTypes, err := appstore.ParseProfileTypes(normalizeList(configurationManager.GetStringSlice(configKeyProvisionProfileTypes)))
	if err != nil {
		return err
	}
	pageLimit := configurationManager.GetInt(configKeyAppStorePageLimit)
	if pageLimit <= 0 || pageLimit > appstore.DefaultPageLimit {
		return fmt.Errorf("page limit must be between 1 and %d, got %d", appstore.DefaultPageLimit, pageLimit)
	}
	resolveConcurrency := configurationManager.GetInt(configKeyAppStoreResolveConcurrency)
	if resolveConcurrency <= 0 {
		return fmt.Errorf("resolve concurrency must be positive, got %d", resolveConcurrency)
	}

	request := provisioning.Request{
		KeychainName:            strings.TrimSpace(configurationManager.GetString(configKeyProvisionKeychain)),
		KeychainPassword:        configurationManager.GetString(configKeyProvisionKeychainPassword),
		Certificate:             strings.TrimSpace(configurationManager.GetString(configKeyProvisionCertificate)),
		CertificatePassphrase:   configurationManager.GetString(configKeyProvisionCertificatePassword),
		RootCertificate:         strings.TrimSpace(configurationManager.GetString(configKeyProvisionRootCertificate)),
		IntermediateCertificate: strings.TrimSpace(configurationManager.GetString(configKeyProvisionIntermediate)),
		AllowAnyAppRead:         configurationManager.GetBool(configKeyProvisionAllowAnyAppRead) && !configurationManager.GetBool(configKeyProvisionDisallowAnyAppRead),
		BundleIdentifiers:       normalizeList(configurationManager.GetStringSlice(configKeyProvisionBundleIdentifiers)),
		ProfileTypes:            profileTypes,
		ProfileDirectory:        strings.TrimSpace(configurationManager.GetString(configKeyProvisionProfilePath)),
		APIKeyID:                strings.TrimSpace(configurationManager.GetString(configKeyAppStoreKeyID)),
		APIIssuerID:             strings.TrimSpace(configurationManager.GetString(configKeyAppStoreIssuerID)),
		APIPrivateKey:           configurationManager.GetString(configKeyAppStorePrivateKey),
		InstallAPIKey:           configurationManager.GetBool(configKeyAppStoreInstallPrivateKey),
		APIKeyDirectory:         strings.TrimSpace(configurationManager.GetString(configKeyAppStorePrivateKeyDirectory)),
		PageLimit:               pageLimit,
		ResolveConcurrency:      resolveConcurrency,
	}
	configuration := ProvisionConfiguration{
		Request: request,
		Options: orchestratorOptions{
			OutputKind:     configurationManager.GetString(configKeyProvisionOutputs),
			CatalogBaseURL: strings.TrimSpace(configurationManager.GetString(configKeyAppStoreBaseURL)),
			LogHTTP:        configurationManager.GetBool(configKeyAppStoreLogHTTP),
			OpenSSLLegacy:  configurationManager.GetBool(configKeyProvisionOpenSSLLegacy),
		},
	}

	cmd.SetContext(context.WithValue(cmd.Context(), contextKeyProvisionConfiguration, configuration))
	return nil
}

func runProvision(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configurationValue := cmd.Context().Value(contextKeyProvisionConfiguration)
	if configurationValue == nil {
		return errors.New("provision configuration not initialized")
	}
	configuration, ok := configurationValue.(ProvisionConfiguration)
	if !ok {
		return errors.New("provision configuration has unexpected type")
	}

	orchestrator, err := resources.buildOrchestrator(resources, configuration.Options)
	if err != nil {
		return err
	}
	provisionContext, cancel := createSignalContext(cmd.Context(), resources.loggingService)
	defer cancel()

	report, err := orchestrator.Provision(provisionContext, configuration.Request)
	if err != nil {
		return err
	}
	installedProfiles := make([]string, 0, len(report.InstalledProfiles))
	for _, installedProfile := range report.InstalledProfiles {
		installedProfiles = append(installedProfiles, installedProfile.Path)
	}
	resources.loggingService.Info(
		logMessageProvisioned,
		logging.String(logFieldKeychain, report.Keychain.Path),
		logging.String(logFieldFriendlyName, report.FriendlyName),
		logging.Bool(logFieldChainVerified, report.ChainVerified),
		logging.String(logFieldAPIKeyPath, report.APIKeyPath),
		logging.Strings(logFieldInstalledProfiles, installedProfiles),
		logging.Int(logFieldWarnings, len(report.Warnings)),
	)
	return nil
}

// normalizeList splits comma separated entries, trims them and drops blanks and repeats.
func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(item)
			if trimmed == "" {
				continue
			}
			if _, duplicate := seen[trimmed]; duplicate {
				continue
			}
			seen[trimmed] = struct{}{}
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
