package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/outputs"
	"github.com/tyemirov/ciprovision/internal/profiles"
	"github.com/tyemirov/ciprovision/internal/provisioning"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

type contextKey string

const (
	contextKeyApplicationResources    contextKey = "application-resources"
	contextKeyProvisionConfiguration  contextKey = "provision-configuration"
	contextKeyDeprovisionRequest      contextKey = "deprovision-request"
	contextKeyBase64FileConfiguration contextKey = "base64-file-configuration"

	defaultConfigFileName  = "config"
	defaultConfigFileType  = "yaml"
	defaultApplicationName = "ciprovision"

	environmentVariableAPIKeyID      = "APP_STORE_CONNECT_KEY_ID"
	environmentVariableAPIIssuerID   = "APP_STORE_CONNECT_ISSUER_ID"
	environmentVariableAPIPrivateKey = "APP_STORE_CONNECT_PRIVATE_KEY"

	configKeyLoggingType                  = "logging.type"
	configKeyLoggingVerbose               = "logging.verbose"
	configKeyProvisionKeychain            = "provision.keychain"
	configKeyProvisionKeychainPassword    = "provision.keychain_password"
	configKeyProvisionCertificate         = "provision.certificate"
	configKeyProvisionCertificatePassword = "provision.certificate_passphrase"
	configKeyProvisionRootCertificate     = "provision.root_certificate"
	configKeyProvisionIntermediate        = "provision.intermediate_certificate"
	configKeyProvisionAllowAnyAppRead     = "provision.keychain_allow_any_app_read"
	configKeyProvisionDisallowAnyAppRead  = "provision.keychain_disallow_any_app_read"
	configKeyProvisionBundleIdentifiers   = "provision.bundle_identifiers"
	configKeyProvisionProfileTypes        = "provision.profile_types"
	configKeyProvisionProfilePath         = "provision.profile_path"
	configKeyProvisionOutputs             = "provision.outputs"
	configKeyProvisionOpenSSLLegacy       = "provision.openssl_legacy"
	configKeyAppStoreKeyID                = "appstore.key_id"
	configKeyAppStoreIssuerID             = "appstore.issuer_id"
	configKeyAppStorePrivateKey           = "appstore.private_key"
	configKeyAppStoreInstallPrivateKey    = "appstore.install_private_key"
	configKeyAppStorePrivateKeyDirectory  = "appstore.private_key_directory"
	configKeyAppStoreBaseURL              = "appstore.base_url"
	configKeyAppStorePageLimit            = "appstore.page_limit"
	configKeyAppStoreResolveConcurrency   = "appstore.resolve_concurrency"
	configKeyAppStoreLogHTTP              = "appstore.log_http"
	configKeyDeprovisionKeychain          = "deprovision.keychain"
	configKeyDeprovisionDefaultKeychain   = "deprovision.default_keychain"
	configKeyBase64ToFileInput            = "base64_to_file.base64"
	configKeyBase64ToFileOutputFile       = "base64_to_file.output_file"

	logMessageFailedInitializeLogger = "failed to initialize logger"
	logMessageResolveUserConfigDir   = "resolve user config directory"
	logMessageResolveHomeDir         = "resolve home directory"
	logMessageCommandExecutionFailed = "command execution failed"
)

type applicationResources struct {
	configurationManager *viper.Viper
	loggingService       *logging.Service
	defaultConfigDirPath string
	homeDirectory        string
	lookupEnvironment    func(name string) (string, bool)
	outputWriter         io.Writer
	buildOrchestrator    orchestratorBuilder
}

func (resources *applicationResources) updateLogger(loggingType string) error {
	normalizedType, err := logging.NormalizeType(loggingType)
	if err != nil {
		return err
	}
	if resources.loggingService != nil && resources.loggingService.Type() == normalizedType {
		return nil
	}
	service, err := logging.NewService(normalizedType)
	if err != nil {
		return err
	}
	if resources.loggingService != nil {
		_ = resources.loggingService.Sync()
	}
	resources.loggingService = service
	return nil
}

// Execute runs the CLI using the provided context and arguments, returning an exit code.
func Execute(ctx context.Context, arguments []string) int {
	initialService, err := logging.NewService(logging.TypeConsole)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", logMessageFailedInitializeLogger, err)
		return provisioning.ExitCodeFailure
	}

	userConfigDir, userConfigErr := os.UserConfigDir()
	if userConfigErr != nil {
		initialService.Error(logMessageResolveUserConfigDir, userConfigErr)
		return provisioning.ExitCodeFailure
	}
	homeDirectory, homeErr := os.UserHomeDir()
	if homeErr != nil {
		initialService.Error(logMessageResolveHomeDir, homeErr)
		return provisioning.ExitCodeFailure
	}

	resources := &applicationResources{
		configurationManager: newConfigurationManager(homeDirectory),
		loggingService:       initialService,
		defaultConfigDirPath: filepath.Join(userConfigDir, defaultApplicationName),
		homeDirectory:        homeDirectory,
		lookupEnvironment:    os.LookupEnv,
		outputWriter:         os.Stdout,
		buildOrchestrator:    buildSystemOrchestrator,
	}
	return executeWithResources(ctx, resources, arguments)
}

func executeWithResources(ctx context.Context, resources *applicationResources, arguments []string) int {
	if err := resources.updateLogger(resources.configurationManager.GetString(configKeyLoggingType)); err != nil {
		resources.loggingService.Error(logMessageFailedInitializeLogger, err)
		return provisioning.ExitCodeFailure
	}
	defer func() {
		if resources.loggingService != nil {
			_ = resources.loggingService.Sync()
		}
	}()

	rootCommand := newRootCommand(resources)
	baseContext := context.WithValue(ctx, contextKeyApplicationResources, resources)
	rootCommand.SetContext(baseContext)
	rootCommand.SetArgs(arguments)

	if executionErr := rootCommand.Execute(); executionErr != nil {
		resources.loggingService.Error(logMessageCommandExecutionFailed, executionErr)
		return provisioning.ExitCode(executionErr)
	}
	return provisioning.ExitCodeSuccess
}

// newConfigurationManager reads CIPROVISION_* variables and falls back to the App Store Connect
// variables CI systems conventionally export.
func newConfigurationManager(homeDirectory string) *viper.Viper {
	configurationManager := viper.New()
	configurationManager.SetEnvPrefix(strings.ToUpper(defaultApplicationName))
	configurationManager.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configurationManager.AutomaticEnv()

	environmentPrefix := strings.ToUpper(defaultApplicationName) + "_"
	_ = configurationManager.BindEnv(configKeyAppStoreKeyID, environmentPrefix+"APPSTORE_KEY_ID", environmentVariableAPIKeyID)
	_ = configurationManager.BindEnv(configKeyAppStoreIssuerID, environmentPrefix+"APPSTORE_ISSUER_ID", environmentVariableAPIIssuerID)
	_ = configurationManager.BindEnv(configKeyAppStorePrivateKey, environmentPrefix+"APPSTORE_PRIVATE_KEY", environmentVariableAPIPrivateKey)

	configurationManager.SetDefault(configKeyLoggingType, logging.TypeConsole)
	configurationManager.SetDefault(configKeyLoggingVerbose, false)
	configurationManager.SetDefault(configKeyProvisionKeychain, provisioning.DefaultKeychainName)
	configurationManager.SetDefault(configKeyProvisionKeychainPassword, "")
	configurationManager.SetDefault(configKeyProvisionCertificate, "")
	configurationManager.SetDefault(configKeyProvisionCertificatePassword, "")
	configurationManager.SetDefault(configKeyProvisionRootCertificate, "")
	configurationManager.SetDefault(configKeyProvisionIntermediate, "")
	configurationManager.SetDefault(configKeyProvisionAllowAnyAppRead, true)
	configurationManager.SetDefault(configKeyProvisionDisallowAnyAppRead, false)
	configurationManager.SetDefault(configKeyProvisionBundleIdentifiers, []string{})
	configurationManager.SetDefault(configKeyProvisionProfileTypes, []string{})
	configurationManager.SetDefault(configKeyProvisionProfilePath, profiles.DefaultDirectory(homeDirectory))
	configurationManager.SetDefault(configKeyProvisionOutputs, outputs.KindAuto)
	configurationManager.SetDefault(configKeyProvisionOpenSSLLegacy, false)
	configurationManager.SetDefault(configKeyAppStoreKeyID, "")
	configurationManager.SetDefault(configKeyAppStoreIssuerID, "")
	configurationManager.SetDefault(configKeyAppStorePrivateKey, "")
	configurationManager.SetDefault(configKeyAppStoreInstallPrivateKey, false)
	configurationManager.SetDefault(configKeyAppStorePrivateKeyDirectory, appstore.DefaultAPIKeyDirectory(homeDirectory))
	configurationManager.SetDefault(configKeyAppStoreBaseURL, appstore.DefaultBaseURL)
	configurationManager.SetDefault(configKeyAppStorePageLimit, appstore.DefaultPageLimit)
	configurationManager.SetDefault(configKeyAppStoreResolveConcurrency, appstore.DefaultResolveConcurrency)
	configurationManager.SetDefault(configKeyAppStoreLogHTTP, false)
	configurationManager.SetDefault(configKeyDeprovisionKeychain, provisioning.DefaultKeychainName)
	configurationManager.SetDefault(configKeyDeprovisionDefaultKeychain, "")
	configurationManager.SetDefault(configKeyBase64ToFileInput, "")
	configurationManager.SetDefault(configKeyBase64ToFileOutputFile, "")
	return configurationManager
}
