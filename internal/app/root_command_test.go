package app

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/outputs"
	"github.com/tyemirov/ciprovision/internal/profiles"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

const testHomeDirectory = "/Users/builder"

func newTestResources(t *testing.T) *applicationResources {
	t.Helper()
	return &applicationResources{
		configurationManager: newConfigurationManager(testHomeDirectory),
		loggingService:       logging.NewTestService(logging.TypeConsole),
		defaultConfigDirPath: t.TempDir(),
		homeDirectory:        testHomeDirectory,
		lookupEnvironment: func(name string) (string, bool) {
			return "", false
		},
		outputWriter: &discardWriter{},
	}
}

type discardWriter struct{}

func (*discardWriter) Write(content []byte) (int, error) {
	return len(content), nil
}

func findCommand(t *testing.T, rootCommand *cobra.Command, path ...string) *cobra.Command {
	t.Helper()
	command, _, err := rootCommand.Find(path)
	if err != nil {
		t.Fatalf("find %v: %v", path, err)
	}
	if command.Name() != path[len(path)-1] {
		t.Fatalf("expected command %s, got %s", path[len(path)-1], command.Name())
	}
	return command
}

func prepareProvision(t *testing.T, resources *applicationResources, arguments []string) (ProvisionConfiguration, error) {
	t.Helper()
	rootCommand := newRootCommand(resources)
	provisionCommand := findCommand(t, rootCommand, "ci", "provision")
	if err := provisionCommand.ParseFlags(arguments); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	provisionCommand.SetContext(context.WithValue(context.Background(), contextKeyApplicationResources, resources))
	if err := loadConfigurationFile(provisionCommand); err != nil {
		t.Fatalf("load configuration: %v", err)
	}
	if err := prepareProvisionConfiguration(provisionCommand); err != nil {
		return ProvisionConfiguration{}, err
	}
	configuration, ok := provisionCommand.Context().Value(contextKeyProvisionConfiguration).(ProvisionConfiguration)
	if !ok {
		t.Fatalf("provision configuration stored with unexpected type")
	}
	return configuration, nil
}

func TestNewRootCommandRegistersCommands(t *testing.T) {
	rootCommand := newRootCommand(newTestResources(t))

	findCommand(t, rootCommand, "ci", "provision")
	findCommand(t, rootCommand, "ci", "deprovision")
	findCommand(t, rootCommand, "base64-to-file")
	if rootCommand.PersistentFlags().Lookup(flagNameLoggingType) == nil {
		t.Fatalf("expected logging type flag to be registered")
	}
}

func TestPrepareProvisionConfigurationDefaults(t *testing.T) {
	configuration, err := prepareProvision(t, newTestResources(t), nil)
	if err != nil {
		t.Fatalf("prepare provision configuration: %v", err)
	}
	request := configuration.Request
	if request.KeychainName != "build" || request.KeychainPassword != "" {
		t.Fatalf("unexpected keychain defaults %q/%q", request.KeychainName, request.KeychainPassword)
	}
	if !request.AllowAnyAppRead {
		t.Fatalf("expected any app read to be allowed by default")
	}
	if request.ProfileDirectory != profiles.DefaultDirectory(testHomeDirectory) {
		t.Fatalf("unexpected profile directory %s", request.ProfileDirectory)
	}
	if request.APIKeyDirectory != filepath.Join(testHomeDirectory, "private_keys") {
		t.Fatalf("unexpected api key directory %s", request.APIKeyDirectory)
	}
	if request.PageLimit != appstore.DefaultPageLimit || request.ResolveConcurrency != appstore.DefaultResolveConcurrency {
		t.Fatalf("unexpected catalog limits %d/%d", request.PageLimit, request.ResolveConcurrency)
	}
	if len(request.BundleIdentifiers) != 0 || len(request.ProfileTypes) != 0 {
		t.Fatalf("expected no profile selection, got %v %v", request.BundleIdentifiers, request.ProfileTypes)
	}
	if configuration.Options.OutputKind != outputs.KindAuto || configuration.Options.CatalogBaseURL != appstore.DefaultBaseURL {
		t.Fatalf("unexpected options %+v", configuration.Options)
	}
}

func TestPrepareProvisionConfigurationReadsFlagsAndAliases(t *testing.T) {
	configuration, err := prepareProvision(t, newTestResources(t), []string{
		"--keychain", "ci",
		"--keychain-password", "secret",
		"--certificate", "SIGNING_CERTIFICATE",
		"--root-certificate", "root.cer",
		"--intermediatecertificate", "intermediate.cer",
		"--keychain-disallow-any-app-read",
		"--bundle-identifier", "com.acme.*, com.other.app",
		"--bundle-identifier", "com.acme.*",
		"--profile-type", "ios_app_store",
		"--profile-type", "IOS_APP_DEVELOPMENT",
		"--app-store-connect-key-id", "KEY123",
		"--api-issuer-id", "issuer",
		"--app-store-connect-private-key", "APP_STORE_KEY",
		"--install-api-private-key",
		"--outputs", "azure",
		"--log-http",
		"--resolve-concurrency", "8",
	})
	if err != nil {
		t.Fatalf("prepare provision configuration: %v", err)
	}
	request := configuration.Request
	if request.KeychainName != "ci" || request.KeychainPassword != "secret" || request.Certificate != "SIGNING_CERTIFICATE" {
		t.Fatalf("unexpected keychain request %+v", request)
	}
	if request.RootCertificate != "root.cer" || request.IntermediateCertificate != "intermediate.cer" {
		t.Fatalf("unexpected anchors %q %q", request.RootCertificate, request.IntermediateCertificate)
	}
	if request.AllowAnyAppRead {
		t.Fatalf("expected disallow flag to win")
	}
	if !reflect.DeepEqual(request.BundleIdentifiers, []string{"com.acme.*", "com.other.app"}) {
		t.Fatalf("unexpected bundle identifiers %v", request.BundleIdentifiers)
	}
	expectedTypes := []appstore.ProfileType{appstore.ProfileTypeIOSAppStore, appstore.ProfileTypeIOSAppDevelopment}
	if !reflect.DeepEqual(request.ProfileTypes, expectedTypes) {
		t.Fatalf("unexpected profile types %v", request.ProfileTypes)
	}
	if request.APIKeyID != "KEY123" || request.APIIssuerID != "issuer" || request.APIPrivateKey != "APP_STORE_KEY" || !request.InstallAPIKey {
		t.Fatalf("unexpected api key request %+v", request)
	}
	if request.ResolveConcurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", request.ResolveConcurrency)
	}
	if configuration.Options.OutputKind != "azure" || !configuration.Options.LogHTTP {
		t.Fatalf("unexpected options %+v", configuration.Options)
	}
}

func TestPrepareProvisionConfigurationReadsConventionalEnvironment(t *testing.T) {
	t.Setenv(environmentVariableAPIKeyID, "ENVKEY")
	t.Setenv(environmentVariableAPIIssuerID, "ENVISSUER")
	t.Setenv("CIPROVISION_PROVISION_KEYCHAIN", "fromenv")

	configuration, err := prepareProvision(t, newTestResources(t), nil)
	if err != nil {
		t.Fatalf("prepare provision configuration: %v", err)
	}
	if configuration.Request.APIKeyID != "ENVKEY" || configuration.Request.APIIssuerID != "ENVISSUER" {
		t.Fatalf("expected credentials from environment, got %q/%q", configuration.Request.APIKeyID, configuration.Request.APIIssuerID)
	}
	if configuration.Request.KeychainName != "fromenv" {
		t.Fatalf("expected keychain from environment, got %q", configuration.Request.KeychainName)
	}
}

func TestPrepareProvisionConfigurationReadsConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "ciprovision.yaml")
	content := "provision:\n  keychain: fromfile\n  bundle_identifiers:\n    - com.acme.app\nappstore:\n  page_limit: 50\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configuration, err := prepareProvision(t, newTestResources(t), []string{"--config", configPath})
	if err != nil {
		t.Fatalf("prepare provision configuration: %v", err)
	}
	if configuration.Request.KeychainName != "fromfile" {
		t.Fatalf("expected keychain from config file, got %q", configuration.Request.KeychainName)
	}
	if !reflect.DeepEqual(configuration.Request.BundleIdentifiers, []string{"com.acme.app"}) {
		t.Fatalf("unexpected bundle identifiers %v", configuration.Request.BundleIdentifiers)
	}
	if configuration.Request.PageLimit != 50 {
		t.Fatalf("expected page limit 50, got %d", configuration.Request.PageLimit)
	}
}

func TestPrepareProvisionConfigurationRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name      string
		arguments []string
	}{
		{name: "unknown profile type", arguments: []string{"--profile-type", "IOS_APP_SIDELOAD"}},
		{name: "page limit too large", arguments: []string{"--api-page-limit", "500"}},
		{name: "zero concurrency", arguments: []string{"--resolve-concurrency", "0"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := prepareProvision(t, newTestResources(t), testCase.arguments); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNormalizeList(t *testing.T) {
	actual := normalizeList([]string{" com.a ", "com.b,com.a", "", " , "})
	if !reflect.DeepEqual(actual, []string{"com.a", "com.b"}) {
		t.Fatalf("unexpected list %v", actual)
	}
}
