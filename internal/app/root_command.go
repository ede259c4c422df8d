package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagNameConfigFile  = "config"
	flagNameLoggingType = "logging-type"
	flagNameVerbose     = "verbose"
)

// flagAliases maps alternate flag spellings onto the registered flag names.
var flagAliases = map[string]string{
	"app-store-connect-key-id":      flagNameAPIKeyID,
	"app-store-connect-issuer-id":   flagNameAPIIssuerID,
	"app-store-connect-private-key": flagNameAPIPrivateKey,
	"default-keychain":              flagNameDefaultKeychain,
	"root-certificate":              flagNameRootCertificate,
	"intermediate-certificate":      flagNameIntermediateCertificate,
}

func newRootCommand(resources *applicationResources) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           defaultApplicationName,
		Short:         "Provision macOS build agents for code signing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigurationFile(cmd); err != nil {
				return err
			}
			if err := resources.updateLogger(resources.configurationManager.GetString(configKeyLoggingType)); err != nil {
				return err
			}
			resources.loggingService.SetVerbose(resources.configurationManager.GetBool(configKeyLoggingVerbose))
			return nil
		},
	}
	rootCommand.SetGlobalNormalizationFunc(normalizeFlagAliases)

	rootCommand.PersistentFlags().String(flagNameConfigFile, "", "Path to configuration file")
	rootCommand.PersistentFlags().String(flagNameLoggingType, resources.configurationManager.GetString(configKeyLoggingType), "Logging type (CONSOLE or JSON)")
	rootCommand.PersistentFlags().Bool(flagNameVerbose, resources.configurationManager.GetBool(configKeyLoggingVerbose), "Log every external tool invocation")
	_ = resources.configurationManager.BindPFlag(configKeyLoggingType, rootCommand.PersistentFlags().Lookup(flagNameLoggingType))
	_ = resources.configurationManager.BindPFlag(configKeyLoggingVerbose, rootCommand.PersistentFlags().Lookup(flagNameVerbose))

	ciCommand := &cobra.Command{
		Use:   "ci",
		Short: "Prepare and clean up CI build agents",
	}
	ciCommand.AddCommand(newProvisionCommand(resources))
	ciCommand.AddCommand(newDeprovisionCommand(resources))

	rootCommand.AddCommand(ciCommand)
	rootCommand.AddCommand(newBase64ToFileCommand(resources))
	return rootCommand
}

func normalizeFlagAliases(flagSet *pflag.FlagSet, name string) pflag.NormalizedName {
	if canonicalName, found := flagAliases[name]; found {
		return pflag.NormalizedName(canonicalName)
	}
	return pflag.NormalizedName(name)
}

func loadConfigurationFile(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configurationManager := resources.configurationManager
	configFilePath, flagErr := cmd.Flags().GetString(flagNameConfigFile)
	if flagErr != nil {
		return fmt.Errorf("read config flag: %w", flagErr)
	}
	if configFilePath != "" {
		configurationManager.SetConfigFile(configFilePath)
	} else {
		configurationManager.AddConfigPath(resources.defaultConfigDirPath)
		configurationManager.SetConfigName(defaultConfigFileName)
		configurationManager.SetConfigType(defaultConfigFileType)
	}
	if readErr := configurationManager.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return fmt.Errorf("read configuration: %w", readErr)
		}
	}
	return nil
}

func getApplicationResources(cmd *cobra.Command) (*applicationResources, error) {
	resourceValue := cmd.Context().Value(contextKeyApplicationResources)
	if resourceValue == nil {
		return nil, errors.New("application resources not configured")
	}
	resources, ok := resourceValue.(*applicationResources)
	if !ok {
		return nil, errors.New("invalid application resources type")
	}
	return resources, nil
}
