package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	flagNameBase64     = "base64"
	flagNameOutputFile = "output-file"

	decodedFilePermissions      = 0o600
	decodedDirectoryPermissions = 0o755

	logFieldPath            = "path"
	logFieldBytes           = "bytes"
	logMessageDecodedToFile = "wrote decoded file"
)

// Base64FileConfiguration is the resolved input of `base64-to-file`.
type Base64FileConfiguration struct {
	Input      string
	OutputFile string
}

func newBase64ToFileCommand(resources *applicationResources) *cobra.Command {
	base64Command := &cobra.Command{
		Use:   "base64-to-file",
		Short: "Decode base64 data, an environment variable or a file into an output file",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return prepareBase64FileConfiguration(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBase64ToFile(cmd)
		},
	}

	configurationManager := resources.configurationManager
	base64Command.Flags().String(flagNameBase64, configurationManager.GetString(configKeyBase64ToFileInput), "Base64 data, environment variable with base64 data, or a file")
	base64Command.Flags().String(flagNameOutputFile, configurationManager.GetString(configKeyBase64ToFileOutputFile), "File to write the decoded bytes to")
	_ = configurationManager.BindPFlag(configKeyBase64ToFileInput, base64Command.Flags().Lookup(flagNameBase64))
	_ = configurationManager.BindPFlag(configKeyBase64ToFileOutputFile, base64Command.Flags().Lookup(flagNameOutputFile))
	return base64Command
}

func prepareBase64FileConfiguration(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configuration := Base64FileConfiguration{
		Input:      strings.TrimSpace(resources.configurationManager.GetString(configKeyBase64ToFileInput)),
		OutputFile: strings.TrimSpace(resources.configurationManager.GetString(configKeyBase64ToFileOutputFile)),
	}
	if configuration.Input == "" {
		return fmt.Errorf("--%s value is required", flagNameBase64)
	}
	if configuration.OutputFile == "" {
		return fmt.Errorf("--%s is required", flagNameOutputFile)
	}
	cmd.SetContext(context.WithValue(cmd.Context(), contextKeyBase64FileConfiguration, configuration))
	return nil
}

func runBase64ToFile(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configuration, ok := cmd.Context().Value(contextKeyBase64FileConfiguration).(Base64FileConfiguration)
	if !ok {
		return errors.New("base64-to-file configuration not initialized")
	}

	fileSystem := certificates.NewOperatingSystemFileSystem()
	resolver := certificates.NewResolver(fileSystem, resources.lookupEnvironment)
	written, err := writeDecodedFile(fileSystem, resolver, configuration)
	if err != nil {
		return err
	}
	resources.loggingService.Info(logMessageDecodedToFile, logging.String(logFieldPath, configuration.OutputFile), logging.Int(logFieldBytes, written))
	return nil
}

func writeDecodedFile(fileSystem certificates.FileSystem, resolver certificates.Resolver, configuration Base64FileConfiguration) (int, error) {
	content, err := resolver.Resolve(configuration.Input)
	if err != nil {
		return 0, fmt.Errorf("--%s value is invalid: %w", flagNameBase64, err)
	}
	if len(content) == 0 {
		return 0, fmt.Errorf("--%s value decodes to no data", flagNameBase64)
	}
	if err := fileSystem.EnsureDirectory(filepath.Dir(configuration.OutputFile), decodedDirectoryPermissions); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	if err := fileSystem.WriteFile(configuration.OutputFile, content, decodedFilePermissions); err != nil {
		return 0, fmt.Errorf("write %s: %w", configuration.OutputFile, err)
	}
	return len(content), nil
}
