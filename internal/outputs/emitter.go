// Package outputs publishes named values to the CI system running the tool.
package outputs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	KindAuto           = "auto"
	KindAzurePipelines = "azure"
	KindGitHubActions  = "github"
	KindLog            = "log"

	azurePipelinesEnvironmentVariable = "TF_BUILD"
	gitHubOutputEnvironmentVariable   = "GITHUB_OUTPUT"

	maskedValue            = "***"
	logMessageOutputSet    = "output variable"
	logFieldName           = "name"
	logFieldValue          = "value"
	gitHubDelimiterPrefix  = "ghadelimiter_"
	gitHubOutputPermission = 0o644
)

// Emitter publishes one output variable. Sensitive values are masked by the CI system where it supports it.
type Emitter interface {
	Set(name string, value string, sensitive bool) error
}

// EnvironmentLookup matches os.LookupEnv.
type EnvironmentLookup func(name string) (string, bool)

// New returns the emitter for kind. KindAuto picks GitHub Actions when GITHUB_OUTPUT is set,
// Azure Pipelines when TF_BUILD is set, and logging otherwise.
func New(kind string, lookupEnvironment EnvironmentLookup, writer io.Writer, loggingService *logging.Service) (Emitter, error) {
	if lookupEnvironment == nil {
		lookupEnvironment = os.LookupEnv
	}
	normalizedKind := strings.ToLower(strings.TrimSpace(kind))
	if normalizedKind == "" || normalizedKind == KindAuto {
		normalizedKind = detectKind(lookupEnvironment)
	}
	switch normalizedKind {
	case KindAzurePipelines:
		return NewAzurePipelinesEmitter(writer), nil
	case KindGitHubActions:
		outputPath, found := lookupEnvironment(gitHubOutputEnvironmentVariable)
		if !found || strings.TrimSpace(outputPath) == "" {
			return nil, fmt.Errorf("%s is not set", gitHubOutputEnvironmentVariable)
		}
		return NewGitHubActionsEmitter(outputPath, writer), nil
	case KindLog:
		return NewLogEmitter(loggingService), nil
	default:
		return nil, fmt.Errorf("unsupported output kind %q", kind)
	}
}

func detectKind(lookupEnvironment EnvironmentLookup) string {
	if value, found := lookupEnvironment(gitHubOutputEnvironmentVariable); found && strings.TrimSpace(value) != "" {
		return KindGitHubActions
	}
	if _, found := lookupEnvironment(azurePipelinesEnvironmentVariable); found {
		return KindAzurePipelines
	}
	return KindLog
}

// AzurePipelinesEmitter writes task.setvariable logging commands.
type AzurePipelinesEmitter struct {
	writer io.Writer
}

// NewAzurePipelinesEmitter constructs an AzurePipelinesEmitter.
func NewAzurePipelinesEmitter(writer io.Writer) AzurePipelinesEmitter {
	return AzurePipelinesEmitter{writer: writer}
}

// Set writes ##vso[task.setvariable] for the value.
func (emitter AzurePipelinesEmitter) Set(name string, value string, sensitive bool) error {
	properties := "variable=" + escapeAzureProperty(name) + ";isOutput=true"
	if sensitive {
		properties += ";issecret=true"
	}
	_, err := fmt.Fprintf(emitter.writer, "##vso[task.setvariable %s]%s\n", properties, escapeAzureData(value))
	return err
}

func escapeAzureData(value string) string {
	return strings.NewReplacer("%", "%AZP25", "\r", "%0D", "\n", "%0A").Replace(value)
}

func escapeAzureProperty(value string) string {
	return strings.NewReplacer("%", "%AZP25", "\r", "%0D", "\n", "%0A", "]", "%5D", ";", "%3B").Replace(value)
}

// GitHubActionsEmitter appends to the $GITHUB_OUTPUT file and masks secrets through workflow commands.
type GitHubActionsEmitter struct {
	outputPath string
	writer     io.Writer
}

// NewGitHubActionsEmitter constructs a GitHubActionsEmitter.
func NewGitHubActionsEmitter(outputPath string, writer io.Writer) GitHubActionsEmitter {
	return GitHubActionsEmitter{outputPath: outputPath, writer: writer}
}

// Set masks sensitive values first, then records the output with a heredoc delimiter.
func (emitter GitHubActionsEmitter) Set(name string, value string, sensitive bool) error {
	if strings.ContainsAny(name, "\r\n=<") || name == "" {
		return fmt.Errorf("invalid output name %q", name)
	}
	if sensitive && value != "" {
		for _, line := range strings.Split(value, "\n") {
			if line == "" {
				continue
			}
			if _, err := fmt.Fprintf(emitter.writer, "::add-mask::%s\n", line); err != nil {
				return err
			}
		}
	}

	delimiter := gitHubDelimiterPrefix + uuid.NewString()
	outputFile, err := os.OpenFile(emitter.outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, gitHubOutputPermission)
	if err != nil {
		return fmt.Errorf("open %s: %w", emitter.outputPath, err)
	}
	_, writeErr := fmt.Fprintf(outputFile, "%s<<%s\n%s\n%s\n", name, delimiter, value, delimiter)
	return errors.Join(writeErr, outputFile.Close())
}

// LogEmitter records outputs in the log, hiding sensitive values.
type LogEmitter struct {
	loggingService *logging.Service
}

// NewLogEmitter constructs a LogEmitter.
func NewLogEmitter(loggingService *logging.Service) LogEmitter {
	return LogEmitter{loggingService: loggingService}
}

// Set logs the variable.
func (emitter LogEmitter) Set(name string, value string, sensitive bool) error {
	if emitter.loggingService == nil {
		return nil
	}
	if sensitive {
		value = maskedValue
	}
	emitter.loggingService.Info(logMessageOutputSet, logging.String(logFieldName, name), logging.String(logFieldValue, value))
	return nil
}
