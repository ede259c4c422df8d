package openssl

import (
	"context"

	"github.com/tyemirov/ciprovision/internal/process"
)

// DefaultExecutable is the OpenSSL binary shipped with macOS.
const DefaultExecutable = "/usr/bin/openssl"

// Configuration selects the OpenSSL binary and its PKCS#12 options.
type Configuration struct {
	Executable string
	// Legacy enables the legacy provider, needed by OpenSSL 3 for RC2 encrypted bundles.
	Legacy bool
}

// Extractor converts PKCS#12 bundles into PEM leaf certificates.
type Extractor struct {
	commandRunner process.Runner
	configuration Configuration
}

// NewExtractor constructs an Extractor.
func NewExtractor(commandRunner process.Runner, configuration Configuration) Extractor {
	if configuration.Executable == "" {
		configuration.Executable = DefaultExecutable
	}
	return Extractor{commandRunner: commandRunner, configuration: configuration}
}

// ExtractLeafPEM writes the client certificate of the bundle, without its private key, to outputPath.
func (extractor Extractor) ExtractLeafPEM(ctx context.Context, pkcs12Path string, passphrase string, outputPath string) process.Outcome {
	arguments := []string{
		"pkcs12",
		"-in", pkcs12Path,
		"-clcerts",
		"-nokeys",
		"-out", outputPath,
		"-passin", "pass:" + passphrase,
	}
	if extractor.configuration.Legacy {
		arguments = append(arguments, "-legacy")
	}
	return extractor.commandRunner.Run(ctx, extractor.configuration.Executable, arguments)
}
