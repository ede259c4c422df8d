package certificates

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// ErrUnresolvable reports an input that is neither a file, an environment variable nor base64 data.
var ErrUnresolvable = errors.New("value is not a readable file, an environment variable or base64 data")

// EnvironmentLookup mirrors os.LookupEnv.
type EnvironmentLookup func(name string) (string, bool)

// Resolver turns a command line value into bytes. The value may name a file, name an environment
// variable holding base64 data, or be base64 data itself.
type Resolver struct {
	fileSystem        FileSystem
	lookupEnvironment EnvironmentLookup
}

// NewResolver constructs a Resolver. A nil lookup uses the process environment.
func NewResolver(fileSystem FileSystem, lookupEnvironment EnvironmentLookup) Resolver {
	if lookupEnvironment == nil {
		lookupEnvironment = os.LookupEnv
	}
	return Resolver{fileSystem: fileSystem, lookupEnvironment: lookupEnvironment}
}

// Resolve returns nil for an empty value and ErrUnresolvable when the value cannot be interpreted.
// Validation and execution both call Resolve so they always agree on what was supplied.
func (resolver Resolver) Resolve(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	content, fromFile, err := resolver.readFile(trimmed)
	if err != nil {
		return nil, err
	}
	if fromFile {
		return content, nil
	}
	if environmentValue, found := resolver.lookupEnvironment(trimmed); found {
		decoded, decodeErr := decodeBase64(environmentValue)
		if decodeErr != nil {
			return nil, fmt.Errorf("environment variable %s: %w", trimmed, ErrUnresolvable)
		}
		return decoded, nil
	}
	decoded, decodeErr := decodeBase64(trimmed)
	if decodeErr != nil {
		return nil, ErrUnresolvable
	}
	return decoded, nil
}

// ResolveText returns file content, an environment variable value or the literal value, in that order.
func (resolver Resolver) ResolveText(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	content, fromFile, err := resolver.readFile(trimmed)
	if err != nil {
		return "", err
	}
	if fromFile {
		return string(content), nil
	}
	if environmentValue, found := resolver.lookupEnvironment(trimmed); found {
		return environmentValue, nil
	}
	return value, nil
}

func (resolver Resolver) readFile(path string) ([]byte, bool, error) {
	if strings.ContainsRune(path, '\n') {
		return nil, false, nil
	}
	exists, err := resolver.fileSystem.FileExists(path)
	if err != nil || !exists {
		return nil, false, nil
	}
	content, readErr := resolver.fileSystem.ReadFile(path)
	if readErr != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, readErr)
	}
	return content, true, nil
}

func decodeBase64(value string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
	if compact == "" {
		return nil, ErrUnresolvable
	}
	return base64.StdEncoding.DecodeString(compact)
}
