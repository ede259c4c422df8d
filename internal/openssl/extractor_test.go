package openssl

import (
	"context"
	"reflect"
	"testing"

	"github.com/tyemirov/ciprovision/internal/process"
)

type capturingRunner struct {
	executable string
	arguments  []string
}

func (runner *capturingRunner) Run(ctx context.Context, executable string, arguments []string) process.Outcome {
	runner.executable = executable
	runner.arguments = append([]string{}, arguments...)
	return process.Outcome{Succeeded: true}
}

func TestExtractLeafPEMArguments(t *testing.T) {
	testCases := []struct {
		name               string
		configuration      Configuration
		expectedExecutable string
		expectedArguments  []string
	}{
		{
			name:               "default executable",
			configuration:      Configuration{},
			expectedExecutable: DefaultExecutable,
			expectedArguments:  []string{"pkcs12", "-in", "/tmp/a.p12", "-clcerts", "-nokeys", "-out", "/tmp/a.pem", "-passin", "pass:pw"},
		},
		{
			name:               "legacy provider",
			configuration:      Configuration{Executable: "/opt/homebrew/bin/openssl", Legacy: true},
			expectedExecutable: "/opt/homebrew/bin/openssl",
			expectedArguments:  []string{"pkcs12", "-in", "/tmp/a.p12", "-clcerts", "-nokeys", "-out", "/tmp/a.pem", "-passin", "pass:pw", "-legacy"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			runner := &capturingRunner{}
			outcome := NewExtractor(runner, testCase.configuration).ExtractLeafPEM(context.Background(), "/tmp/a.p12", "pw", "/tmp/a.pem")
			if !outcome.Succeeded {
				t.Fatalf("expected success")
			}
			if runner.executable != testCase.expectedExecutable {
				t.Fatalf("expected %s, got %s", testCase.expectedExecutable, runner.executable)
			}
			if !reflect.DeepEqual(runner.arguments, testCase.expectedArguments) {
				t.Fatalf("expected %v, got %v", testCase.expectedArguments, runner.arguments)
			}
		})
	}
}
