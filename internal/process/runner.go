package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	startFailureExitCode = -1
	redactedValue        = "***"
	passphrasePrefix     = "pass:"
	logFieldExecutable   = "executable"
	logFieldArguments    = "arguments"
	logFieldExitCode     = "exit_code"
)

// cancellationWaitDelay bounds how long Run waits for output pipes after the tool was killed.
const cancellationWaitDelay = 2 * time.Second

// secretFlags precede a value that must never reach the logs.
var secretFlags = map[string]struct{}{
	"-p": {},
	"-P": {},
}

// subcommandSecretFlags are secret only for one subcommand. Elsewhere "-k" names a keychain path.
var subcommandSecretFlags = map[string]map[string]struct{}{
	"set-key-partition-list": {"-k": {}},
}

// Outcome is the uniform result of one external invocation.
type Outcome struct {
	Succeeded bool
	ExitCode  int
	Stdout    string
	Stderr    string
}

// Combine merges two dependent invocations; the result succeeds only when both did.
func (outcome Outcome) Combine(next Outcome) Outcome {
	exitCode := next.ExitCode
	if !outcome.Succeeded {
		exitCode = outcome.ExitCode
	}
	return Outcome{
		Succeeded: outcome.Succeeded && next.Succeeded,
		ExitCode:  exitCode,
		Stdout:    joinOutput(outcome.Stdout, next.Stdout),
		Stderr:    joinOutput(outcome.Stderr, next.Stderr),
	}
}

// Summary returns the most useful single line describing a failed outcome.
func (outcome Outcome) Summary() string {
	text := strings.TrimSpace(outcome.Stderr)
	if text == "" {
		text = strings.TrimSpace(outcome.Stdout)
	}
	if text == "" {
		return "no output captured"
	}
	return text
}

// Succeeded builds a successful outcome that did not run anything.
func Succeeded(stdout string) Outcome {
	return Outcome{Succeeded: true, Stdout: stdout}
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, executable string, arguments []string) Outcome
}

// ExecutableRunner executes commands using the local operating system.
type ExecutableRunner struct {
	loggingService *logging.Service
}

// NewExecutableRunner constructs an ExecutableRunner. A nil logging service disables invocation logging.
func NewExecutableRunner(loggingService *logging.Service) ExecutableRunner {
	return ExecutableRunner{loggingService: loggingService}
}

// Run executes the executable with the provided arguments. It never returns an error:
// exit status, cancellation and start failures are all reported through the Outcome.
func (executableRunner ExecutableRunner) Run(ctx context.Context, executable string, arguments []string) Outcome {
	if executableRunner.loggingService != nil {
		executableRunner.loggingService.Debug("running external tool",
			logging.String(logFieldExecutable, executable),
			logging.Strings(logFieldArguments, RedactArguments(arguments)),
		)
	}
	command := exec.CommandContext(ctx, executable, arguments...)
	var stdoutBuffer bytes.Buffer
	var stderrBuffer bytes.Buffer
	command.Stdout = &stdoutBuffer
	command.Stderr = &stderrBuffer
	command.WaitDelay = cancellationWaitDelay
	configureProcessGroup(command)

	runErr := command.Run()
	outcome := Outcome{
		Succeeded: runErr == nil,
		Stdout:    stdoutBuffer.String(),
		Stderr:    stderrBuffer.String(),
	}
	if runErr == nil {
		return outcome
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		outcome.ExitCode = startFailureExitCode
	case errors.As(runErr, &exitErr):
		outcome.ExitCode = exitErr.ExitCode()
	default:
		outcome.ExitCode = startFailureExitCode
		outcome.Stderr = joinOutput(outcome.Stderr, runErr.Error())
	}
	if executableRunner.loggingService != nil {
		executableRunner.loggingService.Debug("external tool failed",
			logging.String(logFieldExecutable, executable),
			logging.Int(logFieldExitCode, outcome.ExitCode),
		)
	}
	return outcome
}

// RedactArguments masks passwords and passphrases in an argument vector.
func RedactArguments(arguments []string) []string {
	redacted := make([]string, len(arguments))
	var extraSecretFlags map[string]struct{}
	if len(arguments) > 0 {
		extraSecretFlags = subcommandSecretFlags[arguments[0]]
	}
	maskNext := false
	for index, argument := range arguments {
		switch {
		case maskNext:
			redacted[index] = redactedValue
			maskNext = false
		case strings.HasPrefix(argument, passphrasePrefix):
			redacted[index] = passphrasePrefix + redactedValue
		default:
			redacted[index] = argument
			_, isSecretFlag := secretFlags[argument]
			_, isSubcommandSecretFlag := extraSecretFlags[argument]
			maskNext = isSecretFlag || isSubcommandSecretFlag
		}
	}
	return redacted
}

func joinOutput(first string, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return strings.TrimRight(first, "\n") + "\n" + second
	}
}
