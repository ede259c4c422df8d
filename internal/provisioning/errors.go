package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/process"
)

// ErrorKind classifies why a step failed.
type ErrorKind string

const (
	KindProcessInvocationFailure ErrorKind = "ProcessInvocationFailure"
	KindTransportFailure         ErrorKind = "TransportFailure"
	KindRemoteRejection          ErrorKind = "RemoteRejection"
	KindMalformedResponse        ErrorKind = "MalformedResponse"
	KindValidationFailure        ErrorKind = "ValidationFailure"
	KindIOFailure                ErrorKind = "IOFailure"
	// KindVerificationFailed is a process failure of the trust evaluation itself.
	KindVerificationFailed ErrorKind = "VerificationFailed"
)

const (
	ExitCodeSuccess             = 0
	ExitCodeFailure             = 1
	ExitCodeVerificationFailure = 2
)

// Step names reported in failures.
const (
	StepValidate                 = "validate"
	StepInspectKeychain          = "inspect keychain"
	StepCreateKeychain           = "create keychain"
	StepSetDefaultKeychain       = "set default keychain"
	StepUnlockKeychain           = "unlock keychain"
	StepWriteScratch             = "write scratch file"
	StepImportCertificate        = "import certificate"
	StepSetPartitionList         = "set partition list"
	StepImportRootAnchor         = "import root certificate"
	StepImportIntermediateAnchor = "import intermediate certificate"
	StepExtractLeaf              = "extract leaf certificate"
	StepVerifyChain              = "verify certificate chain"
	StepInstallAPIKey            = "install api key"
	StepConnectCatalog           = "connect to app store connect"
	StepListProfiles             = "list provisioning profiles"
	StepResolveBundleIDs         = "resolve bundle identifiers"
	StepInstallProfile           = "install provisioning profile"
	StepEmitOutputs              = "emit output variables"
	StepDeleteKeychain           = "delete keychain"
)

// StepError reports the first fatal failure of a run.
type StepError struct {
	Step    string
	Kind    ErrorKind
	Outcome *process.Outcome
	Err     error
}

func (stepError *StepError) Error() string {
	switch {
	case stepError.Err != nil && stepError.Outcome != nil:
		return fmt.Sprintf("%s failed: %v: %s", stepError.Step, stepError.Err, stepError.Outcome.Summary())
	case stepError.Err != nil:
		return fmt.Sprintf("%s failed: %v", stepError.Step, stepError.Err)
	case stepError.Outcome != nil:
		return fmt.Sprintf("%s failed (exit code %d): %s", stepError.Step, stepError.Outcome.ExitCode, stepError.Outcome.Summary())
	default:
		return fmt.Sprintf("%s failed", stepError.Step)
	}
}

func (stepError *StepError) Unwrap() error {
	return stepError.Err
}

// ExitCode maps a Provision or Deprovision error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var stepError *StepError
	if errors.As(err, &stepError) && stepError.Kind == KindVerificationFailed {
		return ExitCodeVerificationFailure
	}
	return ExitCodeFailure
}

func validationError(format string, arguments ...any) *StepError {
	return &StepError{Step: StepValidate, Kind: KindValidationFailure, Err: fmt.Errorf(format, arguments...)}
}

func ioError(step string, err error) *StepError {
	return &StepError{Step: step, Kind: KindIOFailure, Err: err}
}

// outcomeError builds the failure of an external tool step. Cancellation is attached so errors.Is can detect it.
func outcomeError(ctx context.Context, step string, kind ErrorKind, outcome process.Outcome) *StepError {
	return &StepError{Step: step, Kind: kind, Outcome: &outcome, Err: ctx.Err()}
}

func catalogError(step string, err error) *StepError {
	var rejectionError *appstore.RejectionError
	var malformedError *appstore.MalformedResponseError
	var tokenError *appstore.TokenError
	kind := KindTransportFailure
	switch {
	case errors.As(err, &rejectionError):
		kind = KindRemoteRejection
	case errors.As(err, &malformedError):
		kind = KindMalformedResponse
	case errors.As(err, &tokenError):
		kind = KindValidationFailure
	}
	return &StepError{Step: step, Kind: kind, Err: err}
}
