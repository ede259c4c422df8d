package appstore

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	consoleRequestTimeLayout   = "02/Jan/2006 15:04:05"
	logFieldMethod             = "method"
	logFieldURL                = "url"
	logFieldStatus             = "status"
	logFieldDuration           = "duration"
	logMessageRequestStarted   = "catalog request started"
	logMessageRequestCompleted = "catalog request completed"
	logMessageRequestFailed    = "catalog request failed"
)

// loggingTransport records catalog traffic. Request headers are never logged because they carry the bearer token.
type loggingTransport struct {
	next           http.RoundTripper
	loggingService *logging.Service
}

func newLoggingTransport(next http.RoundTripper, loggingService *logging.Service) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return loggingTransport{next: next, loggingService: loggingService}
}

func (transport loggingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	startTime := time.Now()
	if transport.loggingService.Type() == logging.TypeJSON {
		transport.loggingService.Info(
			logMessageRequestStarted,
			logging.String(logFieldMethod, request.Method),
			logging.String(logFieldURL, request.URL.String()),
		)
	}

	response, err := transport.next.RoundTrip(request)
	duration := time.Since(startTime)
	if err != nil {
		transport.loggingService.Warn(
			logMessageRequestFailed,
			logging.String(logFieldMethod, request.Method),
			logging.String(logFieldURL, request.URL.String()),
			logging.Duration(logFieldDuration, duration),
			logging.ErrorField(err),
		)
		return nil, err
	}

	switch transport.loggingService.Type() {
	case logging.TypeConsole:
		transport.loggingService.Info(formatConsoleRequestLog(request, response.StatusCode, startTime, duration))
	default:
		transport.loggingService.Info(
			logMessageRequestCompleted,
			logging.String(logFieldMethod, request.Method),
			logging.String(logFieldURL, request.URL.String()),
			logging.Int(logFieldStatus, response.StatusCode),
			logging.Duration(logFieldDuration, duration),
		)
	}
	return response, nil
}

func formatConsoleRequestLog(request *http.Request, statusCode int, startTime time.Time, duration time.Duration) string {
	timestamp := startTime.Format(consoleRequestTimeLayout)
	return fmt.Sprintf("[%s] \"%s %s\" %d %s", timestamp, request.Method, request.URL.String(), statusCode, duration.Round(time.Millisecond))
}
