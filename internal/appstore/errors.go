package appstore

import "fmt"

// TransportError reports a request that could not complete, including cancellation.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (transportError *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", transportError.Method, transportError.URL, transportError.Err)
}

func (transportError *TransportError) Unwrap() error {
	return transportError.Err
}

// RejectionError reports a non-success status returned by the catalog.
type RejectionError struct {
	URL        string
	StatusCode int
	Body       string
}

func (rejectionError *RejectionError) Error() string {
	if rejectionError.Body == "" {
		return fmt.Sprintf("%s returned status %d", rejectionError.URL, rejectionError.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", rejectionError.URL, rejectionError.StatusCode, rejectionError.Body)
}

// MalformedResponseError reports a response body that could not be decoded into the expected document.
type MalformedResponseError struct {
	URL string
	Err error
}

func (malformedError *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", malformedError.URL, malformedError.Err)
}

func (malformedError *MalformedResponseError) Unwrap() error {
	return malformedError.Err
}

// TokenError reports a bearer token that could not be signed. No request was sent.
type TokenError struct {
	Err error
}

func (tokenError *TokenError) Error() string {
	return fmt.Sprintf("sign app store connect token: %v", tokenError.Err)
}

func (tokenError *TokenError) Unwrap() error {
	return tokenError.Err
}
