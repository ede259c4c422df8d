package profiles

import (
	"errors"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

const applicationIdentifierEntitlement = "application-identifier"

// Summary holds the fields of a profile payload that matter when installing it.
type Summary struct {
	UUID                  string
	Name                  string
	TeamIdentifiers       []string
	ApplicationIdentifier string
	ExpirationDate        time.Time
}

type profilePayload struct {
	UUID           string         `plist:"UUID"`
	Name           string         `plist:"Name"`
	TeamIdentifier []string       `plist:"TeamIdentifier"`
	ExpirationDate time.Time      `plist:"ExpirationDate"`
	Entitlements   map[string]any `plist:"Entitlements"`
}

// Inspect reads the property list carried inside a signed .mobileprovision envelope.
// The signature is not verified.
func Inspect(data []byte) (Summary, error) {
	envelope, err := pkcs7.Parse(data)
	if err != nil {
		return Summary{}, fmt.Errorf("parse profile envelope: %w", err)
	}
	if len(envelope.Content) == 0 {
		return Summary{}, errors.New("profile envelope carries no content")
	}
	var payload profilePayload
	if _, err := plist.Unmarshal(envelope.Content, &payload); err != nil {
		return Summary{}, fmt.Errorf("parse profile payload: %w", err)
	}
	summary := Summary{
		UUID:            payload.UUID,
		Name:            payload.Name,
		TeamIdentifiers: payload.TeamIdentifier,
		ExpirationDate:  payload.ExpirationDate,
	}
	if applicationIdentifier, ok := payload.Entitlements[applicationIdentifierEntitlement].(string); ok {
		summary.ApplicationIdentifier = applicationIdentifier
	}
	return summary, nil
}
