package profiles

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/tyemirov/ciprovision/internal/appstore"
	"github.com/tyemirov/ciprovision/internal/certificates"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

type fixedClock struct {
	now time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.now
}

func buildSignedProfile(t *testing.T, uuid string, expiration time.Time) []byte {
	t.Helper()
	payload := map[string]any{
		"UUID":           uuid,
		"Name":           "Acme Distribution",
		"TeamIdentifier": []string{"TEAM123456"},
		"ExpirationDate": expiration,
		"Entitlements":   map[string]any{"application-identifier": "TEAM123456.com.acme.app"},
	}
	content, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Profile Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	certificateDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(certificateDER)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("create signed data: %v", err)
	}
	if err := signedData.AddSigner(certificate, privateKey, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	envelope, err := signedData.Finish()
	if err != nil {
		t.Fatalf("finish signed data: %v", err)
	}
	return envelope
}

func TestInspectReadsEmbeddedPayload(t *testing.T) {
	expiration := time.Date(2031, time.March, 4, 5, 6, 7, 0, time.UTC)
	summary, err := Inspect(buildSignedProfile(t, "1F2E3D4C", expiration))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if summary.UUID != "1F2E3D4C" || summary.Name != "Acme Distribution" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.TeamIdentifiers) != 1 || summary.TeamIdentifiers[0] != "TEAM123456" {
		t.Fatalf("unexpected team identifiers %v", summary.TeamIdentifiers)
	}
	if summary.ApplicationIdentifier != "TEAM123456.com.acme.app" {
		t.Fatalf("unexpected application identifier %q", summary.ApplicationIdentifier)
	}
	if !summary.ExpirationDate.Equal(expiration) {
		t.Fatalf("expected expiration %v, got %v", expiration, summary.ExpirationDate)
	}

	if _, err := Inspect([]byte("not a cms envelope")); err == nil {
		t.Fatalf("expected error for malformed envelope")
	}
}

func TestInstallWritesAndOverwritesProfile(t *testing.T) {
	directory := filepath.Join(t.TempDir(), "Provisioning Profiles")
	installer := NewInstaller(certificates.NewOperatingSystemFileSystem(), logging.NewTestService(logging.TypeConsole), nil)
	profile := appstore.Profile{ID: "P1", UUID: "uuid-1", Content: base64.StdEncoding.EncodeToString([]byte("first"))}

	profilePath, err := installer.Install(profile, directory)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if profilePath != filepath.Join(directory, "uuid-1.mobileprovision") {
		t.Fatalf("unexpected profile path %s", profilePath)
	}

	profile.Content = base64.StdEncoding.EncodeToString([]byte("second"))
	if _, err := installer.Install(profile, directory); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	content, err := os.ReadFile(profilePath)
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if string(content) != "second" {
		t.Fatalf("expected overwritten content, got %q", content)
	}
	info, err := os.Stat(profilePath)
	if err != nil {
		t.Fatalf("stat profile: %v", err)
	}
	if info.Mode().Perm() != profileFilePermission {
		t.Fatalf("expected permissions %o, got %o", profileFilePermission, info.Mode().Perm())
	}
}

func TestInstallRejectsUnusableProfiles(t *testing.T) {
	installer := NewInstaller(certificates.NewOperatingSystemFileSystem(), nil, nil)
	directory := t.TempDir()

	testCases := []struct {
		name          string
		profile       appstore.Profile
		expectedError error
	}{
		{name: "empty content", profile: appstore.Profile{UUID: "uuid-1"}, expectedError: ErrEmptyContent},
		{name: "invalid base64", profile: appstore.Profile{UUID: "uuid-1", Content: "%%%"}},
		{name: "missing uuid", profile: appstore.Profile{Content: "Zm9v"}},
		{name: "uuid with separator", profile: appstore.Profile{UUID: "../x", Content: "Zm9v"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := installer.Install(testCase.profile, directory)
			if err == nil {
				t.Fatalf("expected error")
			}
			if testCase.expectedError != nil && !errors.Is(err, testCase.expectedError) {
				t.Fatalf("expected %v, got %v", testCase.expectedError, err)
			}
		})
	}
}

func TestInstallWarnsAboutPayloadMismatch(t *testing.T) {
	var buffer bytes.Buffer
	loggingService, err := logging.NewWriterService(logging.TypeConsole, &buffer)
	if err != nil {
		t.Fatalf("create logging service: %v", err)
	}
	expiration := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	installer := NewInstaller(certificates.NewOperatingSystemFileSystem(), loggingService, fixedClock{now: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)})
	profile := appstore.Profile{
		ID:      "P1",
		UUID:    "catalog-uuid",
		Content: base64.StdEncoding.EncodeToString(buildSignedProfile(t, "embedded-uuid", expiration)),
	}

	if _, err := installer.Install(profile, t.TempDir()); err != nil {
		t.Fatalf("install: %v", err)
	}
	output := buffer.String()
	if !strings.Contains(output, logMessageUUIDMismatch) {
		t.Fatalf("expected uuid mismatch warning, got %q", output)
	}
	if !strings.Contains(output, logMessageProfileExpired) {
		t.Fatalf("expected expiration warning, got %q", output)
	}
}

func TestDefaultDirectory(t *testing.T) {
	expected := filepath.Join("/Users/builder", "Library", "MobileDevice", "Provisioning Profiles")
	if actual := DefaultDirectory("/Users/builder"); actual != expected {
		t.Fatalf("expected %s, got %s", expected, actual)
	}
}
