package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const testBearerToken = "test-token"

type staticTokenProvider struct{}

func (staticTokenProvider) Token() (string, error) {
	return testBearerToken, nil
}

type failingTokenProvider struct{}

func (failingTokenProvider) Token() (string, error) {
	return "", errors.New("key is not an ECDSA key")
}

func profileDocument(id string, uuid string, profileType ProfileType, bundleResourceID string) map[string]any {
	return map[string]any{
		"type": "profiles",
		"id":   id,
		"attributes": map[string]any{
			"name":           "Profile " + id,
			"platform":       "IOS",
			"profileContent": "Y29udGVudA==",
			"uuid":           uuid,
			"profileState":   "ACTIVE",
			"profileType":    string(profileType),
			"expirationDate": "2030-01-02T03:04:05.000+00:00",
		},
		"relationships": map[string]any{
			"bundleId": map[string]any{
				"data": map[string]any{"type": "bundleIds", "id": bundleResourceID},
			},
		},
	}
}

func writeJSON(t *testing.T, responseWriter http.ResponseWriter, document any) {
	t.Helper()
	responseWriter.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(responseWriter).Encode(document))
}

func newTestClient(t *testing.T, router chi.Router) *Client {
	t.Helper()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	client, err := NewClient(staticTokenProvider{}, logging.NewTestService(logging.TypeJSON), Configuration{BaseURL: server.URL + "/v1/", LogHTTP: true})
	require.NoError(t, err)
	return client
}

func TestListActiveProfilesFollowsPagination(t *testing.T) {
	var requestCount atomic.Int32
	var firstQuery url.Values
	router := chi.NewRouter()
	router.Get("/v1/profiles", func(responseWriter http.ResponseWriter, request *http.Request) {
		requestCount.Add(1)
		assert.Equal(t, "Bearer "+testBearerToken, request.Header.Get("Authorization"))
		if request.URL.Query().Get("cursor") == "" {
			firstQuery = request.URL.Query()
			writeJSON(t, responseWriter, map[string]any{
				"data": []any{
					profileDocument("P1", "uuid-1", ProfileTypeIOSAppStore, "B1"),
					profileDocument("P2", "uuid-2", ProfileTypeIOSAppAdHoc, "B2"),
				},
				"links": map[string]any{"next": "http://" + request.Host + "/v1/profiles?cursor=2"},
			})
			return
		}
		writeJSON(t, responseWriter, map[string]any{
			"data":  []any{profileDocument("P3", "uuid-3", ProfileTypeIOSAppStore, "B3")},
			"links": map[string]any{"self": "http://" + request.Host + "/v1/profiles?cursor=2"},
		})
	})
	client := newTestClient(t, router)

	profiles, err := client.CollectActiveProfiles(context.Background(), []ProfileType{ProfileTypeIOSAppStore, ProfileTypeIOSAppAdHoc}, 0)
	require.NoError(t, err)

	require.Len(t, profiles, 3)
	assert.Equal(t, []string{"P1", "P2", "P3"}, []string{profiles[0].ID, profiles[1].ID, profiles[2].ID})
	assert.Equal(t, "uuid-2", profiles[1].UUID)
	assert.Equal(t, ProfileTypeIOSAppAdHoc, profiles[1].ProfileType)
	assert.Equal(t, "B3", profiles[2].BundleIDResourceID)
	assert.Equal(t, "Y29udGVudA==", profiles[0].Content)
	assert.Equal(t, 2030, profiles[0].ExpirationDate.Year())
	assert.Equal(t, int32(2), requestCount.Load())

	require.NotNil(t, firstQuery)
	assert.Equal(t, "ACTIVE", firstQuery.Get("filter[profileState]"))
	assert.Equal(t, "IOS_APP_STORE,IOS_APP_ADHOC", firstQuery.Get("filter[profileType]"))
	assert.Equal(t, "bundleId", firstQuery.Get("include"))
	assert.Equal(t, "200", firstQuery.Get("limit"))
}

func TestListActiveProfilesStopsFetchingWhenConsumerStops(t *testing.T) {
	var requestCount atomic.Int32
	router := chi.NewRouter()
	router.Get("/v1/profiles", func(responseWriter http.ResponseWriter, request *http.Request) {
		requestCount.Add(1)
		writeJSON(t, responseWriter, map[string]any{
			"data": []any{
				profileDocument("P1", "uuid-1", ProfileTypeIOSAppStore, "B1"),
				profileDocument("P2", "uuid-2", ProfileTypeIOSAppStore, "B2"),
			},
			"links": map[string]any{"next": "http://" + request.Host + "/v1/profiles?cursor=next"},
		})
	})
	client := newTestClient(t, router)

	sequence := client.ListActiveProfiles(context.Background(), nil, 10)
	for range 2 {
		for profile, err := range sequence {
			require.NoError(t, err)
			assert.Equal(t, "P1", profile.ID)
			break
		}
	}
	assert.Equal(t, int32(2), requestCount.Load())
}

func TestListActiveProfilesRejectsRepeatingPagination(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/v1/profiles", func(responseWriter http.ResponseWriter, request *http.Request) {
		writeJSON(t, responseWriter, map[string]any{
			"data":  []any{},
			"links": map[string]any{"next": "http://" + request.Host + "/v1/profiles?cursor=loop"},
		})
	})
	client := newTestClient(t, router)

	_, err := client.CollectActiveProfiles(context.Background(), nil, 0)
	var malformedError *MalformedResponseError
	require.ErrorAs(t, err, &malformedError)
}

func TestCatalogErrorKinds(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "non success status is a rejection",
			handler: func(responseWriter http.ResponseWriter, request *http.Request) {
				http.Error(responseWriter, `{"errors":[{"status":"401"}]}`, http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				var rejectionError *RejectionError
				require.ErrorAs(t, err, &rejectionError)
				assert.Equal(t, http.StatusUnauthorized, rejectionError.StatusCode)
				assert.Contains(t, rejectionError.Body, "401")
			},
		},
		{
			name: "undecodable body is malformed",
			handler: func(responseWriter http.ResponseWriter, request *http.Request) {
				_, _ = responseWriter.Write([]byte("{not json"))
			},
			check: func(t *testing.T, err error) {
				var malformedError *MalformedResponseError
				require.ErrorAs(t, err, &malformedError)
			},
		},
		{
			name: "document without data is malformed",
			handler: func(responseWriter http.ResponseWriter, request *http.Request) {
				_, _ = responseWriter.Write([]byte(`{"links":{}}`))
			},
			check: func(t *testing.T, err error) {
				var malformedError *MalformedResponseError
				require.ErrorAs(t, err, &malformedError)
			},
		},
		{
			name: "profile without uuid is malformed",
			handler: func(responseWriter http.ResponseWriter, request *http.Request) {
				writeJSON(t, responseWriter, map[string]any{"data": []any{profileDocument("P1", "", ProfileTypeIOSAppStore, "B1")}})
			},
			check: func(t *testing.T, err error) {
				var malformedError *MalformedResponseError
				require.ErrorAs(t, err, &malformedError)
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := chi.NewRouter()
			router.Get("/v1/profiles", testCase.handler)
			client := newTestClient(t, router)

			_, err := client.CollectActiveProfiles(context.Background(), nil, 0)
			require.Error(t, err)
			testCase.check(t, err)
		})
	}
}

func TestCatalogUnreachableIsTransportError(t *testing.T) {
	server := httptest.NewServer(chi.NewRouter())
	baseURL := server.URL + "/v1"
	server.Close()
	client, err := NewClient(staticTokenProvider{}, nil, Configuration{BaseURL: baseURL})
	require.NoError(t, err)

	_, resolveErr := client.ResolveBundleID(context.Background(), "P1")
	var transportError *TransportError
	require.ErrorAs(t, resolveErr, &transportError)
}

func TestTokenSigningFailureSendsNoRequest(t *testing.T) {
	var requestCount atomic.Int32
	router := chi.NewRouter()
	router.Get("/v1/profiles", func(responseWriter http.ResponseWriter, request *http.Request) {
		requestCount.Add(1)
		writeJSON(t, responseWriter, map[string]any{"data": []any{}})
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	client, err := NewClient(failingTokenProvider{}, nil, Configuration{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, listErr := client.CollectActiveProfiles(context.Background(), nil, 0)
	var tokenError *TokenError
	require.ErrorAs(t, listErr, &tokenError)
	var transportError *TransportError
	assert.False(t, errors.As(listErr, &transportError))
	assert.Equal(t, int32(0), requestCount.Load())
}

func TestCanceledContextIsTransportError(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/v1/profiles", func(responseWriter http.ResponseWriter, request *http.Request) {
		writeJSON(t, responseWriter, map[string]any{"data": []any{}})
	})
	client := newTestClient(t, router)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.CollectActiveProfiles(ctx, nil, 0)
	var transportError *TransportError
	require.ErrorAs(t, err, &transportError)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResolveBundleID(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/v1/profiles/{profileID}/bundleId", func(responseWriter http.ResponseWriter, request *http.Request) {
		profileID := chi.URLParam(request, "profileID")
		writeJSON(t, responseWriter, map[string]any{
			"data": map[string]any{
				"type": "bundleIds",
				"id":   "B-" + profileID,
				"attributes": map[string]any{
					"identifier": "com.acme." + profileID,
					"name":       "Acme",
					"platform":   "IOS",
				},
			},
		})
	})
	client := newTestClient(t, router)

	bundleID, err := client.ResolveBundleID(context.Background(), "P7")
	require.NoError(t, err)
	assert.Equal(t, BundleID{ID: "B-P7", Identifier: "com.acme.P7", Name: "Acme", Platform: "IOS"}, bundleID)

	_, err = client.ResolveBundleID(context.Background(), " ")
	require.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, nil, Configuration{})
	require.Error(t, err)

	_, err = NewClient(staticTokenProvider{}, nil, Configuration{BaseURL: "not a url"})
	require.Error(t, err)

	client, err := NewClient(staticTokenProvider{}, nil, Configuration{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
}

func TestParseProfileTypes(t *testing.T) {
	profileTypes, err := ParseProfileTypes([]string{"ios_app_store", "", "IOS_APP_STORE", " mac_app_direct "})
	require.NoError(t, err)
	assert.Equal(t, []ProfileType{ProfileTypeIOSAppStore, ProfileTypeMacAppDirect}, profileTypes)

	_, err = ParseProfileType("WATCH_APP")
	require.Error(t, err)
}
