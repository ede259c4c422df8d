package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/ciprovision/pkg/logging"
)

const (
	// DefaultBaseURL is the App Store Connect API root.
	DefaultBaseURL = "https://api.appstoreconnect.apple.com/v1"

	// DefaultPageLimit is the largest page the profiles endpoint serves.
	DefaultPageLimit = 200

	defaultRequestTimeout  = 60 * time.Second
	maximumErrorBodyLength = 4096
	authorizationHeader    = "Authorization"
	acceptHeader           = "Accept"
	jsonMediaType          = "application/json"
)

// Configuration controls how the client reaches the catalog.
type Configuration struct {
	BaseURL string
	// HTTPClient overrides the transport; nil uses a client with a request timeout.
	HTTPClient *http.Client
	// LogHTTP logs every request and its status through the logging service.
	LogHTTP bool
}

// Client reads provisioning profiles and their bundle identifiers from App Store Connect.
type Client struct {
	httpClient    *http.Client
	tokenProvider TokenProvider
	baseURL       string
}

// NewClient constructs a Client.
func NewClient(tokenProvider TokenProvider, loggingService *logging.Service, configuration Configuration) (*Client, error) {
	if tokenProvider == nil {
		return nil, errors.New("token provider is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base url %q: %w", baseURL, err)
	}

	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if configuration.LogHTTP && loggingService != nil {
		wrapped := *httpClient
		wrapped.Transport = newLoggingTransport(httpClient.Transport, loggingService)
		httpClient = &wrapped
	}

	return &Client{
		httpClient:    httpClient,
		tokenProvider: tokenProvider,
		baseURL:       baseURL,
	}, nil
}

// ListActiveProfiles lazily yields every active profile of the given types, following pagination links.
// Each range over the sequence starts again from the first page. Iteration stops at the first error.
func (client *Client) ListActiveProfiles(ctx context.Context, profileTypes []ProfileType, pageLimit int) iter.Seq2[Profile, error] {
	return func(yield func(Profile, error) bool) {
		pageURL := client.profilesURL(profileTypes, pageLimit)
		visited := map[string]struct{}{}
		for pageURL != "" {
			if _, seen := visited[pageURL]; seen {
				yield(Profile{}, &MalformedResponseError{URL: pageURL, Err: errors.New("pagination link repeats a visited page")})
				return
			}
			visited[pageURL] = struct{}{}

			var page profilesResponse
			if err := client.getJSON(ctx, pageURL, &page); err != nil {
				yield(Profile{}, err)
				return
			}
			if page.Data == nil {
				yield(Profile{}, &MalformedResponseError{URL: pageURL, Err: errors.New("document has no data")})
				return
			}
			for _, resource := range page.Data {
				profile, err := resource.toProfile()
				if err != nil {
					yield(Profile{}, &MalformedResponseError{URL: pageURL, Err: err})
					return
				}
				if !yield(profile, nil) {
					return
				}
			}
			pageURL = page.Links.Next
		}
	}
}

// CollectActiveProfiles drains ListActiveProfiles into a slice.
func (client *Client) CollectActiveProfiles(ctx context.Context, profileTypes []ProfileType, pageLimit int) ([]Profile, error) {
	profiles := []Profile{}
	for profile, err := range client.ListActiveProfiles(ctx, profileTypes, pageLimit) {
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// ResolveBundleID fetches the bundle identifier a profile was issued for.
func (client *Client) ResolveBundleID(ctx context.Context, profileID string) (BundleID, error) {
	if strings.TrimSpace(profileID) == "" {
		return BundleID{}, errors.New("profile id is required")
	}
	resourceURL := client.baseURL + "/profiles/" + url.PathEscape(profileID) + "/bundleId"
	var document bundleIDResponse
	if err := client.getJSON(ctx, resourceURL, &document); err != nil {
		return BundleID{}, err
	}
	if document.Data == nil {
		return BundleID{}, &MalformedResponseError{URL: resourceURL, Err: errors.New("document has no data")}
	}
	bundleID, err := document.Data.toBundleID()
	if err != nil {
		return BundleID{}, &MalformedResponseError{URL: resourceURL, Err: err}
	}
	return bundleID, nil
}

func (client *Client) profilesURL(profileTypes []ProfileType, pageLimit int) string {
	if pageLimit <= 0 || pageLimit > DefaultPageLimit {
		pageLimit = DefaultPageLimit
	}
	query := url.Values{}
	query.Set("filter[profileState]", profileStateActive)
	if len(profileTypes) > 0 {
		typeNames := make([]string, 0, len(profileTypes))
		for _, profileType := range profileTypes {
			typeNames = append(typeNames, string(profileType))
		}
		query.Set("filter[profileType]", strings.Join(typeNames, ","))
	}
	query.Set("include", "bundleId")
	query.Set("limit", strconv.Itoa(pageLimit))
	return client.baseURL + "/profiles?" + query.Encode()
}

func (client *Client) getJSON(ctx context.Context, resourceURL string, target any) error {
	token, err := client.tokenProvider.Token()
	if err != nil {
		return &TokenError{Err: err}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return &TransportError{Method: http.MethodGet, URL: resourceURL, Err: err}
	}
	request.Header.Set(authorizationHeader, "Bearer "+token)
	request.Header.Set(acceptHeader, jsonMediaType)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return &TransportError{Method: http.MethodGet, URL: resourceURL, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maximumErrorBodyLength))
		return &RejectionError{URL: resourceURL, StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		if ctx.Err() != nil {
			return &TransportError{Method: http.MethodGet, URL: resourceURL, Err: ctx.Err()}
		}
		return &MalformedResponseError{URL: resourceURL, Err: err}
	}
	return nil
}
