package appstore

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProfileType enumerates the provisioning profile types known to App Store Connect.
type ProfileType string

const (
	ProfileTypeIOSAppDevelopment         ProfileType = "IOS_APP_DEVELOPMENT"
	ProfileTypeIOSAppStore               ProfileType = "IOS_APP_STORE"
	ProfileTypeIOSAppAdHoc               ProfileType = "IOS_APP_ADHOC"
	ProfileTypeIOSAppInHouse             ProfileType = "IOS_APP_INHOUSE"
	ProfileTypeMacAppDevelopment         ProfileType = "MAC_APP_DEVELOPMENT"
	ProfileTypeMacAppStore               ProfileType = "MAC_APP_STORE"
	ProfileTypeMacAppDirect              ProfileType = "MAC_APP_DIRECT"
	ProfileTypeTVOSAppDevelopment        ProfileType = "TVOS_APP_DEVELOPMENT"
	ProfileTypeTVOSAppStore              ProfileType = "TVOS_APP_STORE"
	ProfileTypeTVOSAppAdHoc              ProfileType = "TVOS_APP_ADHOC"
	ProfileTypeTVOSAppInHouse            ProfileType = "TVOS_APP_INHOUSE"
	ProfileTypeMacCatalystAppDevelopment ProfileType = "MAC_CATALYST_APP_DEVELOPMENT"
	ProfileTypeMacCatalystAppStore       ProfileType = "MAC_CATALYST_APP_STORE"
	ProfileTypeMacCatalystAppDirect      ProfileType = "MAC_CATALYST_APP_DIRECT"
)

const (
	resourceTypeProfiles  = "profiles"
	resourceTypeBundleIDs = "bundleIds"
	profileStateActive    = "ACTIVE"
)

var catalogTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700"}

var knownProfileTypes = []ProfileType{
	ProfileTypeIOSAppDevelopment,
	ProfileTypeIOSAppStore,
	ProfileTypeIOSAppAdHoc,
	ProfileTypeIOSAppInHouse,
	ProfileTypeMacAppDevelopment,
	ProfileTypeMacAppStore,
	ProfileTypeMacAppDirect,
	ProfileTypeTVOSAppDevelopment,
	ProfileTypeTVOSAppStore,
	ProfileTypeTVOSAppAdHoc,
	ProfileTypeTVOSAppInHouse,
	ProfileTypeMacCatalystAppDevelopment,
	ProfileTypeMacCatalystAppStore,
	ProfileTypeMacCatalystAppDirect,
}

// ParseProfileType accepts a profile type in any letter case.
func ParseProfileType(rawValue string) (ProfileType, error) {
	candidate := ProfileType(strings.ToUpper(strings.TrimSpace(rawValue)))
	if slices.Contains(knownProfileTypes, candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("unsupported profile type %q", rawValue)
}

// ParseProfileTypes parses every value, dropping duplicates while keeping the first occurrence order.
func ParseProfileTypes(rawValues []string) ([]ProfileType, error) {
	profileTypes := make([]ProfileType, 0, len(rawValues))
	for _, rawValue := range rawValues {
		if strings.TrimSpace(rawValue) == "" {
			continue
		}
		profileType, err := ParseProfileType(rawValue)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(profileTypes, profileType) {
			profileTypes = append(profileTypes, profileType)
		}
	}
	return profileTypes, nil
}

// Profile is an active provisioning profile as listed by the catalog.
type Profile struct {
	ID                 string
	UUID               string
	Name               string
	ProfileType        ProfileType
	Platform           string
	State              string
	Content            string
	ExpirationDate     time.Time
	BundleIDResourceID string
}

// BundleID is the application identifier a profile was issued for.
type BundleID struct {
	ID         string
	Identifier string
	Name       string
	Platform   string
}

type resourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type profileAttributes struct {
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	ProfileContent string `json:"profileContent"`
	UUID           string `json:"uuid"`
	ProfileState   string `json:"profileState"`
	ProfileType    string `json:"profileType"`
	ExpirationDate string `json:"expirationDate"`
}

type profileRelationships struct {
	BundleID struct {
		Data *resourceIdentifier `json:"data"`
	} `json:"bundleId"`
}

type profileResource struct {
	Type          string               `json:"type"`
	ID            string               `json:"id"`
	Attributes    profileAttributes    `json:"attributes"`
	Relationships profileRelationships `json:"relationships"`
}

type pagedDocumentLinks struct {
	Self string `json:"self"`
	Next string `json:"next"`
}

type profilesResponse struct {
	Data  []profileResource  `json:"data"`
	Links pagedDocumentLinks `json:"links"`
}

type bundleIDAttributes struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
}

type bundleIDResource struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	Attributes bundleIDAttributes `json:"attributes"`
}

type bundleIDResponse struct {
	Data *bundleIDResource `json:"data"`
}

func (resource profileResource) toProfile() (Profile, error) {
	if resource.ID == "" || resource.Type != resourceTypeProfiles {
		return Profile{}, fmt.Errorf("profile resource has type %q and id %q", resource.Type, resource.ID)
	}
	if resource.Attributes.UUID == "" {
		return Profile{}, fmt.Errorf("profile %s has no uuid", resource.ID)
	}
	profile := Profile{
		ID:          resource.ID,
		UUID:        resource.Attributes.UUID,
		Name:        resource.Attributes.Name,
		ProfileType: ProfileType(resource.Attributes.ProfileType),
		Platform:    resource.Attributes.Platform,
		State:       resource.Attributes.ProfileState,
		Content:     resource.Attributes.ProfileContent,
	}
	profile.ExpirationDate = parseCatalogTime(resource.Attributes.ExpirationDate)
	if resource.Relationships.BundleID.Data != nil {
		profile.BundleIDResourceID = resource.Relationships.BundleID.Data.ID
	}
	return profile, nil
}

func (resource bundleIDResource) toBundleID() (BundleID, error) {
	if resource.ID == "" || resource.Type != resourceTypeBundleIDs {
		return BundleID{}, fmt.Errorf("bundle id resource has type %q and id %q", resource.Type, resource.ID)
	}
	if resource.Attributes.Identifier == "" {
		return BundleID{}, fmt.Errorf("bundle id %s has no identifier", resource.ID)
	}
	return BundleID{
		ID:         resource.ID,
		Identifier: resource.Attributes.Identifier,
		Name:       resource.Attributes.Name,
		Platform:   resource.Attributes.Platform,
	}, nil
}

// parseCatalogTime returns the zero time for values it cannot read; expiration is informational only.
func parseCatalogTime(rawValue string) time.Time {
	for _, layout := range catalogTimeLayouts {
		if parsed, err := time.Parse(layout, rawValue); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
