// Package matching selects provisioning profiles by bundle identifier pattern.
package matching

import (
	"strings"

	"github.com/tyemirov/ciprovision/internal/appstore"
)

const wildcardSuffix = "*"

// Matches reports whether candidate satisfies pattern. A pattern ending in "*" matches every
// candidate that starts with the pattern minus the asterisk; any other pattern must equal the candidate.
func Matches(pattern string, candidate string) bool {
	if prefix, isWildcard := strings.CutSuffix(pattern, wildcardSuffix); isWildcard {
		return strings.HasPrefix(candidate, prefix)
	}
	return pattern == candidate
}

// SelectProfiles returns the profiles whose bundle identifier matches at least one pattern.
// bundleIDs[i] belongs to profiles[i]. An empty pattern list selects every profile.
// Input order is kept and a profile is returned at most once.
func SelectProfiles(profiles []appstore.Profile, bundleIDs []appstore.BundleID, patterns []string) []appstore.Profile {
	selected := make([]appstore.Profile, 0, len(profiles))
	seenUUIDs := make(map[string]struct{}, len(profiles))
	for index, profile := range profiles {
		if _, seen := seenUUIDs[profile.UUID]; seen {
			continue
		}
		if len(patterns) > 0 {
			if index >= len(bundleIDs) || !anyMatches(patterns, bundleIDs[index].Identifier) {
				continue
			}
		}
		seenUUIDs[profile.UUID] = struct{}{}
		selected = append(selected, profile)
	}
	return selected
}

func anyMatches(patterns []string, identifier string) bool {
	for _, pattern := range patterns {
		if Matches(pattern, identifier) {
			return true
		}
	}
	return false
}
