package matching

import (
	"reflect"
	"testing"

	"github.com/tyemirov/ciprovision/internal/appstore"
)

func TestMatches(t *testing.T) {
	testCases := []struct {
		name      string
		pattern   string
		candidate string
		expected  bool
	}{
		{name: "exact pattern is reflexive", pattern: "com.acme.app", candidate: "com.acme.app", expected: true},
		{name: "exact pattern rejects longer candidate", pattern: "com.acme.app", candidate: "com.acme.app.widget", expected: false},
		{name: "wildcard matches child", pattern: "com.foo.*", candidate: "com.foo.bar", expected: true},
		{name: "wildcard matches deeper child", pattern: "com.foo.*", candidate: "com.foo.bar.baz", expected: true},
		{name: "wildcard rejects sibling prefix", pattern: "com.foo.*", candidate: "com.fo.bar", expected: false},
		{name: "bare wildcard matches everything", pattern: "*", candidate: "anything", expected: true},
		{name: "asterisk inside pattern is literal", pattern: "com.*.app", candidate: "com.acme.app", expected: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := Matches(testCase.pattern, testCase.candidate); actual != testCase.expected {
				t.Fatalf("Matches(%q, %q) = %t, expected %t", testCase.pattern, testCase.candidate, actual, testCase.expected)
			}
		})
	}
}

func TestSelectProfiles(t *testing.T) {
	profiles := []appstore.Profile{
		{ID: "1", UUID: "uuid-acme"},
		{ID: "2", UUID: "uuid-other"},
		{ID: "3", UUID: "uuid-acme-widget"},
		{ID: "4", UUID: "uuid-acme"},
		{ID: "5", UUID: "uuid-acme-wildcard"},
	}
	bundleIDs := []appstore.BundleID{
		{Identifier: "com.acme.app"},
		{Identifier: "com.other.app"},
		{Identifier: "com.acme.app.widget"},
		{Identifier: "com.acme.app"},
		{Identifier: "com.acme.*"},
	}

	testCases := []struct {
		name        string
		patterns    []string
		expectedIDs []string
	}{
		{name: "empty patterns select all once", patterns: nil, expectedIDs: []string{"1", "2", "3", "5"}},
		{name: "wildcard selects matching profiles in order", patterns: []string{"com.acme.*"}, expectedIDs: []string{"1", "3", "5"}},
		{name: "exact pattern selects one", patterns: []string{"com.other.app"}, expectedIDs: []string{"2"}},
		{name: "pattern order does not matter", patterns: []string{"com.other.app", "com.acme.app"}, expectedIDs: []string{"1", "2"}},
		{name: "wildcard profile does not serve exact pattern", patterns: []string{"com.acme.app"}, expectedIDs: []string{"1"}},
		{name: "unmatched pattern selects nothing", patterns: []string{"org.none"}, expectedIDs: []string{}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			selected := SelectProfiles(profiles, bundleIDs, testCase.patterns)
			actualIDs := []string{}
			for _, profile := range selected {
				actualIDs = append(actualIDs, profile.ID)
			}
			if !reflect.DeepEqual(actualIDs, testCase.expectedIDs) {
				t.Fatalf("expected %v, got %v", testCase.expectedIDs, actualIDs)
			}
		})
	}
}
