package appstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultResolveConcurrency bounds concurrent bundle identifier lookups.
const DefaultResolveConcurrency = 4

// BundleIDResolver looks up the bundle identifier of one profile.
type BundleIDResolver interface {
	ResolveBundleID(ctx context.Context, profileID string) (BundleID, error)
}

// ResolveBundleIDs resolves every profile with at most concurrency lookups in flight.
// Results follow the order of profiles; the first failure cancels the remaining lookups.
func ResolveBundleIDs(ctx context.Context, resolver BundleIDResolver, profiles []Profile, concurrency int) ([]BundleID, error) {
	if concurrency < 1 {
		concurrency = DefaultResolveConcurrency
	}
	bundleIDs := make([]BundleID, len(profiles))
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for index, profile := range profiles {
		group.Go(func() error {
			bundleID, err := resolver.ResolveBundleID(groupContext, profile.ID)
			if err != nil {
				return fmt.Errorf("resolve bundle id of profile %s: %w", profile.ID, err)
			}
			bundleIDs[index] = bundleID
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return bundleIDs, nil
}
