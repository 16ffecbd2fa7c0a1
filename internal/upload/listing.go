package upload

import (
	"github.com/andresuchdata/chunkup/internal/domain"
)

// ListingService projects session snapshots for polling clients.
type ListingService struct {
	registry *Registry
}

func NewListingService(registry *Registry) *ListingService {
	return &ListingService{registry: registry}
}

// List returns one row per session, sorted by path. Rows may lag behind chunk
// writes that are still in flight.
func (l *ListingService) List() []domain.ObjectListing {
	snaps := l.registry.Snapshot()
	items := make([]domain.ObjectListing, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, snap.Listing())
	}
	return items
}

func (l *ListingService) Get(path string) (domain.ObjectListing, error) {
	path, err := domain.ValidatePath(path)
	if err != nil {
		return domain.ObjectListing{}, err
	}
	sess, ok := l.registry.Get(path)
	if !ok {
		return domain.ObjectListing{}, domain.NewError(domain.KindNotFound, "get object", path, "no upload for this path")
	}
	return sess.Snapshot().Listing(), nil
}
