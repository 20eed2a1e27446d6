package source

import (
	"context"

	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
)

// Snapshot is one consistent read of the provider store: the records plus,
// for static providers, their parsed coverage polygons.
type Snapshot struct {
	Records  []provider.Record
	Geometry map[string][]geometry.Polygon
	// Fingerprint identifies the store content; the refresher skips reloads
	// when it has not changed.
	Fingerprint string
}

// Source supplies provider configuration. Implementations must return a
// complete snapshot or an error, never a partial view.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}
