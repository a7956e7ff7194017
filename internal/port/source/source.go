// Package source defines the port for paged SaaS listing APIs that
// connectors sync from.
package source

import (
	"context"

	"github.com/lattice-hq/lattice/internal/domain/record"
)

// GroupPage is one page of groups plus the token for the next page.
// An empty NextToken means the listing is exhausted.
type GroupPage struct {
	Groups    []record.Group
	NextToken string
}

// RecordPage is one page of records plus the token for the next page.
type RecordPage struct {
	Records   []record.Record
	NextToken string
}

// PermissionPage is one page of permissions plus the token for the next page.
type PermissionPage struct {
	Permissions []record.Permission
	NextToken   string
}

// Source abstracts one external SaaS listing API. Implementations fill
// only the External* and content fields of the returned entities; the
// sync engine assigns IDs and connector linkage.
type Source interface {
	// Name returns the source type name the source registers under.
	Name() string

	// ListGroups returns one page of collections.
	ListGroups(ctx context.Context, pageToken string, limit int) (*GroupPage, error)

	// ListRecords returns one page of records in the group identified by
	// its external ID.
	ListRecords(ctx context.Context, groupExternalID, pageToken string, limit int) (*RecordPage, error)

	// ListPermissions returns one page of permissions for the record
	// identified by its external ID.
	ListPermissions(ctx context.Context, recordExternalID, pageToken string, limit int) (*PermissionPage, error)
}

// Factory builds a Source from a connector's configuration. The token
// function returns a live OAuth access token for the connector, or an
// empty string when the source needs none.
type Factory func(config map[string]string, token func(ctx context.Context) (string, error)) (Source, error)
