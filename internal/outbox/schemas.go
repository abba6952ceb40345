package outbox

import "github.com/nganga-moses/overwatch-cloud/internal/events"

// SchemaCatalogEntry maps an event type to the schema registered for it.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.ChangeCommittedType: {Schema: events.ChangeCommittedSchema},
}
