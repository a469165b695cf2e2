package tenantflow

import "github.com/xraph/tenantflow/id"

// ID is the primary identifier type for all tenantflow entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
