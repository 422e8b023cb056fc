package fsindex

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/diskwarden/diskwarden/internal/ledger"
)

// Space identifiers for the well-known layout roots.
const (
	SpaceShared  uint32 = 0
	SpaceDefault uint32 = 1
)

// SharedTenant is the tenant scope that shared relations are charged to.
// Real tenants always have a nonzero ID.
const SharedTenant ledger.TenantID = 0

// MinUserObject is the first object number available to user relations.
// Objects below it belong to the engine itself and are not accounted.
const MinUserObject uint32 = 16384

// Relation storage fans out into fork files alongside the main fork.
var forkNames = map[string]bool{
	"fsm":  true,
	"vm":   true,
	"init": true,
}

// RelationID identifies a relation by storage space, tenant and object
// number.
type RelationID struct {
	Space  uint32
	Tenant ledger.TenantID
	Object uint32
}

func (r RelationID) String() string {
	return fmt.Sprintf("%d/%d/%d", r.Space, r.Tenant, r.Object)
}

// ParseUnitKey maps a root-relative storage path to the relation it
// belongs to. Recognized layouts:
//
//	global/<object>                   shared space
//	base/<tenant>/<object>            default space
//	spaces/<space>/<tenant>/<object>  non-default spaces
//
// The <object> leaf may carry a segment suffix (1234.2) or a fork
// suffix (1234_fsm, 1234_vm.1); all of them charge the same relation.
// Returns false for anything else, including system objects below
// MinUserObject.
func ParseUnitKey(key UnitKey) (RelationID, bool) {
	clean := strings.TrimPrefix(path.Clean(string(key)), "/")
	parts := strings.Split(clean, "/")

	var rel RelationID
	var leaf string

	switch {
	case len(parts) == 2 && parts[0] == "global":
		rel.Space = SpaceShared
		rel.Tenant = SharedTenant
		leaf = parts[1]
	case len(parts) == 3 && parts[0] == "base":
		tenant, ok := parseID(parts[1])
		if !ok {
			return RelationID{}, false
		}
		rel.Space = SpaceDefault
		rel.Tenant = ledger.TenantID(tenant)
		leaf = parts[2]
	case len(parts) == 4 && parts[0] == "spaces":
		space, ok := parseID(parts[1])
		if !ok {
			return RelationID{}, false
		}
		tenant, ok := parseID(parts[2])
		if !ok {
			return RelationID{}, false
		}
		rel.Space = space
		rel.Tenant = ledger.TenantID(tenant)
		leaf = parts[3]
	default:
		return RelationID{}, false
	}

	object, ok := parseLeaf(leaf)
	if !ok || object < MinUserObject {
		return RelationID{}, false
	}
	rel.Object = object
	return rel, true
}

// parseLeaf extracts the object number from a storage unit filename,
// stripping fork and segment suffixes.
func parseLeaf(name string) (uint32, bool) {
	// Segment suffix: <rest>.<n>
	if i := strings.IndexByte(name, '.'); i >= 0 {
		seg := name[i+1:]
		if !isDigits(seg) {
			return 0, false
		}
		name = name[:i]
	}

	// Fork suffix: <object>_<fork>
	if i := strings.IndexByte(name, '_'); i >= 0 {
		if !forkNames[name[i+1:]] {
			return 0, false
		}
		name = name[:i]
	}

	return parseID(name)
}

func parseID(s string) (uint32, bool) {
	if !isDigits(s) {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
