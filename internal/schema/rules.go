package schema

import "github.com/pairdesk/pairdesk/internal/rtdb"

// PairingWriteRule is the authoritative single-use enforcement for
// pairing/{token} records: creation is allowed once, and the only permitted
// mutation afterwards is the unused -> used transition. A consumed record is
// frozen. Client-side expiry/used checks are defense in depth on top of
// this; two racing consumers serialize here and exactly one wins.
func PairingWriteRule() rtdb.WriteRule {
	return rtdb.WriteRule{
		Pattern: "pairing/*",
		Allow: func(old, new rtdb.Value) bool {
			if new == nil {
				// No deletes; consumed tokens stay for audit.
				return false
			}
			if old == nil {
				// Creation: must start unused.
				record, ok := new.(map[string]rtdb.Value)
				return ok && !boolField(record, "used")
			}
			prev, ok := old.(map[string]rtdb.Value)
			if !ok {
				return false
			}
			if boolField(prev, "used") {
				return false
			}
			next, ok := new.(map[string]rtdb.Value)
			return ok && boolField(next, "used")
		},
	}
}

// DefaultRules is the reference ruleset a deployment installs. Device
// records are writable by any authenticated principal, mirroring the
// reference deployment's known-weak authorization there.
func DefaultRules() []rtdb.WriteRule {
	return []rtdb.WriteRule{PairingWriteRule()}
}
