package modifier

import "crypto/sha256"

// Raw is a reference Modifier implementation: its id is the SHA-256 of
// its payload, so any peer can verify a delivered payload without a
// consensus-specific deserializer. Real deployments register their own
// block/transaction types instead of this one — it exists for the demo
// entrypoint and for tests.
type Raw struct {
	id      ID
	typeID  TypeID
	payload []byte
}

// NewRaw builds a Raw modifier of typeID over payload, deriving its id.
func NewRaw(typeID TypeID, payload []byte) Raw {
	return Raw{id: sha256.Sum256(payload), typeID: typeID, payload: append([]byte(nil), payload...)}
}

func (r Raw) ModifierID() ID       { return r.id }
func (r Raw) ModifierType() TypeID { return r.typeID }
func (r Raw) Payload() []byte      { return r.payload }

var _ Modifier = Raw{}
