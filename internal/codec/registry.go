package codec

import (
	"github.com/nodeviewsync/core/internal/modifier"
	"github.com/nodeviewsync/core/internal/synerr"
)

// EncodeFunc / DecodeFunc serialize and deserialize one modifier type's
// payload. Registered per modifier.TypeID so the codec never needs to
// know the concrete Go type of a transaction or persistent modifier.
type EncodeFunc func(modifier.Modifier) ([]byte, error)
type DecodeFunc func([]byte) (modifier.Modifier, error)

// Registry maps modifier type tags to their wire (de)serializers, the
// way the teacher's reqresp handler dispatches on a fixed method-id
// table instead of reflecting over concrete Go types.
type Registry struct {
	encoders map[modifier.TypeID]EncodeFunc
	decoders map[modifier.TypeID]DecodeFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		encoders: make(map[modifier.TypeID]EncodeFunc),
		decoders: make(map[modifier.TypeID]DecodeFunc),
	}
}

// Register installs the codec pair for typeID, overwriting any previous
// registration.
func (r *Registry) Register(typeID modifier.TypeID, enc EncodeFunc, dec DecodeFunc) {
	r.encoders[typeID] = enc
	r.decoders[typeID] = dec
}

// Encode serializes mod using its type's registered encoder.
func (r *Registry) Encode(mod modifier.Modifier) ([]byte, error) {
	enc, ok := r.encoders[mod.ModifierType()]
	if !ok {
		return nil, synerr.ErrUnknownSerializer
	}
	return enc(mod)
}

// Decode deserializes raw as a modifier of typeID, then verifies the
// decoded value reports the id the caller expected it to carry —
// catching a peer that sends a payload under the wrong key.
func (r *Registry) Decode(typeID modifier.TypeID, expected modifier.ID, raw []byte) (modifier.Modifier, error) {
	dec, ok := r.decoders[typeID]
	if !ok {
		return nil, synerr.ErrUnknownSerializer
	}
	mod, err := dec(raw)
	if err != nil {
		return nil, synerr.Wrap(synerr.ErrMalformedModifier, err.Error())
	}
	if mod.ModifierID() != expected {
		return nil, synerr.Wrap(synerr.ErrMalformedModifier, "decoded id does not match advertised id")
	}
	return mod, nil
}
