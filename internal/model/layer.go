package model

import "fmt"

// Layer is a display grouping for layout items. Layer 1 always exists and
// cannot be deleted; negative ids denote the raw feedback grid of a
// control.
type Layer struct {
	Object
}

// NewLayer creates a display layer.
func NewLayer(id LayerID, name string) *Layer {
	l := &Layer{}
	l.Object = NewObject(ObjectID(uint16(uint8(id))), name)
	return l
}

// LayerID returns the typed identifier.
func (l *Layer) LayerID() LayerID { return LayerID(int8(uint8(l.id))) }

// Serialize renders the persisted form.
func (l *Layer) Serialize() string {
	b := newSerialBuilder(ObjectTypeLayer)
	l.serializeObject(b)
	return b.String()
}

// Deserialize restores the layer from its persisted form.
func (l *Layer) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeLayer.String() {
		return fmt.Errorf("%w: not a layer: %q", ErrInvalidSerialization, serialized)
	}
	l.deserializeObject(args)
	return nil
}
