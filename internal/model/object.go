package model

// Object is the identity every persistent entity carries.
type Object struct {
	id   ObjectID
	name string
}

// NewObject creates the identity part of an entity.
func NewObject(id ObjectID, name string) Object {
	return Object{id: id, name: name}
}

// ID returns the numeric identifier within the entity's type.
func (o *Object) ID() ObjectID { return o.id }

// Name returns the display name.
func (o *Object) Name() string { return o.name }

// SetName updates the display name.
func (o *Object) SetName(name string) { o.name = name }

func (o *Object) serializeObject(b *serialBuilder) {
	b.addInt("id", int(o.id))
	b.add("name", o.name)
}

func (o *Object) deserializeObject(args map[string]string) {
	o.id = parseID(argString(args, "id", "0"))
	o.name = argString(args, "name", "")
}

// LayoutItem adds the presentation attributes of entities placed on the
// layout plan. Position is unique per layer and coordinate; the layer is a
// pure display grouping.
type LayoutItem struct {
	Object
	posX     int
	posY     int
	layer    LayerID
	rotation uint8
	visible  bool
}

// Position returns the layout coordinates.
func (l *LayoutItem) Position() (x, y int) { return l.posX, l.posY }

// SetPosition moves the item on the layout plan.
func (l *LayoutItem) SetPosition(x, y int) {
	l.posX = x
	l.posY = y
}

// Layer returns the display layer.
func (l *LayoutItem) Layer() LayerID { return l.layer }

// SetLayer moves the item to another display layer.
func (l *LayoutItem) SetLayer(layer LayerID) { l.layer = layer }

// Rotation returns the display rotation in quarter turns.
func (l *LayoutItem) Rotation() uint8 { return l.rotation }

// SetRotation sets the display rotation in quarter turns.
func (l *LayoutItem) SetRotation(r uint8) { l.rotation = r % 4 }

// Visible reports whether the item is shown on the layout plan.
func (l *LayoutItem) Visible() bool { return l.visible }

// SetVisible shows or hides the item.
func (l *LayoutItem) SetVisible(v bool) { l.visible = v }

func (l *LayoutItem) serializeLayoutItem(b *serialBuilder) {
	l.serializeObject(b)
	b.addInt("posX", l.posX)
	b.addInt("posY", l.posY)
	b.addInt("layer", int(l.layer))
	b.addInt("rotation", int(l.rotation))
	b.addBool("visible", l.visible)
}

func (l *LayoutItem) deserializeLayoutItem(args map[string]string) {
	l.deserializeObject(args)
	l.posX = argInt(args, "posX", 0)
	l.posY = argInt(args, "posY", 0)
	l.layer = LayerID(argInt(args, "layer", int(LayerUndeletable)))
	l.rotation = uint8(argInt(args, "rotation", 0)) % 4
	l.visible = argBool(args, "visible", true)
}
