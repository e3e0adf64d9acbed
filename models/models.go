// models/models.go
package models

// Role is the privilege level resolved for a connection.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleGM || r == RolePlayer
}

// Visibility controls which roles may observe a layer's content.
type Visibility string

const (
	// VisibilityShared layers are observable by every subscribed session.
	VisibilityShared Visibility = "shared"
	// VisibilityGMOnly layers are never included in snapshots or broadcasts
	// delivered to player sessions.
	VisibilityGMOnly Visibility = "gmOnly"
)

// Point is a single coordinate of a drawing path.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Token is a movable game piece placed on a layer.
type Token struct {
	ID       string  `json:"id"`
	AssetRef string  `json:"assetRef"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
	ZIndex   int     `json:"zIndex"`
	// ControllerID names the player allowed to move this token.
	// Empty means the token is GM-controlled.
	ControllerID string `json:"controllerId,omitempty"`
	// LastSeq is the serverSequence of the mutation that last touched this
	// token, used for the optimistic-concurrency check on move/resize.
	LastSeq uint64 `json:"lastSeq"`
}

// Drawing is a vector drawing on a layer. Drawings are create/delete only;
// there is no partial-edit merge.
type Drawing struct {
	ID          string  `json:"id"`
	Shape       string  `json:"shape"` // free, line, rectangle, circle
	Points      []Point `json:"points"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
	CreatorID   string  `json:"creatorId"`
}

// Text is a text element placed on a layer.
type Text struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Content   string  `json:"content"`
	FontSize  int     `json:"fontSize"`
	Color     string  `json:"color"`
	Style     string  `json:"style"` // normal, bold, italic, bold-italic
	CreatorID string  `json:"creatorId"`
}

// Layer is one visual tier of a scene. Slice order in Scene.Layers defines
// z-stacking.
type Layer struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Visibility Visibility          `json:"visibility"`
	Tokens     map[string]*Token   `json:"tokens"`
	Drawings   map[string]*Drawing `json:"drawings"`
	Texts      map[string]*Text    `json:"texts"`
}

// NewLayer creates an empty layer.
func NewLayer(id, name string, vis Visibility) *Layer {
	return &Layer{
		ID:         id,
		Name:       name,
		Visibility: vis,
		Tokens:     make(map[string]*Token),
		Drawings:   make(map[string]*Drawing),
		Texts:      make(map[string]*Text),
	}
}

// Clone deep-copies the layer and everything placed on it.
func (l *Layer) Clone() *Layer {
	c := NewLayer(l.ID, l.Name, l.Visibility)
	for id, t := range l.Tokens {
		tc := *t
		c.Tokens[id] = &tc
	}
	for id, d := range l.Drawings {
		dc := *d
		dc.Points = append([]Point(nil), d.Points...)
		c.Drawings[id] = &dc
	}
	for id, t := range l.Texts {
		tc := *t
		c.Texts[id] = &tc
	}
	return c
}

// Scene is a GM-defined tabletop composed of ordered layers.
type Scene struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Active bool     `json:"active"`
	Layers []*Layer `json:"layers"`
}

// Layer returns the layer with the given id, or nil.
func (s *Scene) Layer(id string) *Layer {
	for _, l := range s.Layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// SceneInfo is the catalog view of a scene, without layer content.
type SceneInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Snapshot is a full, role-filtered copy of scene state at a known sequence
// point. It is sent on (re)subscription and is safe to share across
// goroutines: nothing in it aliases live store state.
type Snapshot struct {
	SceneID string   `json:"sceneId"`
	Name    string   `json:"name"`
	Active  bool     `json:"active"`
	Seq     uint64   `json:"seq"`
	Layers  []*Layer `json:"layers"`
}

// SceneFromSnapshot rebuilds a mutable scene tree from a snapshot.
func SceneFromSnapshot(snap *Snapshot) *Scene {
	s := &Scene{ID: snap.SceneID, Name: snap.Name, Active: snap.Active}
	for _, l := range snap.Layers {
		s.Layers = append(s.Layers, l.Clone())
	}
	return s
}
