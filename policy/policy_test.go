package policy

import (
	"testing"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		role    models.Role
		actorID string
		kind    models.Kind
		target  Target
		allowed bool
	}{
		{"gm can create layers", models.RoleGM, "gm1", models.KindLayerCreate, Target{}, true},
		{"gm can delete any drawing", models.RoleGM, "gm1", models.KindDrawingDelete, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},
		{"gm can move uncontrolled token", models.RoleGM, "gm1", models.KindTokenMove, Target{LayerVisibility: models.VisibilityGMOnly}, true},

		{"player cannot create layers", models.RolePlayer, "p1", models.KindLayerCreate, Target{}, false},
		{"player cannot delete layers", models.RolePlayer, "p1", models.KindLayerDelete, Target{LayerVisibility: models.VisibilityShared}, false},
		{"player cannot change visibility", models.RolePlayer, "p1", models.KindLayerVisibility, Target{LayerVisibility: models.VisibilityShared}, false},
		{"player cannot create tokens", models.RolePlayer, "p1", models.KindTokenCreate, Target{LayerVisibility: models.VisibilityShared}, false},
		{"player cannot delete tokens", models.RolePlayer, "p1", models.KindTokenDelete, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, false},
		{"player cannot activate scenes", models.RolePlayer, "p1", models.KindSceneActivate, Target{}, false},

		{"player moves controlled token", models.RolePlayer, "p1", models.KindTokenMove, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},
		{"player cannot move another player's token", models.RolePlayer, "p1", models.KindTokenMove, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p2"}, false},
		{"player cannot move uncontrolled token", models.RolePlayer, "p1", models.KindTokenMove, Target{LayerVisibility: models.VisibilityShared}, false},
		{"player resizes controlled token", models.RolePlayer, "p1", models.KindTokenResize, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},
		{"player rotates controlled token", models.RolePlayer, "p1", models.KindTokenRotate, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},

		{"player draws on shared layer", models.RolePlayer, "p1", models.KindDrawingCreate, Target{LayerVisibility: models.VisibilityShared}, true},
		{"player deletes own drawing", models.RolePlayer, "p1", models.KindDrawingDelete, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},
		{"player cannot delete another's drawing", models.RolePlayer, "p1", models.KindDrawingDelete, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p2"}, false},
		{"player writes text on shared layer", models.RolePlayer, "p1", models.KindTextCreate, Target{LayerVisibility: models.VisibilityShared}, true},
		{"player deletes own text", models.RolePlayer, "p1", models.KindTextDelete, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "p1"}, true},

		{"player denied on gm-only layer even for own token", models.RolePlayer, "p1", models.KindTokenMove, Target{LayerVisibility: models.VisibilityGMOnly, ElementOwner: "p1"}, false},
		{"player cannot draw on gm-only layer", models.RolePlayer, "p1", models.KindDrawingCreate, Target{LayerVisibility: models.VisibilityGMOnly}, false},

		{"unknown role denied", models.Role("spectator"), "x", models.KindTokenMove, Target{LayerVisibility: models.VisibilityShared, ElementOwner: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(tt.role, tt.actorID, tt.kind, tt.target)
			if d.Allowed != tt.allowed {
				t.Errorf("Authorize(%s, %s, %s) = %v (rule %q), want %v",
					tt.role, tt.actorID, tt.kind, d.Allowed, d.Rule, tt.allowed)
			}
		})
	}
}

func TestCanSubscribe(t *testing.T) {
	if !CanSubscribe(models.RoleGM, false) {
		t.Error("GM should subscribe to inactive scenes")
	}
	if !CanSubscribe(models.RolePlayer, true) {
		t.Error("player should subscribe to the active scene")
	}
	if CanSubscribe(models.RolePlayer, false) {
		t.Error("player should not subscribe to inactive scenes")
	}
}
