// Package policy decides which mutations a role may perform. It is a pure
// decision function with no transport or store dependencies so authorization
// stays testable on its own.
package policy

import (
	"github.com/Marcinkowski-D/dma-vtt/models"
)

// Target carries the facts about a mutation's target that the rules need:
// the visibility of the layer being touched and, for element-scoped
// mutations, who owns the element (a token's controller, a drawing's or
// text's creator). Both are zero for scene-level mutations.
type Target struct {
	LayerVisibility models.Visibility
	ElementOwner    string
}

// Decision is the tagged result of an authorization check.
type Decision struct {
	Allowed bool
	// Rule names the rule that produced the decision, for logs and tests.
	Rule string
}

func allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

func deny(rule string) Decision {
	return Decision{Allowed: false, Rule: rule}
}

// Authorize maps (role, actor, mutation kind, target) to allow or deny.
//
// Rules:
//   - Layer create/delete/reorder/visibility, token create/delete, and scene
//     activation/deactivation are GM only.
//   - Token move/resize/rotate: GM always; a player only when the token's
//     controller designates them.
//   - Drawing/text create: anyone on shared layers, GM only on gmOnly layers.
//   - Drawing/text delete: the creator or the GM.
//   - A player is denied any mutation on a gmOnly layer outright; those
//     layers do not exist from a player's point of view.
func Authorize(role models.Role, actorID string, kind models.Kind, t Target) Decision {
	if role == models.RoleGM {
		return allow("gm")
	}
	if role != models.RolePlayer {
		return deny("unknown-role")
	}

	if !kind.SceneLevel() && t.LayerVisibility == models.VisibilityGMOnly {
		return deny("gm-only-layer")
	}

	switch kind {
	case models.KindTokenMove, models.KindTokenResize, models.KindTokenRotate:
		if t.ElementOwner != "" && t.ElementOwner == actorID {
			return allow("token-controller")
		}
		return deny("not-token-controller")

	case models.KindDrawingCreate, models.KindTextCreate:
		return allow("shared-layer-create")

	case models.KindDrawingDelete, models.KindTextDelete:
		if t.ElementOwner == actorID {
			return allow("creator-delete")
		}
		return deny("not-creator")

	default:
		// Layer management, token lifecycle, scene activation.
		return deny("gm-only-operation")
	}
}

// CanSubscribe reports whether a role may subscribe to a scene. Players may
// only observe the currently active scene; the GM may open any scene.
func CanSubscribe(role models.Role, sceneActive bool) bool {
	if role == models.RoleGM {
		return true
	}
	return sceneActive
}
