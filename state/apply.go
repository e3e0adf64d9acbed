// state/apply.go
package state

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

var drawingShapes = map[string]bool{
	"free":      true,
	"line":      true,
	"rectangle": true,
	"circle":    true,
}

var textStyles = map[string]bool{
	"normal":      true,
	"bold":        true,
	"italic":      true,
	"bold-italic": true,
}

func invalid(detail string) *models.Rejection {
	return models.Reject(models.ReasonInvalidPayload, detail)
}

// applyLocked validates the payload, mutates the tree, and returns the
// normalized payload (server-assigned ids filled in) plus the visibility of
// the affected layer. Caller holds s.mu. next is the sequence number the
// mutation will carry if it succeeds; token edits stamp it as the element's
// LastSeq for the optimistic-concurrency check.
func (s *Store) applyLocked(m models.Mutation, next uint64) (json.RawMessage, models.Visibility, *models.Rejection) {
	// The layer may have been hidden between the authorization check and
	// this writer section; a player edit must not land on it. The rejection
	// masks the layer's existence, same as the pre-check.
	if m.ActorRole == models.RolePlayer && !m.Kind.SceneLevel() {
		if layer, _ := s.findLayer(m.LayerID); layer != nil && layer.Visibility == models.VisibilityGMOnly {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
	}

	switch m.Kind {
	case models.KindLayerCreate:
		var p models.LayerCreatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if p.Name == "" {
			return nil, "", invalid("layer name is required")
		}
		if p.Visibility == "" {
			p.Visibility = models.VisibilityShared
		}
		if p.Visibility != models.VisibilityShared && p.Visibility != models.VisibilityGMOnly {
			return nil, "", invalid("unknown visibility " + string(p.Visibility))
		}
		if p.LayerID == "" {
			p.LayerID = uuid.New().String()
		} else if s.scene.Layer(p.LayerID) != nil {
			return nil, "", invalid("layer id already exists")
		}
		s.scene.Layers = append(s.scene.Layers, models.NewLayer(p.LayerID, p.Name, p.Visibility))
		return marshal(p), p.Visibility, nil

	case models.KindLayerDelete:
		layer, idx := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		// Cascade: tokens/drawings/texts go with the layer.
		s.scene.Layers = append(s.scene.Layers[:idx], s.scene.Layers[idx+1:]...)
		return marshal(models.LayerDeletePayload{}), layer.Visibility, nil

	case models.KindLayerReorder:
		var p models.LayerReorderPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if len(p.Order) != len(s.scene.Layers) {
			return nil, "", invalid("order must list every layer exactly once")
		}
		reordered := make([]*models.Layer, 0, len(p.Order))
		seen := make(map[string]bool, len(p.Order))
		for _, id := range p.Order {
			layer := s.scene.Layer(id)
			if layer == nil || seen[id] {
				return nil, "", invalid("order must be a permutation of current layer ids")
			}
			seen[id] = true
			reordered = append(reordered, layer)
		}
		s.scene.Layers = reordered
		// Order lists gmOnly layer ids, so the delta itself is GM-visible
		// only; players get a resynced snapshot from the dispatcher.
		return marshal(p), models.VisibilityGMOnly, nil

	case models.KindLayerVisibility:
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		var p models.LayerVisibilityPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if p.Visibility != models.VisibilityShared && p.Visibility != models.VisibilityGMOnly {
			return nil, "", invalid("unknown visibility " + string(p.Visibility))
		}
		layer.Visibility = p.Visibility
		return marshal(p), p.Visibility, nil

	case models.KindTokenCreate:
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		var p models.TokenCreatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if p.AssetRef == "" {
			return nil, "", invalid("assetRef is required")
		}
		if p.Scale == 0 {
			p.Scale = 1.0
		}
		if p.Scale < 0 {
			return nil, "", invalid("scale must be positive")
		}
		if p.TokenID == "" {
			p.TokenID = uuid.New().String()
		} else if _, exists := layer.Tokens[p.TokenID]; exists {
			return nil, "", invalid("token id already exists")
		}
		layer.Tokens[p.TokenID] = &models.Token{
			ID:           p.TokenID,
			AssetRef:     p.AssetRef,
			X:            p.X,
			Y:            p.Y,
			Scale:        p.Scale,
			Rotation:     p.Rotation,
			ZIndex:       p.ZIndex,
			ControllerID: p.ControllerID,
			LastSeq:      next,
		}
		return marshal(p), layer.Visibility, nil

	case models.KindTokenMove:
		var p models.TokenMovePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		layer, token, rej := s.findToken(m.LayerID, p.TokenID)
		if rej != nil {
			return nil, "", rej
		}
		if rej := checkStale(token, p.LastSeq); rej != nil {
			return nil, "", rej
		}
		token.X, token.Y = p.X, p.Y
		token.LastSeq = next
		return marshal(p), layer.Visibility, nil

	case models.KindTokenResize:
		var p models.TokenResizePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if p.Scale <= 0 {
			return nil, "", invalid("scale must be positive")
		}
		layer, token, rej := s.findToken(m.LayerID, p.TokenID)
		if rej != nil {
			return nil, "", rej
		}
		if rej := checkStale(token, p.LastSeq); rej != nil {
			return nil, "", rej
		}
		token.Scale = p.Scale
		token.LastSeq = next
		return marshal(p), layer.Visibility, nil

	case models.KindTokenRotate:
		var p models.TokenRotatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		layer, token, rej := s.findToken(m.LayerID, p.TokenID)
		if rej != nil {
			return nil, "", rej
		}
		token.Rotation = p.Rotation
		token.LastSeq = next
		return marshal(p), layer.Visibility, nil

	case models.KindTokenDelete:
		var p models.TokenDeletePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		layer, _, rej := s.findToken(m.LayerID, p.TokenID)
		if rej != nil {
			return nil, "", rej
		}
		delete(layer.Tokens, p.TokenID)
		return marshal(p), layer.Visibility, nil

	case models.KindDrawingCreate:
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		var p models.DrawingCreatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if !drawingShapes[p.Shape] {
			return nil, "", invalid("unknown drawing shape " + p.Shape)
		}
		if len(p.Points) == 0 {
			return nil, "", invalid("drawing needs at least one point")
		}
		if p.Color == "" {
			p.Color = "#000000"
		}
		if p.StrokeWidth == 0 {
			p.StrokeWidth = 1.0
		}
		if p.StrokeWidth < 0 {
			return nil, "", invalid("strokeWidth must be positive")
		}
		if p.DrawingID == "" {
			p.DrawingID = uuid.New().String()
		} else if _, exists := layer.Drawings[p.DrawingID]; exists {
			return nil, "", invalid("drawing id already exists")
		}
		layer.Drawings[p.DrawingID] = &models.Drawing{
			ID:          p.DrawingID,
			Shape:       p.Shape,
			Points:      append([]models.Point(nil), p.Points...),
			Color:       p.Color,
			StrokeWidth: p.StrokeWidth,
			CreatorID:   m.ActorID,
		}
		return marshal(p), layer.Visibility, nil

	case models.KindDrawingDelete:
		var p models.DrawingDeletePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		if _, exists := layer.Drawings[p.DrawingID]; !exists {
			return nil, "", models.Reject(models.ReasonUnknownElement, p.DrawingID)
		}
		delete(layer.Drawings, p.DrawingID)
		return marshal(p), layer.Visibility, nil

	case models.KindTextCreate:
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		var p models.TextCreatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		if p.Content == "" {
			return nil, "", invalid("content is required")
		}
		if p.FontSize == 0 {
			p.FontSize = 12
		}
		if p.FontSize < 0 {
			return nil, "", invalid("fontSize must be positive")
		}
		if p.Color == "" {
			p.Color = "#000000"
		}
		if p.Style == "" {
			p.Style = "normal"
		}
		if !textStyles[p.Style] {
			return nil, "", invalid("unknown text style " + p.Style)
		}
		if p.TextID == "" {
			p.TextID = uuid.New().String()
		} else if _, exists := layer.Texts[p.TextID]; exists {
			return nil, "", invalid("text id already exists")
		}
		layer.Texts[p.TextID] = &models.Text{
			ID:        p.TextID,
			X:         p.X,
			Y:         p.Y,
			Content:   p.Content,
			FontSize:  p.FontSize,
			Color:     p.Color,
			Style:     p.Style,
			CreatorID: m.ActorID,
		}
		return marshal(p), layer.Visibility, nil

	case models.KindTextDelete:
		var p models.TextDeletePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, "", invalid(err.Error())
		}
		layer, _ := s.findLayer(m.LayerID)
		if layer == nil {
			return nil, "", models.Reject(models.ReasonUnknownLayer, m.LayerID)
		}
		if _, exists := layer.Texts[p.TextID]; !exists {
			return nil, "", models.Reject(models.ReasonUnknownElement, p.TextID)
		}
		delete(layer.Texts, p.TextID)
		return marshal(p), layer.Visibility, nil

	case models.KindSceneActivate:
		s.scene.Active = true
		return json.RawMessage(`{}`), models.VisibilityShared, nil

	case models.KindSceneDeactivate:
		s.scene.Active = false
		return json.RawMessage(`{}`), models.VisibilityShared, nil

	default:
		return nil, "", invalid("unknown mutation kind " + string(m.Kind))
	}
}

func (s *Store) findLayer(id string) (*models.Layer, int) {
	for i, l := range s.scene.Layers {
		if l.ID == id {
			return l, i
		}
	}
	return nil, -1
}

func (s *Store) findToken(layerID, tokenID string) (*models.Layer, *models.Token, *models.Rejection) {
	layer, _ := s.findLayer(layerID)
	if layer == nil {
		return nil, nil, models.Reject(models.ReasonUnknownLayer, layerID)
	}
	if tokenID == "" {
		return nil, nil, invalid("missing tokenId")
	}
	token, ok := layer.Tokens[tokenID]
	if !ok {
		return nil, nil, models.Reject(models.ReasonUnknownElement, tokenID)
	}
	return layer, token, nil
}

// checkStale rejects an edit whose client observed an older version of the
// token than the store holds. A zero lastSeq opts out of the check.
func checkStale(token *models.Token, lastSeq uint64) *models.Rejection {
	if lastSeq > 0 && token.LastSeq > lastSeq {
		return models.Reject(models.ReasonStaleVersion, token.ID)
	}
	return nil
}

func marshal(p interface{}) json.RawMessage {
	data, _ := json.Marshal(p)
	return data
}
