package console

import "context"

// MapPoint is one map-ready incident: already filtered, already banded.
type MapPoint struct {
	ExternalID  string  `json:"reg_no"`
	Lat         float64 `json:"lat"`
	Long        float64 `json:"long"`
	Band        string  `json:"band"`
	ServiceCode string  `json:"service_code,omitempty"`
	Flagged     bool    `json:"flagged,omitempty"`
}

// MapFeed is everything the external rendering SDK needs from the engine:
// the point set, the enabled geometry overlays, and the base configuration.
// Clustering and rendering are the SDK's problem.
type MapFeed struct {
	Points []MapPoint `json:"points"`
	Layers []MapLayer `json:"layers"`
	Config MapConfig  `json:"config"`
}

// SelectFunc re-enters the engine's detail load when a point is clicked.
type SelectFunc func(ctx context.Context, sessionID, externalID string) error

// MapRenderAdapter is the boundary to the geospatial rendering SDK. The
// selection callback is injected at construction; nothing is registered on
// shared globals.
type MapRenderAdapter struct {
	onSelect SelectFunc
}

func NewMapRenderAdapter(onSelect SelectFunc) *MapRenderAdapter {
	return &MapRenderAdapter{onSelect: onSelect}
}

// Feed converts an already compiled (filtered, ranked) list into the render
// handoff. Incidents without coordinates are skipped; enabledLayers toggles
// geometry overlays independently of the point set.
func (a *MapRenderAdapter) Feed(items []Incident, layers []MapLayer, enabledLayers map[int64]bool, cfg MapConfig) MapFeed {
	feed := MapFeed{Config: cfg}
	for _, inc := range items {
		if inc.Lat == nil || inc.Long == nil {
			continue
		}
		feed.Points = append(feed.Points, MapPoint{
			ExternalID:  inc.ExternalID,
			Lat:         *inc.Lat,
			Long:        *inc.Long,
			Band:        PriorityBand(EffectivePriority(inc)),
			ServiceCode: inc.ServiceCode,
			Flagged:     inc.Flagged,
		})
	}
	for _, layer := range layers {
		if enabledLayers == nil || enabledLayers[layer.ID] {
			feed.Layers = append(feed.Layers, layer)
		}
	}
	return feed
}

// Select forwards a map click into the injected detail-load callback.
func (a *MapRenderAdapter) Select(ctx context.Context, sessionID, externalID string) error {
	if a == nil || a.onSelect == nil {
		return nil
	}
	return a.onSelect(ctx, sessionID, externalID)
}
