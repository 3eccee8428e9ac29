package telemetry

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/hub"
	"github.com/HerbHall/genwatch/pkg/models"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	OfflineTimeoutSeconds int                    `json:"offline_timeout_seconds"`
	Channels              []models.ChannelStatus `json:"channels"`
}

// statsResponse is the body of GET /stats.
type statsResponse struct {
	hub.Stats
	LiveSessions int64 `json:"live_sessions"`
}

// handleStatus reports the three-tier connection status and the engine state
// of every channel the caller may see. An optional ?site= narrows the result
// to one site.
func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	ac := access.FromContext(r.Context())
	site := r.URL.Query().Get("site")
	if site != "" {
		if err := access.CheckSite(ac, site); err != nil {
			access.WriteError(w, r, err)
			return
		}
	}

	now := p.deps.Now()
	timeout := p.deps.Telemetry.OfflineTimeout
	cached := make(map[models.ChannelKey]models.Message)
	for _, msg := range p.deps.Hub.Snapshot(site) {
		cached[msg.Key()] = msg
	}
	channels := make([]models.ChannelStatus, 0)
	for key, seen := range p.deps.Hub.LastSeen() {
		if !ac.CanView(key.SiteID) || (site != "" && key.SiteID != site) {
			continue
		}
		channels = append(channels, models.ChannelStatus{
			ChannelKey:  key,
			LastSeen:    seen,
			Status:      models.DeriveConnectionStatus(seen, timeout, now),
			EngineState: models.EngineStateOf(cached[key], seen, timeout, now),
		})
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].ChannelKey.Less(channels[j].ChannelKey)
	})

	telemetryWriteJSON(w, http.StatusOK, statusResponse{
		OfflineTimeoutSeconds: int(timeout.Seconds()),
		Channels:              channels,
	})
}

// handleSnapshot returns the cached latest message of every channel at one
// site, in the same envelope live viewers receive on connect.
func (p *Plugin) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	if err := access.CheckSite(access.FromContext(r.Context()), site); err != nil {
		access.WriteError(w, r, err)
		return
	}

	items := p.deps.Hub.Snapshot(site)
	if items == nil {
		items = []models.Message{}
	}
	telemetryWriteJSON(w, http.StatusOK, models.NewSnapshot(items))
}

// handleStats reports hub occupancy for operators.
func (p *Plugin) handleStats(w http.ResponseWriter, _ *http.Request) {
	telemetryWriteJSON(w, http.StatusOK, statsResponse{
		Stats:        p.deps.Hub.Stats(),
		LiveSessions: p.live.Active(),
	})
}

func telemetryWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
