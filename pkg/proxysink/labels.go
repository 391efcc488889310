package proxysink

import (
	"context"
	"strconv"
)

// LabelSink materializes routing as container labels, consumed by a
// label-discovering reverse proxy (Traefik-shaped). Docker only accepts
// labels at container-create time, so the orchestrator calls BuildLabels
// directly to populate CreateOptions.Labels before the container exists;
// Apply (called once the container is already running) only records what
// was applied, for introspection and tests.
type LabelSink struct {
	// Recorded holds the most recently applied labels per app, read back
	// through Labels.
	Recorded map[string]map[string]string
}

// NewLabelSink creates an empty label sink.
func NewLabelSink() *LabelSink {
	return &LabelSink{Recorded: make(map[string]map[string]string)}
}

// BuildLabels computes route's container labels without touching any sink
// state, so the orchestrator can populate CreateOptions.Labels at
// create-time, before a live container exists for Apply to record against.
func BuildLabels(route Route) map[string]string {
	labels := map[string]string{
		"hyac.app_id":       route.AppID,
		"hyac.host":         route.Host,
		"traefik.enable":    "true",
		"traefik.http.routers." + route.AppID + ".rule": "Host(`" + route.Host + "`)",
	}
	if route.ContainerPort != 0 {
		labels["traefik.http.services."+route.AppID+".loadbalancer.server.port"] = strconv.Itoa(route.ContainerPort)
	}
	return labels
}

func (s *LabelSink) Apply(_ context.Context, route Route) error {
	s.Recorded[route.AppID] = BuildLabels(route)
	return nil
}

func (s *LabelSink) Remove(_ context.Context, appID string) error {
	delete(s.Recorded, appID)
	return nil
}

// Labels returns the labels currently recorded for appID, or nil.
func (s *LabelSink) Labels(appID string) map[string]string {
	return s.Recorded[appID]
}
