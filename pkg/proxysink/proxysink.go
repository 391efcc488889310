// Package proxysink writes the reverse-proxy routing configuration for a
// running application as file-based dynamic config, one file per app,
// behind a Sink interface so the on-disk format can change without
// touching callers.
package proxysink

import "context"

// Route describes how one application should be reached through the
// reverse proxy.
type Route struct {
	AppID         string
	ContainerName string
	ContainerPort int
	Host          string // externally-visible hostname, e.g. <app_id>.<base_domain>
	StaticBucket  string // non-empty for SPA/static "web-" bucket hosting
}

// Sink publishes and retracts Route configuration. Implementations may
// target container labels, a shared dynamic-config directory, or both.
type Sink interface {
	Apply(ctx context.Context, route Route) error
	Remove(ctx context.Context, appID string) error
}

// MultiSink fans a single Apply/Remove call out to every configured Sink,
// so a deployment can run the label sink and the file sink side by side.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Apply(ctx context.Context, route Route) error {
	for _, s := range m.Sinks {
		if err := s.Apply(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Remove(ctx context.Context, appID string) error {
	for _, s := range m.Sinks {
		if err := s.Remove(ctx, appID); err != nil {
			return err
		}
	}
	return nil
}
