package proxysink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes one dynamic config file per application into a shared
// directory a file-watching reverse proxy consumes, using a
// write-to-temp-then-rename sequence so the proxy never observes a
// partially-written file.
type FileSink struct {
	Dir string
}

// NewFileSink targets dir, creating it if necessary.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create proxy config dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) configPath(appID string) string {
	return filepath.Join(s.Dir, appID+".conf")
}

func (s *FileSink) Apply(_ context.Context, route Route) error {
	content := renderConfig(route)
	final := s.configPath(route.AppID)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write temp proxy config: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename proxy config into place: %w", err)
	}
	return nil
}

func (s *FileSink) Remove(_ context.Context, appID string) error {
	if err := os.Remove(s.configPath(appID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove proxy config: %w", err)
	}
	return nil
}

func renderConfig(route Route) string {
	if route.StaticBucket != "" {
		return fmt.Sprintf(
			"# app=%s (static)\nhost: %s\nbucket: %s\nspa_fallback: index.html\n",
			route.AppID, route.Host, route.StaticBucket,
		)
	}
	return fmt.Sprintf(
		"# app=%s\nhost: %s\nupstream: %s:%d\n",
		route.AppID, route.Host, route.ContainerName, route.ContainerPort,
	)
}
