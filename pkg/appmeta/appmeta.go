// Package appmeta derives the container, bucket, and database names every
// controller subsystem agrees on for a given application, so the naming
// convention lives in exactly one place.
package appmeta

import "strings"

// ContainerName returns the Docker container name for an application's
// runtime process: hyac-app-runtime-<app_id, lowercased>.
func ContainerName(appID string) string {
	return "hyac-app-runtime-" + strings.ToLower(appID)
}

// AppBucket returns the name of an application's primary object storage
// bucket: <app_id, lowercased>.
func AppBucket(appID string) string {
	return strings.ToLower(appID)
}

// WebBucket returns the name of an application's public static-hosting
// bucket: web-<app_id, lowercased>.
func WebBucket(appID string) string {
	return "web-" + strings.ToLower(appID)
}

// DatabaseName returns the name of an application's scoped database, which
// is the application's own app_id (matching the per-app database user
// created with the same username).
func DatabaseName(appID string) string {
	return appID
}
