package upload

import (
	"context"
	"fmt"
)

// Payload is one image to upload. Exactly one of LocalPath or Base64Data is
// set: the sync engine reads local files itself and passes the encoded bytes,
// while direct callers may hand over a path.
type Payload struct {
	LocalPath   string
	Base64Data  string
	ContentType string
}

// Uploader pushes a binary image payload to object storage and returns a
// stable public URL for it. Failures carry the provider's raw response as a
// *store.UploadError.
type Uploader interface {
	Upload(ctx context.Context, payload Payload) (string, error)
}

// Loader creates an Uploader from config.
type Loader func(ctx context.Context) (Uploader, error)

// Plugin represents an uploader plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an uploader plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered uploader plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named uploader plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown uploader %q; valid: %v", name, Names())
}
