package model

import "context"

// Uploader publishes a mined Petri net somewhere outside the process.
type Uploader interface {
	Upload(ctx context.Context, net PetriNet) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
