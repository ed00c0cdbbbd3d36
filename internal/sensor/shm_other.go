//go:build !linux || !cgo

package sensor

import (
	"context"
	"errors"
)

const DefaultShmName = "/pet_camera_rgbd"

// OpenSharedMemory is only available on Linux builds with cgo.
func OpenSharedMemory(ctx context.Context, name string) (FrameSource, error) {
	return nil, errors.New("shared memory sensor requires linux and cgo")
}
