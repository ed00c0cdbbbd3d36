//go:build linux && cgo

package sensor

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#define RGBD_RING_SIZE 4
#define RGBD_MAX_WIDTH 640
#define RGBD_MAX_HEIGHT 480
#define RGBD_MAX_COLOR (RGBD_MAX_WIDTH * RGBD_MAX_HEIGHT * 3)
#define RGBD_MAX_DEPTH (RGBD_MAX_WIDTH * RGBD_MAX_HEIGHT)

// One aligned color/depth pair as written by the capture process
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int width;
    int height;
    int color_format;     // 0=RGB24, 1=BGR24
    float depth_scale;    // meters per depth unit
    uint8_t color[RGBD_MAX_COLOR];
    uint16_t depth[RGBD_MAX_DEPTH];
} RGBDFrame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];  // sem_t (32 bytes on Linux)
    RGBDFrame frames[RGBD_RING_SIZE];
} RGBDBuffer;

static RGBDBuffer* open_rgbd(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    RGBDBuffer* shm = (RGBDBuffer*)mmap(NULL, sizeof(RGBDBuffer),
        PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

// 0 on success, negative errno otherwise (-ETIMEDOUT on timeout)
static int wait_rgbd(RGBDBuffer* shm, int timeout_ms) {
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (long)(timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

static uint32_t rgbd_write_index(RGBDBuffer* shm) {
    return shm->write_index;
}

static RGBDFrame* rgbd_slot(RGBDBuffer* shm, uint32_t index) {
    return &shm->frames[index % RGBD_RING_SIZE];
}

static void close_rgbd(RGBDBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(RGBDBuffer));
    }
}
*/
import "C"
import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

const (
	DefaultShmName = "/pet_camera_rgbd"

	maxColorBytes = 640 * 480 * 3
	maxDepthUnits = 640 * 480

	errnoTimedOut = 110
	errnoIntr     = 4
)

// SharedMemory reads RGB-D pairs from the capture process' ring buffer.
type SharedMemory struct {
	mu       sync.Mutex
	shm      *C.RGBDBuffer
	name     string
	lastSeen uint64
}

// OpenSharedMemory maps the ring buffer, retrying for up to 30 seconds
// while the capture process starts.
func OpenSharedMemory(ctx context.Context, name string) (*SharedMemory, error) {
	if name == "" {
		name = DefaultShmName
	}

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var shm *C.RGBDBuffer
	for i := 0; i < 30; i++ {
		shm = C.open_rgbd(cName)
		if shm != nil {
			break
		}
		if i%5 == 0 {
			logger.Info("Sensor", "Waiting for shared memory %s to appear... (%d/30)", name, i+1)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if shm == nil {
		return nil, fmt.Errorf("failed to open shared memory: %s (timeout after 30s)", name)
	}

	logger.Info("Sensor", "Opened shared memory: %s", name)
	return &SharedMemory{shm: shm, name: name}, nil
}

func (s *SharedMemory) WaitForFramePair(ctx context.Context, timeout time.Duration) (*types.ColorFrame, *types.DepthFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shm == nil {
		return nil, nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	result := int(C.wait_rgbd(s.shm, C.int(timeout.Milliseconds())))
	switch -result {
	case 0:
	case errnoTimedOut, errnoIntr:
		return nil, nil, ErrFrameUnavailable
	default:
		return nil, nil, fmt.Errorf("semaphore wait failed (errno %d)", -result)
	}

	writeIndex := uint32(C.rgbd_write_index(s.shm))
	if writeIndex == 0 {
		return nil, nil, ErrFrameUnavailable
	}
	slot := C.rgbd_slot(s.shm, C.uint32_t(writeIndex-1))

	frameNum := uint64(slot.frame_number)
	if frameNum == s.lastSeen {
		return nil, nil, ErrFrameUnavailable
	}
	s.lastSeen = frameNum

	w, h := int(slot.width), int(slot.height)
	if w <= 0 || h <= 0 || w*h*3 > maxColorBytes {
		return nil, nil, fmt.Errorf("invalid frame geometry %dx%d", w, h)
	}

	ts := time.Unix(int64(slot.timestamp.tv_sec), int64(slot.timestamp.tv_nsec))

	color := &types.ColorFrame{
		Data:      C.GoBytes(unsafe.Pointer(&slot.color[0]), C.int(w*h*3)),
		Format:    types.PixelFormat(slot.color_format),
		Width:     w,
		Height:    h,
		Timestamp: ts,
		FrameNum:  frameNum,
	}

	src := (*[maxDepthUnits]uint16)(unsafe.Pointer(&slot.depth[0]))[: w*h : w*h]
	depth := &types.DepthFrame{
		Data:      make([]uint16, w*h),
		Width:     w,
		Height:    h,
		Scale:     float64(slot.depth_scale),
		Timestamp: ts,
		FrameNum:  frameNum,
	}
	copy(depth.Data, src)

	return color, depth, nil
}

func (s *SharedMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shm != nil {
		C.close_rgbd(s.shm)
		s.shm = nil
	}
	return nil
}
