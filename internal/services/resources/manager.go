// -----------------------------------------------------------------------
// Resource manager - counting semaphores for GPU and encoder slots
// -----------------------------------------------------------------------

package resources

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
)

// ErrResourceTimeout is returned when a slot cannot be acquired in time
var ErrResourceTimeout = errors.New("resource acquisition timed out")

const (
	resourceGPU    = "gpu"
	resourceFFmpeg = "ffmpeg"
)

// ReleaseFunc returns a held slot. Safe to call more than once.
type ReleaseFunc func()

// Status is a point-in-time utilization snapshot
type Status struct {
	GPUMax          int      `json:"gpu_max"`
	GPUAvailable    int      `json:"gpu_available"`
	FFmpegMax       int      `json:"ffmpeg_max"`
	FFmpegAvailable int      `json:"ffmpeg_available"`
	CPUWorkers      int      `json:"cpu_workers"`
	ActiveJobs      []string `json:"active_jobs"`
}

// Manager bounds concurrent use of scarce resources and accounts holders
// per job so everything can be force-released on fatal cleanup.
type Manager struct {
	config common.ResourceConfig
	gpu    chan struct{}
	ffmpeg chan struct{}

	mu      sync.Mutex
	holders map[string]map[string]int // job_id -> resource -> count
	logger  arbor.ILogger
}

// NewManager creates a resource manager from the configured limits
func NewManager(config common.ResourceConfig, logger arbor.ILogger) *Manager {
	gpuSlots := config.MaxGPUJobs
	if gpuSlots <= 0 {
		gpuSlots = 1
	}
	ffmpegSlots := config.MaxFFmpegProcesses
	if ffmpegSlots <= 0 {
		ffmpegSlots = 2
	}

	return &Manager{
		config:  config,
		gpu:     make(chan struct{}, gpuSlots),
		ffmpeg:  make(chan struct{}, ffmpegSlots),
		holders: make(map[string]map[string]int),
		logger:  logger,
	}
}

// AcquireGPU claims a GPU slot for the job, waiting at most timeout
// (zero means the configured gpu_timeout_seconds). The returned release
// func is idempotent and must run even when the caller errors out.
func (m *Manager) AcquireGPU(jobID string, timeout time.Duration) (ReleaseFunc, error) {
	if timeout <= 0 {
		timeout = time.Duration(m.config.GPUTimeoutSeconds * float64(time.Second))
	}
	return m.acquire(m.gpu, resourceGPU, jobID, timeout)
}

// AcquireFFmpeg claims an encoder slot for the job
func (m *Manager) AcquireFFmpeg(jobID string, timeout time.Duration) (ReleaseFunc, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return m.acquire(m.ffmpeg, resourceFFmpeg, jobID, timeout)
}

func (m *Manager) acquire(sem chan struct{}, resource, jobID string, timeout time.Duration) (ReleaseFunc, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s for job %s after %s", ErrResourceTimeout, resource, jobID, timeout)
	}

	m.track(jobID, resource, 1)

	// Only drain the semaphore when the hold is still accounted; a
	// ReleaseAll may have already reclaimed this slot
	var once sync.Once
	release := func() {
		once.Do(func() {
			if m.untrack(jobID, resource) {
				<-sem
			}
		})
	}
	return release, nil
}

func (m *Manager) track(jobID, resource string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holders[jobID] == nil {
		m.holders[jobID] = make(map[string]int)
	}
	m.holders[jobID][resource] += delta
}

// untrack decrements the hold count; returns false when the job no
// longer holds the resource
func (m *Manager) untrack(jobID, resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.holders[jobID]
	if held == nil || held[resource] <= 0 {
		return false
	}
	held[resource]--
	if held[resource] <= 0 {
		delete(held, resource)
	}
	if len(held) == 0 {
		delete(m.holders, jobID)
	}
	return true
}

// ReleaseAll force-releases every resource edge associated with a job.
// Used on fatal cleanup when scoped releases may have been lost.
func (m *Manager) ReleaseAll(jobID string) {
	m.mu.Lock()
	held := m.holders[jobID]
	delete(m.holders, jobID)
	m.mu.Unlock()

	for resource, count := range held {
		for i := 0; i < count; i++ {
			switch resource {
			case resourceGPU:
				select {
				case <-m.gpu:
				default:
				}
			case resourceFFmpeg:
				select {
				case <-m.ffmpeg:
				default:
				}
			}
		}
		m.logger.Warn().
			Str("job_id", jobID).
			Str("resource", resource).
			Int("count", count).
			Msg("Force-released resources")
	}
}

// CPUWorkerCount returns the effective job worker pool size
func (m *Manager) CPUWorkerCount() int {
	return m.config.CPUWorkerCount()
}

// Status returns available counts and the set of jobs holding resources
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]string, 0, len(m.holders))
	for jobID := range m.holders {
		active = append(active, jobID)
	}

	return Status{
		GPUMax:          cap(m.gpu),
		GPUAvailable:    cap(m.gpu) - len(m.gpu),
		FFmpegMax:       cap(m.ffmpeg),
		FFmpegAvailable: cap(m.ffmpeg) - len(m.ffmpeg),
		CPUWorkers:      m.CPUWorkerCount(),
		ActiveJobs:      active,
	}
}
