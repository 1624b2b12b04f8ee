package gpu

import (
	"errors"
	"math/rand/v2"
	"sync"
)

var (
	// ErrGPUInUse is returned when allocating a GPU that is already held
	ErrGPUInUse = errors.New("gpu already in use")

	// ErrGPUNotFound is returned for an id outside of the pool
	ErrGPUNotFound = errors.New("gpu not found")
)

// Simulated hardware profile
const (
	SimulatedName          = "NVIDIA RTX 4090 (simulated)"
	SimulatedMemoryTotalMB = 24576

	// a GPU whose memory use reaches this fraction of its total is not handed out
	memoryHeadroom = 0.8

	baseIdleTemperature = 45
)

// GPU is a snapshot of one device
type GPU struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	MemoryUsedMB       int    `json:"memory_used_mb"`
	MemoryTotalMB      int    `json:"memory_total_mb"`
	UtilizationPercent int    `json:"utilization_percent"`
	TemperatureC       int    `json:"temperature_c"`
	Available          bool   `json:"available"`

	idleTemperatureC int
}

// Pool is the set of GPUs a worker process schedules onto
type Pool interface {
	// Available returns the first free GPU with memory headroom
	Available() (GPU, bool)

	// Allocate marks the GPU held
	Allocate(id int) error

	// Release returns the GPU to the idle baseline. Releasing a free GPU is a no-op.
	Release(id int)

	// RefreshMetrics resamples memory, utilization and temperature of held GPUs
	RefreshMetrics()

	// Status returns a snapshot of every GPU
	Status() []GPU
}

// SimulatedPool is a mutex-guarded Pool of fake devices
type SimulatedPool struct {
	mu   sync.Mutex
	gpus []GPU
	rng  *rand.Rand
}

// NewSimulatedPool creates count idle GPUs. A nil rng uses a randomly seeded source.
func NewSimulatedPool(count int, rng *rand.Rand) *SimulatedPool {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	gpus := make([]GPU, count)
	for i := range gpus {
		idle := baseIdleTemperature + 2*i
		gpus[i] = GPU{
			ID:               i,
			Name:             SimulatedName,
			MemoryTotalMB:    SimulatedMemoryTotalMB,
			TemperatureC:     idle,
			Available:        true,
			idleTemperatureC: idle,
		}
	}

	return &SimulatedPool{gpus: gpus, rng: rng}
}

func (p *SimulatedPool) Available() (GPU, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.gpus {
		if g.Available && float64(g.MemoryUsedMB) < float64(g.MemoryTotalMB)*memoryHeadroom {
			return g, true
		}
	}
	return GPU{}, false
}

func (p *SimulatedPool) Allocate(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.gpus) {
		return ErrGPUNotFound
	}
	if !p.gpus[id].Available {
		return ErrGPUInUse
	}
	p.gpus[id].Available = false
	return nil
}

func (p *SimulatedPool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.gpus) {
		return
	}
	g := &p.gpus[id]
	g.Available = true
	g.MemoryUsedMB = 0
	g.UtilizationPercent = 0
	g.TemperatureC = g.idleTemperatureC
}

func (p *SimulatedPool) RefreshMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.gpus {
		g := &p.gpus[i]
		if g.Available {
			continue
		}
		g.MemoryUsedMB = between(p.rng, 8000, 20000)
		g.UtilizationPercent = between(p.rng, 70, 95)
		g.TemperatureC = between(p.rng, 65, 82)
	}
}

func (p *SimulatedPool) Status() []GPU {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]GPU, len(p.gpus))
	copy(out, p.gpus)
	return out
}

// between returns a uniform int in [lo, hi]
func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

var _ Pool = (*SimulatedPool)(nil)
