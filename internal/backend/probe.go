package backend

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castscribe/internal/executor"
	"github.com/castscribe/pkg/logger"
)

// Capabilities is what the machine can run.
type Capabilities struct {
	OS          string          `json:"os"`
	Arch        string          `json:"arch"`
	Accelerator Device          `json:"accelerator,omitempty"` // cuda, mps or empty
	GPUName     string          `json:"gpu_name,omitempty"`
	Modules     map[string]bool `json:"modules"`
	Remote      bool            `json:"remote"` // API credentials configured
	ProbedAt    time.Time       `json:"probed_at"`
}

func (c Capabilities) HasModule(name string) bool {
	return c.Modules[name]
}

// Available reports whether kind can run here, and on which device.
func (c Capabilities) Available(kind Kind) (Device, bool) {
	for _, m := range kind.Modules() {
		if !c.HasModule(m) {
			return "", false
		}
	}
	switch kind {
	case KindNemo:
		return DeviceCUDA, c.Accelerator == DeviceCUDA
	case KindParakeetMLX, KindMLXWhisper:
		return DeviceMPS, c.Accelerator == DeviceMPS
	case KindWhisper:
		return DeviceCPU, true
	case KindOpenAI:
		return DeviceRemote, c.Remote
	}
	return "", false
}

// ProbeConfig points the prober at the local toolchain.
type ProbeConfig struct {
	Python    string
	NvidiaSMI string
	Remote    bool
}

// Prober detects accelerators and installed engines once and caches the result.
type Prober struct {
	cfg    ProbeConfig
	runner executor.Runner
	goos   string
	goarch string

	mu     sync.Mutex
	cached *Capabilities
}

func NewProber(runner executor.Runner, cfg ProbeConfig) *Prober {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.NvidiaSMI == "" {
		cfg.NvidiaSMI = "nvidia-smi"
	}
	return &Prober{
		cfg:    cfg,
		runner: runner,
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
}

// Probe returns cached capabilities, detecting them on first use. Results
// from a cancelled ctx are returned but not cached.
func (p *Prober) Probe(ctx context.Context) Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached
	}
	caps := p.probe(ctx)
	if ctx.Err() == nil {
		p.cached = &caps
	}
	return caps
}

// Refresh detects again and replaces the cache. When ctx ends early the
// previous capabilities stay in place. A static prober keeps its capabilities.
func (p *Prober) Refresh(ctx context.Context) Capabilities {
	if p.runner == nil {
		return p.Probe(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.probe(ctx)
	if err := ctx.Err(); err != nil {
		logger.Warnf("⚠️ Backend detection interrupted (%v), keeping previous capabilities", err)
		if p.cached != nil {
			return *p.cached
		}
		return caps
	}
	p.cached = &caps
	return caps
}

func probeModules() []string {
	seen := map[string]bool{DiarizationModule: true}
	for _, k := range AllKinds {
		for _, m := range k.Modules() {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (p *Prober) probe(ctx context.Context) Capabilities {
	caps := Capabilities{
		OS:       p.goos,
		Arch:     p.goarch,
		Modules:  map[string]bool{},
		Remote:   p.cfg.Remote,
		ProbedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	if p.goos == "darwin" && p.goarch == "arm64" {
		caps.Accelerator = DeviceMPS
	} else {
		g.Go(func() error {
			res, err := p.runner.Run(gctx, p.cfg.NvidiaSMI, "-L")
			if err != nil {
				logger.Debugf("nvidia-smi unavailable: %v", err)
				return nil
			}
			name := firstGPU(res.Stdout)
			if name == "" {
				return nil
			}
			mu.Lock()
			caps.Accelerator = DeviceCUDA
			caps.GPUName = name
			mu.Unlock()
			return nil
		})
	}

	for _, module := range probeModules() {
		module := module
		g.Go(func() error {
			_, err := p.runner.Run(gctx, p.cfg.Python, "-c", "import "+module)
			mu.Lock()
			caps.Modules[module] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Infof("🔍 Backend probe: os=%s arch=%s accelerator=%s gpu=%q", caps.OS, caps.Arch, orNone(caps.Accelerator), caps.GPUName)
	return caps
}

// firstGPU parses `nvidia-smi -L` output ("GPU 0: NVIDIA A10G (UUID: ...)").
func firstGPU(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "GPU ") {
			continue
		}
		if _, rest, ok := strings.Cut(line, ": "); ok {
			if name, _, found := strings.Cut(rest, " (UUID"); found {
				return name
			}
			return rest
		}
	}
	return ""
}

func orNone(d Device) string {
	if d == "" {
		return "none"
	}
	return string(d)
}

// StaticProber always reports caps. Used when capabilities are known up front.
func StaticProber(caps Capabilities) *Prober {
	return &Prober{cached: &caps, goos: caps.OS, goarch: caps.Arch}
}
