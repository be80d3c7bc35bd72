package backend

import (
	"context"
	"fmt"

	"github.com/castscribe/pkg/logger"
)

// Candidate is one engine/device pair to try, in order.
type Candidate struct {
	Kind   Kind   `json:"kind"`
	Device Device `json:"device"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s@%s", c.Kind, c.Device)
}

// Candidates orders the engines to try for a preference ("auto" or a kind name).
//
// An explicit, available preference yields exactly that engine. An explicit
// preference that cannot run here is logged and replaced by the auto order:
// accelerator engines for the detected device, then the CPU engine. The remote
// engine is never chosen automatically.
func Candidates(pref string, caps Capabilities) ([]Candidate, error) {
	kind, ok := ParseKind(pref)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, pref)
	}

	if kind != "" {
		if dev, ok := caps.Available(kind); ok {
			return []Candidate{{Kind: kind, Device: dev}}, nil
		}
		logger.Warnf("⚠️ Backend %s not available on this machine, falling back to auto selection", kind)
	}

	var out []Candidate
	var order []Kind
	switch caps.Accelerator {
	case DeviceCUDA:
		order = []Kind{KindNemo}
	case DeviceMPS:
		order = []Kind{KindParakeetMLX, KindMLXWhisper}
	}
	order = append(order, KindWhisper)

	for _, k := range order {
		if dev, ok := caps.Available(k); ok {
			out = append(out, Candidate{Kind: k, Device: dev})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoViableBackend
	}
	return out, nil
}

// Factory builds an unloaded backend for a kind.
type Factory func(kind Kind) (Backend, error)

// Selector ties probing, preference and construction together.
type Selector struct {
	prober  *Prober
	factory Factory
	pref    string
}

func NewSelector(prober *Prober, factory Factory, pref string) *Selector {
	return &Selector{prober: prober, factory: factory, pref: pref}
}

// Resolve returns the candidate order. A non-empty override replaces the configured preference.
func (s *Selector) Resolve(ctx context.Context, override string) ([]Candidate, error) {
	pref := s.pref
	if override != "" {
		pref = override
	}
	return Candidates(pref, s.prober.Probe(ctx))
}

// Capabilities exposes the cached probe.
func (s *Selector) Capabilities(ctx context.Context) Capabilities {
	return s.prober.Probe(ctx)
}

// Refresh re-runs the probe, e.g. after installing an engine.
func (s *Selector) Refresh(ctx context.Context) Capabilities {
	return s.prober.Refresh(ctx)
}

func (s *Selector) New(kind Kind) (Backend, error) {
	return s.factory(kind)
}

// LoadFirst loads candidates in order and returns the first that loads.
// Each candidate is tried once; failures are closed and logged.
func (s *Selector) LoadFirst(ctx context.Context, candidates []Candidate) (Backend, Candidate, error) {
	var lastErr error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, err
		}
		b, err := s.factory(c.Kind)
		if err != nil {
			lastErr = err
			logger.Warnf("⚠️ Backend %s unavailable: %v", c, err)
			continue
		}
		if err := b.Load(ctx, c.Device); err != nil {
			_ = b.Close()
			lastErr = err
			logger.Warnf("⚠️ Backend %s failed to load: %v", c, err)
			continue
		}
		logger.Infof("🧠 Loaded backend %s", c)
		return b, c, nil
	}
	if lastErr == nil {
		return nil, Candidate{}, ErrNoViableBackend
	}
	return nil, Candidate{}, fmt.Errorf("%w: %v", ErrNoViableBackend, lastErr)
}
