package economy

import "sync"

// Sampler draws from the standard normal distribution. *math/rand.Rand
// satisfies it, as does entropy.Client.
type Sampler interface {
	NormFloat64() float64
}

// ZeroSampler always returns 0, turning idle drift into pure smoothing.
type ZeroSampler struct{}

func (ZeroSampler) NormFloat64() float64 { return 0 }

// SequenceSampler replays a fixed list of samples, cycling when exhausted.
// An empty sequence behaves like ZeroSampler.
type SequenceSampler struct {
	mu      sync.Mutex
	samples []float64
	next    int
}

// NewSequenceSampler returns a sampler that yields samples in order.
func NewSequenceSampler(samples ...float64) *SequenceSampler {
	return &SequenceSampler{samples: samples}
}

func (s *SequenceSampler) NormFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0
	}
	v := s.samples[s.next]
	s.next = (s.next + 1) % len(s.samples)
	return v
}
