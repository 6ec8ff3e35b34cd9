package game

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ValueAt returns the curve value after elapsed seconds. It is recomputed from
// elapsed time on every tick and never accumulated.
func (c Curve) ValueAt(elapsed float64) float64 {
	if elapsed <= 0 {
		return MIN_VALUE
	}
	x := c.A * elapsed
	y := c.B * elapsed
	v := 1 + x + x*x - y*y*y + y*y*y*y
	if v < MIN_VALUE {
		return MIN_VALUE
	}
	return floor2(v)
}

// Monotonic reports whether the curve never decreases over [0, horizon].
func (c Curve) Monotonic(horizon, step time.Duration) bool {
	prev := c.ValueAt(0)
	for t := step; t <= horizon; t += step {
		v := c.ValueAt(t.Seconds())
		if v < prev {
			return false
		}
		prev = v
	}
	return true
}

const MIN_VALUE = 1.0

// ComputeValue evaluates the default growth curve.
func ComputeValue(elapsed float64) float64 {
	return DefaultCurve().ValueAt(elapsed)
}

func floor2(v float64) float64 {
	return math.Floor(v*100+1e-9) / 100
}

// Generator draws crash targets from the weighted bucket distribution.
// It is deliberately not a provably fair generator.
type Generator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	buckets  []Bucket
	total    float64
	minCrash float64
	maxCrash float64
}

func NewGenerator(cfg Config, seed uint64) *Generator {
	total := 0.0
	for _, b := range cfg.Buckets {
		total += b.Weight
	}
	return &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		buckets:  append([]Bucket(nil), cfg.Buckets...),
		total:    total,
		minCrash: cfg.MinCrash,
		maxCrash: cfg.MaxCrash,
	}
}

// CrashTarget picks a bucket by weight, then a uniform value inside it,
// clamped to [minCrash, maxCrash].
func (g *Generator) CrashTarget() float64 {
	g.mu.Lock()
	pick := g.rng.Float64() * g.total
	u := g.rng.Float64()
	g.mu.Unlock()

	bucket := g.buckets[len(g.buckets)-1]
	for _, b := range g.buckets {
		if pick < b.Weight {
			bucket = b
			break
		}
		pick -= b.Weight
	}
	return g.clamp(bucket.Min + u*(bucket.Max-bucket.Min))
}

func (g *Generator) clamp(v float64) float64 {
	v = floor2(v)
	if v < g.minCrash {
		return g.minCrash
	}
	if v > g.maxCrash {
		return g.maxCrash
	}
	return v
}
