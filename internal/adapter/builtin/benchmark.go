package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
)

// Benchmark variants.
const (
	BenchmarkCPU    = "cpu"
	BenchmarkMemory = "memory"
)

const maxIterations = 10_000_000

// Benchmark runs a synthetic CPU or memory workload.
type Benchmark struct {
	now func() time.Time
}

var _ executor.Executor = (*Benchmark)(nil)

// NewBenchmark returns a Benchmark.
func NewBenchmark() *Benchmark {
	return &Benchmark{now: time.Now}
}

// Execute runs params["iterations"] (default 100) rounds of
// params["benchmark_type"] (default cpu). The loop checks ctx between
// rounds and returns the completed count when it expires.
func (b *Benchmark) Execute(ctx context.Context, req executor.Request) (map[string]any, error) {
	kind, _ := req.Params["benchmark_type"].(string)
	if kind == "" {
		kind = BenchmarkCPU
	}
	if kind != BenchmarkCPU && kind != BenchmarkMemory {
		return nil, fmt.Errorf("benchmark type %q: %w", kind, domain.ErrValidation)
	}
	iterations := intParam(req.Params, "iterations", 100)
	if iterations < 0 || iterations > maxIterations {
		return nil, fmt.Errorf("iterations %d out of range: %w", iterations, domain.ErrValidation)
	}

	start := b.now()
	done, checksum, err := run(ctx, kind, iterations)
	elapsed := b.now().Sub(start)

	var throughput float64
	if elapsed > 0 {
		throughput = float64(done) / elapsed.Seconds()
	}
	return map[string]any{
		"benchmark_type": kind,
		"iterations":     done,
		"duration":       elapsed.Seconds(),
		"throughput":     throughput,
		"checksum":       checksum,
	}, err
}

func run(ctx context.Context, kind string, iterations int) (done, checksum int, err error) {
	for i := range iterations {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return i, checksum, err
			}
		}
		switch kind {
		case BenchmarkCPU:
			for j := range 1000 {
				checksum += j
			}
		case BenchmarkMemory:
			buf := make([]int, 1000)
			buf[i%len(buf)] = i
			checksum += len(buf)
		}
	}
	return iterations, checksum, nil
}
