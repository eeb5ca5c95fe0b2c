package remote

import (
	"log/slog"
	"sort"

	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
	"github.com/Strob0t/SwarmForge/internal/resilience"
)

// Set is the group of registered remote executors.
type Set struct {
	executors []*Executor
}

// Register binds an executor for every service with a URL, each behind its
// own breaker. Services without a URL are skipped.
func Register(r *executor.Registry, services config.Services, b config.Breaker) (*Set, error) {
	set := &Set{}
	for typ, svc := range map[task.Type]config.Service{
		task.TypeImageGeneration:  services.ImageGeneration,
		task.TypeVideoGeneration:  services.VideoGeneration,
		task.TypeCryptoPrediction: services.CryptoPrediction,
		task.TypeFraudDetection:   services.FraudDetection,
	} {
		if svc.URL == "" {
			continue
		}
		e := New(typ, svc)
		if b.MaxFailures > 0 {
			e.SetBreaker(resilience.NewBreaker(b.MaxFailures, b.Timeout))
		}
		if err := r.Register(typ, e); err != nil {
			return nil, err
		}
		set.executors = append(set.executors, e)
		slog.Info("remote executor registered", "type", typ, "url", svc.URL, "timeout", svc.Timeout)
	}
	sort.Slice(set.executors, func(i, j int) bool {
		return set.executors[i].endpoint.Type < set.executors[j].endpoint.Type
	})
	return set, nil
}

// Endpoints lists the registered services sorted by type.
func (s *Set) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(s.executors))
	for _, e := range s.executors {
		out = append(out, e.Endpoint())
	}
	return out
}
