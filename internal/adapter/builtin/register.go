package builtin

import (
	"net/http"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
)

// Register binds the built-in executors on r.
func Register(r *executor.Registry, client *http.Client) error {
	for typ, e := range map[task.Type]executor.Executor{
		task.TypeCrawl:     NewCrawler(client),
		task.TypeAnalyze:   NewAnalyzer(),
		task.TypeBenchmark: NewBenchmark(),
	} {
		if err := r.Register(typ, e); err != nil {
			return err
		}
	}
	return nil
}
