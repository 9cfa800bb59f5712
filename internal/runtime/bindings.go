package runtime

import (
	"fmt"
	"sort"

	"github.com/fluxionhq/fluxion/internal/protocol"
	"github.com/fluxionhq/fluxion/internal/supervisor"
)

// FallbackWorkerID is the id given to the synthesized all-database worker,
// de-conflicted with a numeric suffix when an operator spec already took it.
const FallbackWorkerID = "fluxion-worker-all"

// WorkerSpec is one operator-declared worker binding.
type WorkerSpec struct {
	ID        string
	DB        []string
	Overrides supervisor.Options
}

// buildSupervisors validates the worker strategy and materializes one
// supervisor per binding. An empty spec list is the "all" strategy: a single
// worker carrying every declared database. With a custom list, a binding
// whose capability set equals the declared set may already exist; otherwise
// the all-db fallback is synthesized and appended, so worker selection can
// never come up empty.
func buildSupervisors(cfg Config, declared []string) ([]*supervisor.Supervisor, error) {
	specs := cfg.Workers
	synthesizedFallback := false
	if len(specs) == 0 {
		specs = []WorkerSpec{{ID: FallbackWorkerID, DB: declared}}
		synthesizedFallback = true
	} else {
		seen := make(map[string]struct{}, len(specs))
		for i, spec := range specs {
			if spec.ID == "" {
				return nil, fmt.Errorf("runtime: worker spec %d has an empty id", i)
			}
			if _, dup := seen[spec.ID]; dup {
				return nil, fmt.Errorf("runtime: duplicate worker id %q", spec.ID)
			}
			seen[spec.ID] = struct{}{}
			if unknown := protocol.MissingFrom(protocol.NormalizeDBSet(spec.DB), declared); len(unknown) > 0 {
				return nil, fmt.Errorf("runtime: worker %q references unknown databases %v", spec.ID, unknown)
			}
		}
		if !hasAllDBSpec(specs, declared) {
			id := FallbackWorkerID
			for n := 2; ; n++ {
				if _, taken := seen[id]; !taken {
					break
				}
				id = fmt.Sprintf("%s-%d", FallbackWorkerID, n)
			}
			specs = append(specs, WorkerSpec{ID: id, DB: declared})
			synthesizedFallback = true
		}
	}

	supervisors := make([]*supervisor.Supervisor, 0, len(specs))
	for i, spec := range specs {
		isFallback := synthesizedFallback && i == len(specs)-1
		supervisors = append(supervisors, supervisor.New(supervisor.Config{
			ID:              spec.ID,
			DBSet:           spec.DB,
			IsFallbackAllDB: isFallback,
			Options:         supervisor.Merge(cfg.WorkerOptions, spec.Overrides),
			Start:           cfg.Start,
			Logger:          cfg.Logger,
			OnRestart: func(workerID, reason string) {
				cfg.Metrics.RecordWorkerRestart(workerID)
			},
		}))
	}
	return supervisors, nil
}

func hasAllDBSpec(specs []WorkerSpec, declared []string) bool {
	for _, spec := range specs {
		if setEqual(protocol.NormalizeDBSet(spec.DB), declared) {
			return true
		}
	}
	return false
}

func setEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// selectWorker maps a handler's requirement set to the minimal satisfying
// binding: among workers whose capability set covers the requirements, the
// smallest set wins, ties broken by inflight count and then id. The all-db
// fallback guarantees at least one candidate.
func selectWorker(workers []*supervisor.Supervisor, required []string) *supervisor.Supervisor {
	var candidates []*supervisor.Supervisor
	for _, s := range workers {
		if len(protocol.MissingFrom(required, s.DBSet())) == 0 {
			candidates = append(candidates, s)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if la, lb := len(a.DBSet()), len(b.DBSet()); la != lb {
			return la < lb
		}
		if ia, ib := a.Inflight(), b.Inflight(); ia != ib {
			return ia < ib
		}
		return a.ID() < b.ID()
	})
	return candidates[0]
}

// inspectWorker picks the binding used for metadata-only loads: the
// synthesized fallback when present, else the first binding carrying the
// full declared set.
func inspectWorker(workers []*supervisor.Supervisor, declared []string) *supervisor.Supervisor {
	for _, s := range workers {
		if s.IsFallbackAllDB() {
			return s
		}
	}
	for _, s := range workers {
		if setEqual(s.DBSet(), declared) {
			return s
		}
	}
	return workers[len(workers)-1]
}
