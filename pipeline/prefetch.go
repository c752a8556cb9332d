package pipeline

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/copier"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/store"
)

// Prefetcher copies the next reserved job's sources into that job's temp
// tree while the current encode is running, so the follow-up job starts
// without waiting on the network shares. Strictly best-effort: failures are
// logged and forgotten, and the copy engine's size check makes a partial
// prefetch harmless.
type Prefetcher struct {
	Jobs     ItemLister
	Reserved ReservedLister
	Copier   *copier.Engine
	TempDir  string
	Planner  func(items []store.Item) []copier.Job

	mu   sync.Mutex
	done map[string]bool
}

type ItemLister interface {
	ListItems(ctx context.Context, jobID string) ([]store.Item, error)
}

type ReservedLister interface {
	Reserved(ctx context.Context, worker string) ([]broker.Task, error)
}

// Kick looks up the worker's second reserved task and, the first time it is
// seen, starts copying its sources in the background.
func (p *Prefetcher) Kick(ctx context.Context, worker string) {
	tasks, err := p.Reserved.Reserved(ctx, worker)
	if err != nil {
		log.LogNoJobID("prefetch could not list reserved tasks", "worker", worker, "err", err)
		return
	}
	if len(tasks) < 2 {
		return
	}
	next := tasks[1]

	p.mu.Lock()
	if p.done == nil {
		p.done = map[string]bool{}
	}
	if p.done[next.JobID] {
		p.mu.Unlock()
		return
	}
	p.done[next.JobID] = true
	p.mu.Unlock()

	go p.fetch(next.JobID)
}

// Forget releases a job from the de-duplication set once it has actually
// run, so the map does not grow without bound.
func (p *Prefetcher) Forget(jobID string) {
	p.mu.Lock()
	delete(p.done, jobID)
	p.mu.Unlock()
}

func (p *Prefetcher) fetch(jobID string) {
	// Detached from the current job's lifetime on purpose.
	ctx := context.Background()

	items, err := p.Jobs.ListItems(ctx, jobID)
	if err != nil {
		log.LogError(jobID, "prefetch could not load items", err)
		return
	}
	destDir := filepath.Join(p.TempDir, jobID)
	jobs := p.Planner(items)
	log.Log(jobID, "prefetching sources for next job", "files", len(jobs))
	if _, err := p.Copier.CopyAll(ctx, jobs, destDir, copier.Hooks{}); err != nil {
		log.LogError(jobID, "prefetch copy failed", err)
		return
	}
	log.Log(jobID, "prefetch complete", "files", len(jobs))
}
