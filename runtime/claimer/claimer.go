// Package claimer polls the job store for pending jobs, claims them
// under a unique owner id, keeps the claims alive with heartbeats, and
// hands each claimed job to the executor. It also runs the stale sweep
// that reclaims jobs whose owner stopped heartbeating.
package claimer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runstreamhq/runstream/store"
)

// Executor runs one claimed job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job store.JobRecord, owner string) error
}

type Claimer struct {
	owner  string
	store  store.Store
	exec   Executor
	policy Policy

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(owner string, st store.Store, exec Executor, policy Policy) (*Claimer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if strings.TrimSpace(owner) == "" {
		owner = "claimer-" + uuid.NewString()
	}
	return &Claimer{
		owner:  owner,
		store:  st,
		exec:   exec,
		policy: NormalizePolicy(policy),
	}, nil
}

func (c *Claimer) Owner() string {
	return c.owner
}

// Start blocks until ctx is done or Stop is called. Claims are bounded
// by MaxConcurrent; in-flight jobs are given until their own timeout
// even after Start returns the claim loop.
func (c *Claimer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("claimer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		c.mu.Lock()
		c.started = false
		c.cancel = nil
		if c.done == done {
			close(done)
			c.done = nil
		}
		c.mu.Unlock()
	}()

	sweep := time.NewTicker(c.policy.SweepInterval)
	defer sweep.Stop()

	slots := make(chan struct{}, c.policy.MaxConcurrent)

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-sweep.C:
			c.sweep(runCtx)
		default:
		}

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-sweep.C:
			c.sweep(runCtx)
			continue
		case slots <- struct{}{}:
		}

		job, err := c.store.ClaimNextJob(runCtx, c.owner)
		if err != nil {
			<-slots
			if !errors.Is(err, store.ErrNoPendingJobs) && !errors.Is(err, store.ErrClaimConflict) {
				log.Printf("claimer %s: claim failed: %v", c.owner, err)
			}
			select {
			case <-runCtx.Done():
			case <-time.After(c.policy.PollInterval):
			}
			continue
		}

		inflight.Add(1)
		go func(job store.JobRecord) {
			defer inflight.Done()
			defer func() { <-slots }()
			c.run(runCtx, job)
		}(job)
	}
}

func (c *Claimer) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one claimed job while a sibling goroutine keeps the
// claim's heartbeat fresh. Losing the claim cancels the execution; the
// new owner's attempt is the one that counts from then on.
func (c *Claimer) run(ctx context.Context, job store.JobRecord) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beats := make(chan struct{})
	go func() {
		defer close(beats)
		ticker := time.NewTicker(c.policy.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				ok, err := c.store.HeartbeatJob(jobCtx, job.ID, c.owner)
				if err != nil {
					log.Printf("claimer %s: heartbeat for job %s failed: %v", c.owner, job.ID, err)
					continue
				}
				if !ok {
					log.Printf("claimer %s: lost claim on job %s, aborting", c.owner, job.ID)
					cancel()
					return
				}
			}
		}
	}()

	if err := c.exec.Execute(jobCtx, job, c.owner); err != nil {
		log.Printf("claimer %s: job %s: %v", c.owner, job.ID, err)
	}
	cancel()
	<-beats
}

func (c *Claimer) sweep(ctx context.Context) {
	res, err := c.store.SweepStaleJobs(ctx, c.policy.StaleThreshold)
	if err != nil {
		log.Printf("claimer %s: stale sweep failed: %v", c.owner, err)
		return
	}
	if res.Requeued > 0 || res.Failed > 0 {
		log.Printf("claimer %s: stale sweep requeued=%d failed=%d", c.owner, res.Requeued, res.Failed)
	}
}
