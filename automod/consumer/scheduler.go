package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bouncerbot/bouncer/automod/event"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

// Handler for a single normalized event; usually Engine.ProcessEvent.
type HandleFunc func(ctx context.Context, evt *event.Event) error

// Scheduler runs work on a fixed number of workers.
//
// Events for the same guild are never processed concurrently, and are processed in the order they were added. Different guilds proceed in parallel.
type Scheduler struct {
	maxConcurrency int

	do HandleFunc

	feeder chan *task
	out    chan struct{}

	lk       sync.Mutex
	active   map[string][]*task
	shutdown bool
	// queued or in-flight items; Wait blocks until it drops to zero
	pending sync.WaitGroup

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

type task struct {
	guild   string
	val     *event.Event
	control string
}

func NewScheduler(maxC int, ident string, logger *slog.Logger, do HandleFunc) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Scheduler{
		maxConcurrency: maxC,

		do: do,

		feeder: make(chan *task),
		active: make(map[string][]*task),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsFailed:    workItemsFailed.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: logger.With("system", "scheduler", "ident", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// Stops accepting work, lets queued work finish, and stops the workers.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down scheduler")

	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return
	}
	p.shutdown = true
	p.lk.Unlock()

	p.pending.Wait()

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &task{
			control: "stop",
		}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)

	p.log.Info("scheduler shutdown complete")
}

// Blocks until all work added so far has been processed.
func (p *Scheduler) Wait() {
	p.pending.Wait()
}

// Queues the event behind any other work for the same guild. Blocks only when the event is the first for its guild and every worker is busy.
func (p *Scheduler) AddWork(ctx context.Context, evt *event.Event) error {
	t := &task{
		guild: evt.GuildID,
		val:   evt,
	}
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return ErrShutdown
	}
	p.itemsAdded.Inc()
	p.pending.Add(1)

	a, ok := p.active[t.guild]
	if ok {
		p.active[t.guild] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[t.guild] = []*task{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		// only this task is dropped; work queued behind it was already accepted and is handed to the next free worker
		p.lk.Lock()
		rem := p.active[t.guild]
		if len(rem) == 0 {
			delete(p.active, t.guild)
			p.lk.Unlock()
			p.pending.Done()
			return ctx.Err()
		}
		next := rem[0]
		p.active[t.guild] = rem[1:]
		p.lk.Unlock()
		p.pending.Done()
		go func() {
			p.feeder <- next
		}()
		return ctx.Err()
	}
}

func (p *Scheduler) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			if err := p.do(context.Background(), work.val); err != nil {
				p.itemsFailed.Inc()
				p.log.Warn("event handler failed", "guild", work.guild, "kind", work.val.Kind, "err", err)
			}
			p.itemsProcessed.Inc()
			p.pending.Done()

			p.lk.Lock()
			rem, ok := p.active[work.guild]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.guild)
				work = nil
			} else {
				work = rem[0]
				p.active[work.guild] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}
