package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/models"
)

const registerRetryWait = 5 * time.Second

// Agent is the long-running site worker process. One agent serves one
// site; concurrency inside the site is bounded by MaxConcurrent.
type Agent struct {
	cfg      config.AgentConfig
	client   *Client
	spool    *Spool
	registry *Registry
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time

	slots chan struct{}
}

func New(cfg config.AgentConfig, client *Client, spool *Spool, registry *Registry, logger *log.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		client:   client,
		spool:    spool,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// WithMetrics attaches a metrics registry. All metric methods are
// nil-safe, so agents without a metrics listener skip this.
func (a *Agent) WithMetrics(metrics *Metrics) *Agent {
	a.metrics = metrics
	return a
}

// Run registers with the control plane and drives the heartbeat, spool
// replay, and claim loops until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerUntilReady(ctx); err != nil {
		return err
	}
	backlog, err := a.spool.Size()
	if err == nil && backlog > 0 {
		a.logger.Printf("labpilot-agent: %d spooled results pending replay", backlog)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.replayLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.claimLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// registerUntilReady retries registration until it succeeds or ctx is
// canceled. The control plane may simply not be up yet at boot.
func (a *Agent) registerUntilReady(ctx context.Context) error {
	for {
		info, err := a.client.Register(ctx, a.cfg.WorkerID, a.cfg.SiteName, a.cfg.Capabilities)
		if err == nil {
			a.logger.Printf("labpilot-agent: registered worker %s at site %s (lease %ds)",
				a.cfg.WorkerID, a.cfg.SiteName, info.LeaseSeconds)
			return nil
		}
		a.logger.Printf("labpilot-agent: register failed, retrying in %s: %v", registerRetryWait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryWait):
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.client.Heartbeat(ctx, a.cfg.WorkerID)
			switch {
			case err == nil:
			case errors.Is(err, ErrUnknownWorker):
				// Control plane restarted or pruned us; re-register.
				a.logger.Printf("labpilot-agent: heartbeat rejected, re-registering")
				if _, rerr := a.client.Register(ctx, a.cfg.WorkerID, a.cfg.SiteName, a.cfg.Capabilities); rerr != nil {
					a.logger.Printf("labpilot-agent: re-register failed: %v", rerr)
				}
			default:
				a.logger.Printf("labpilot-agent: heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Agent) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ReplayOnce(ctx); err != nil {
				a.logger.Printf("labpilot-agent: spool replay: %v", err)
			}
		}
	}
}

// ReplayOnce drains the spool newest-first. A transport failure stops
// the pass and leaves the remaining backlog untouched for the next
// tick; entries the control plane refuses outright are dropped.
func (a *Agent) ReplayOnce(ctx context.Context) error {
	entries, err := a.spool.List()
	if err != nil {
		return err
	}
	remaining := len(entries)
	a.metrics.SetSpoolBacklog(remaining)
	for _, entry := range entries {
		envelope, err := a.spool.Read(entry)
		if err != nil {
			a.logger.Printf("labpilot-agent: dropping unreadable spool entry %s: %v", entry.Path, err)
			if rerr := a.spool.Remove(entry); rerr != nil {
				return rerr
			}
			remaining--
			a.metrics.SetSpoolBacklog(remaining)
			continue
		}
		err = a.client.SubmitResult(ctx, envelope)
		switch {
		case err == nil:
			if rerr := a.spool.Remove(entry); rerr != nil {
				return rerr
			}
			remaining--
			a.metrics.IncReplay("replayed")
			a.metrics.SetSpoolBacklog(remaining)
			a.logger.Printf("labpilot-agent: replayed result for task %s", envelope.TaskID)
		case errors.Is(err, ErrResultRejected):
			// A newer holder owns the task now; this envelope can never land.
			a.logger.Printf("labpilot-agent: result for task %s rejected, dropping", envelope.TaskID)
			if rerr := a.spool.Remove(entry); rerr != nil {
				return rerr
			}
			remaining--
			a.metrics.IncReplay("dropped")
			a.metrics.SetSpoolBacklog(remaining)
		default:
			a.metrics.IncReplay("deferred")
			return err
		}
	}
	return nil
}

func (a *Agent) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a.slots <- struct{}{}:
		}
		task, err := a.claimNext(ctx)
		if err != nil {
			<-a.slots
			if ctx.Err() != nil {
				return
			}
			a.logger.Printf("labpilot-agent: claim failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			<-a.slots
			continue
		}
		go func(task models.Task) {
			defer func() { <-a.slots }()
			a.execute(ctx, task)
		}(*task)
	}
}

func (a *Agent) claimNext(ctx context.Context) (*models.Task, error) {
	waitSeconds := int(a.cfg.PollInterval / time.Second)
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	return a.client.Claim(ctx, a.cfg.WorkerID, a.cfg.SiteName, a.cfg.Capabilities, waitSeconds)
}

// execute runs one claimed task and delivers its result. Delivery
// failure spools the envelope; rejection drops it.
func (a *Agent) execute(ctx context.Context, task models.Task) {
	a.logger.Printf("labpilot-agent: executing task %s (%s)", task.ID, task.PayloadType)
	if err := a.client.ReportExecuting(ctx, task.ID, a.cfg.WorkerID); err != nil {
		a.logger.Printf("labpilot-agent: report executing for %s: %v", task.ID, err)
	}

	envelope := models.ResultEnvelope{
		TaskID:         task.ID,
		WorkerID:       a.cfg.WorkerID,
		IdempotencyKey: task.IdempotencyKey,
		PayloadType:    task.PayloadType,
	}
	executor, ok := a.registry.Lookup(task.PayloadType)
	if !ok {
		envelope.Error = "no executor registered for payload type " + string(task.PayloadType)
	} else {
		resultJSON, err := executor.Execute(ctx, task)
		if err != nil {
			envelope.Error = err.Error()
		} else {
			envelope.ResultJSON = resultJSON
		}
	}
	envelope.SubmittedAt = a.now().UTC()
	a.metrics.IncTaskExecuted(task.PayloadType, envelope.Error != "")

	err := a.client.SubmitResult(ctx, envelope)
	switch {
	case err == nil:
		a.logger.Printf("labpilot-agent: submitted result for task %s", task.ID)
	case errors.Is(err, ErrResultRejected):
		a.logger.Printf("labpilot-agent: result for task %s rejected, dropping", task.ID)
	default:
		path, serr := a.spool.Write(envelope)
		if serr != nil {
			a.logger.Printf("labpilot-agent: spool result for task %s: %v (submit error: %v)", task.ID, serr, err)
			return
		}
		if backlog, serr := a.spool.Size(); serr == nil {
			a.metrics.SetSpoolBacklog(backlog)
		}
		a.logger.Printf("labpilot-agent: control plane unreachable, spooled result for task %s to %s", task.ID, path)
	}
}
