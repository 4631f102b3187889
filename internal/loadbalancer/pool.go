package loadbalancer

import "time"

type selectRequest struct {
	ctx   SelectContext
	reply chan *Instance
}

type successRequest struct {
	id      string
	latency time.Duration
	done    chan struct{}
}

type failureRequest struct {
	id   string
	done chan struct{}
}

type registerRequest struct {
	inst *Instance
	done chan struct{}
}

type reloadRequest struct {
	instances []*Instance
	done      chan struct{}
}

type snapshotRequest struct {
	reply chan []*Instance
}

// Pool is a named list of Instances behind a single selection strategy,
// run by one owner goroutine (registration, selection, and health updates
// all serialize through request channels) exactly as
// internal/mcp/connection_manager.go's ConnectionManager.run owns its
// connections map.
type Pool struct {
	name               string
	strategy           Strategy
	unhealthyThreshold int

	instances []*Instance // registration order; never reordered

	selectCh   chan selectRequest
	successCh  chan successRequest
	failureCh  chan failureRequest
	registerCh chan registerRequest
	reloadCh   chan reloadRequest
	snapshotCh chan snapshotRequest
	stopCh     chan struct{}
}

// NewPool constructs a Pool with the given strategy and starts its owner
// goroutine.
func NewPool(name string, strategy Strategy, unhealthyThreshold int) *Pool {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = unhealthyThresholdDefault
	}
	p := &Pool{
		name:               name,
		strategy:           strategy,
		unhealthyThreshold: unhealthyThreshold,
		selectCh:           make(chan selectRequest),
		successCh:          make(chan successRequest),
		failureCh:          make(chan failureRequest),
		registerCh:         make(chan registerRequest),
		reloadCh:           make(chan reloadRequest),
		snapshotCh:         make(chan snapshotRequest),
		stopCh:             make(chan struct{}),
	}
	go p.run()
	return p
}

// Name returns the pool's identifier.
func (p *Pool) Name() string { return p.name }

// Register adds an instance to the pool in registration order.
func (p *Pool) Register(inst *Instance) {
	done := make(chan struct{})
	p.registerCh <- registerRequest{inst: inst, done: done}
	<-done
}

// Reload atomically replaces the pool's instance list, used by the
// fsnotify-driven config watcher (spec §4.10/§4.11) to add/drain instances
// without downtime.
func (p *Pool) Reload(instances []*Instance) {
	done := make(chan struct{})
	p.reloadCh <- reloadRequest{instances: instances, done: done}
	<-done
}

// SelectInstance dispatches to the pool's configured strategy over the
// currently-available instances, incrementing the winner's active count.
func (p *Pool) SelectInstance(ctx SelectContext) *Instance {
	reply := make(chan *Instance, 1)
	p.selectCh <- selectRequest{ctx: ctx, reply: reply}
	return <-reply
}

// RecordSuccess updates the named instance's counters after a successful call.
func (p *Pool) RecordSuccess(id string, latency time.Duration) {
	done := make(chan struct{})
	p.successCh <- successRequest{id: id, latency: latency, done: done}
	<-done
}

// RecordFailure updates the named instance's counters after a failed call.
func (p *Pool) RecordFailure(id string) {
	done := make(chan struct{})
	p.failureCh <- failureRequest{id: id, done: done}
	<-done
}

// Snapshot returns the pool's instances in registration order, for the
// admin surface and health loop.
func (p *Pool) Snapshot() []*Instance {
	reply := make(chan []*Instance, 1)
	p.snapshotCh <- snapshotRequest{reply: reply}
	return <-reply
}

// Stop halts the pool's owner goroutine.
func (p *Pool) Stop() { close(p.stopCh) }

func (p *Pool) run() {
	for {
		select {
		case req := <-p.registerCh:
			p.instances = append(p.instances, req.inst)
			close(req.done)

		case req := <-p.reloadCh:
			p.instances = req.instances
			close(req.done)

		case req := <-p.selectCh:
			req.reply <- p.selectLocked(req.ctx)

		case req := <-p.successCh:
			if inst := p.find(req.id); inst != nil {
				inst.recordSuccess(req.latency, p.unhealthyThreshold)
			}
			close(req.done)

		case req := <-p.failureCh:
			if inst := p.find(req.id); inst != nil {
				inst.recordFailure(p.unhealthyThreshold)
			}
			close(req.done)

		case req := <-p.snapshotCh:
			out := make([]*Instance, len(p.instances))
			copy(out, p.instances)
			req.reply <- out

		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) find(id string) *Instance {
	for _, inst := range p.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

func (p *Pool) selectLocked(ctx SelectContext) *Instance {
	available := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		inst.autoRecoverIfStale()
		if inst.Available() {
			available = append(available, inst)
		}
	}
	winner := p.strategy.Select(available, ctx)
	if winner != nil {
		winner.acquire()
	}
	return winner
}
