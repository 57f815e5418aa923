// Package coordinator implements the per-client state machine driving
// components A–E (component F): discover → decide → transfer → index →
// reply, with a command pipe, scheduled wakeups, keepalive pings and a
// process-wide admission cap on simultaneous backups.
package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/urbackup-go/backupcore/internal/corecontext"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/logging"
)

var log = logging.For("coordinator")

// Coordinator owns one task per online client plus the process-wide
// admission semaphore bounding simultaneous backups (spec §4.F
// "max_sim_backups", default 10).
type Coordinator struct {
	core   *corecontext.Core
	admit  *semaphore.Weighted
	runner Runner

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[int64]*clientTask
	wg      sync.WaitGroup

	// Progress receives keepalive/progress updates from every client
	// task's ping helper; helpers communicate by message, they never hold
	// a back-pointer into the Coordinator.
	Progress chan Progress
}

// New builds a Coordinator over core. runner performs the actual
// transfers; production wiring uses NewBackupRunner, tests substitute a
// fake.
func New(core *corecontext.Core, runner Runner) *Coordinator {
	maxSim := core.Cfg.MaxSimBackups
	if maxSim <= 0 {
		maxSim = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		core:     core,
		admit:    semaphore.NewWeighted(int64(maxSim)),
		runner:   runner,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[int64]*clientTask),
		Progress: make(chan Progress, 64),
	}
}

// AddClient registers client and starts its task. Re-adding a live client
// is a no-op.
func (c *Coordinator) AddClient(client db.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[client.ID]; ok {
		return nil
	}
	if err := c.core.DB.PutClient(client); err != nil {
		return err
	}
	t := newClientTask(c, client)
	c.clients[client.ID] = t
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t.run(c.ctx)
	}()
	return nil
}

// Command delivers a command-pipe string ("START BACKUP INCR", "exit",
// "address <sockaddr>", ...) to a client's task, preempting any wait it
// is currently in (spec §4.F "On command receipt the Coordinator
// immediately preempts any wait").
func (c *Coordinator) Command(clientID int64, cmd string) error {
	c.mu.Lock()
	t, ok := c.clients[clientID]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("coordinator: no task for client %d", clientID)
	}
	select {
	case t.commands <- cmd:
		return nil
	case <-c.ctx.Done():
		return errors.New("coordinator: shutting down")
	}
}

// Shutdown cancels every client task and waits for them to unwind; tasks
// observe cancellation at their next blocking point (spec §5
// "Cancellation").
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.core.Retention.Interrupt()
	c.wg.Wait()
}

// acquireAdmission blocks until a backup slot is free or ctx is
// cancelled; the returned release must be called on completion regardless
// of success.
func (c *Coordinator) acquireAdmission(ctx context.Context) (release func(), err error) {
	if err := c.admit.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { c.admit.Release(1) }) }, nil
}
