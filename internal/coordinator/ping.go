package coordinator

import (
	"sync"
	"sync/atomic"
	"time"
)

// pingInterval is the keepalive cadence in any active state (spec §4.F
// "a ping thread sends a keepalive with current progress every 10 s").
const pingInterval = 10 * time.Second

// Progress is one keepalive/progress message from a session's ping helper
// to whoever watches the Coordinator's Progress channel.
type Progress struct {
	ClientID  int64
	SessionID string
	State     State
	Detail    string
	At        time.Time
}

// pinger is the per-session keepalive helper. It holds a stop flag and an
// outbound channel, nothing else; the parent task never hands it a
// back-pointer.
type pinger struct {
	out       chan<- Progress
	clientID  int64
	sessionID string
	state     State

	stopFlag int32 // atomic; checked every iteration
	stopped  chan struct{}
	detail   atomic.Value
	wg       sync.WaitGroup
}

func startPinger(out chan<- Progress, clientID int64, sessionID string, state State) *pinger {
	p := &pinger{out: out, clientID: clientID, sessionID: sessionID, state: state, stopped: make(chan struct{})}
	p.detail.Store("")
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *pinger) loop() {
	defer p.wg.Done()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if atomic.LoadInt32(&p.stopFlag) != 0 {
				return
			}
			p.send()
		case <-p.stopped:
			return
		}
	}
}

func (p *pinger) send() {
	msg := Progress{
		ClientID:  p.clientID,
		SessionID: p.sessionID,
		State:     p.state,
		Detail:    p.detail.Load().(string),
		At:        time.Now(),
	}
	select {
	case p.out <- msg:
	default:
		// Nobody draining progress; keepalives are best-effort.
	}
}

// report updates the progress detail carried by subsequent pings.
func (p *pinger) report(detail string) {
	p.detail.Store(detail)
}

// stop sets the stop flag and waits for the helper to observe it.
func (p *pinger) stop() {
	atomic.StoreInt32(&p.stopFlag, 1)
	close(p.stopped)
	p.wg.Wait()
}
