package deploy

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/melih/lighthouse/internal/core/domain"
)

// PortPool hands out host ports from [min, max], at most one per workspace.
type PortPool struct {
	mu     sync.Mutex
	min    int
	max    int
	next   int
	byWS   map[domain.WorkspaceID]int
	byPort map[int]domain.WorkspaceID
	gauge  prometheus.Gauge
}

// NewPortPool returns an empty pool. gauge, when not nil, tracks the ports in use.
func NewPortPool(min, max int, gauge prometheus.Gauge) (*PortPool, error) {
	if min < 1 || max > 65535 || max < min {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &PortPool{
		min:    min,
		max:    max,
		next:   min,
		byWS:   make(map[domain.WorkspaceID]int),
		byPort: make(map[int]domain.WorkspaceID),
		gauge:  gauge,
	}, nil
}

// Allocate returns the port of ws, assigning a free one first if needed.
// Ports are handed out round robin so a released port is not reused at once.
func (p *PortPool) Allocate(ws domain.WorkspaceID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byWS[ws]; ok {
		return port, nil
	}
	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.min + (p.next-p.min+i)%size
		if _, taken := p.byPort[port]; taken {
			continue
		}
		p.assignLocked(ws, port)
		p.next = port + 1
		if p.next > p.max {
			p.next = p.min
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d ports in use", ErrPortExhausted, size)
}

// Reserve records that ws already holds port, as after a restart.
func (p *PortPool) Reserve(ws domain.WorkspaceID, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.min || port > p.max {
		return fmt.Errorf("port %d outside range %d-%d", port, p.min, p.max)
	}
	if owner, taken := p.byPort[port]; taken && owner != ws {
		return fmt.Errorf("%w: %d held by %s", ErrPortConflict, port, owner)
	}
	if old, ok := p.byWS[ws]; ok && old != port {
		delete(p.byPort, old)
		delete(p.byWS, ws)
	}
	p.assignLocked(ws, port)
	return nil
}

// Release frees the port of ws, if any.
func (p *PortPool) Release(ws domain.WorkspaceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byWS[ws]; ok {
		delete(p.byWS, ws)
		delete(p.byPort, port)
		p.updateGaugeLocked()
	}
}

// Lookup returns the port held by ws.
func (p *PortPool) Lookup(ws domain.WorkspaceID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byWS[ws]
	return port, ok
}

// InUse returns the number of allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byWS)
}

func (p *PortPool) assignLocked(ws domain.WorkspaceID, port int) {
	p.byWS[ws] = port
	p.byPort[port] = ws
	p.updateGaugeLocked()
}

func (p *PortPool) updateGaugeLocked() {
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.byWS)))
	}
}
