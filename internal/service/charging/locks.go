package charging

import (
	"fmt"
	"sync"
)

// connectorLocks serialises session mutations per (tenant, station,
// connector) so a remote command and a station message cannot interleave
// on the same outlet.
type connectorLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConnectorLocks() *connectorLocks {
	return &connectorLocks{locks: make(map[string]*sync.Mutex)}
}

func (c *connectorLocks) lock(tenantID, stationID string, connectorID int) func() {
	key := fmt.Sprintf("%s/%s/%d", tenantID, stationID, connectorID)

	c.mu.Lock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}
