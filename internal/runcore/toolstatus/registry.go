package toolstatus

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

// AdapterResolver picks the channeladapter.Adapter and OutboundGateway for a
// given channel id, mirroring stream.AdapterResolver.
type AdapterResolver interface {
	Resolve(channelID string) (channeladapter.Adapter, channeladapter.OutboundGateway)
}

// Registry lazily creates and weakly holds Coalescer instances keyed by
// (session_key, channel_id), satisfying runprocess.ToolStatusIngestor.
type Registry struct {
	cfg         Config
	resolver    AdapterResolver
	idleTimeout time.Duration

	mu    sync.Mutex
	items map[string]*Coalescer
}

// NewRegistry constructs a toolstatus Registry.
func NewRegistry(cfg Config, resolver AdapterResolver, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Registry{cfg: cfg, resolver: resolver, idleTimeout: idleTimeout, items: make(map[string]*Coalescer)}
}

func key(sessionKey, channelID string) string { return sessionKey + "\x00" + channelID }

func (r *Registry) getOrCreate(sessionKey, channelID string) *Coalescer {
	k := key(sessionKey, channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.items[k]; ok {
		return c
	}
	adapter, gw := r.resolver.Resolve(channelID)
	c := newCoalescer(sessionKey, channelID, r.cfg, adapter, gw)
	r.items[k] = c
	return c
}

// IngestAction implements runprocess.ToolStatusIngestor.
func (r *Registry) IngestAction(sessionKey, channelID, runID string, action runprocess.ActionRecord, meta map[string]interface{}) {
	r.getOrCreate(sessionKey, channelID).Ingest(runID, action, meta)
}

// Flush implements runprocess.ToolStatusIngestor.
func (r *Registry) Flush(sessionKey, channelID, runID string) {
	r.getOrCreate(sessionKey, channelID).Flush(runID)
}

// FinalizeRun implements runprocess.ToolStatusIngestor.
func (r *Registry) FinalizeRun(sessionKey, channelID, runID string, ok bool, meta map[string]interface{}) {
	r.getOrCreate(sessionKey, channelID).Finalize(runID, ok, meta)
	r.scheduleIdleEviction(key(sessionKey, channelID))
}

func (r *Registry) scheduleIdleEviction(k string) {
	time.AfterFunc(r.idleTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.items[k]; ok {
			c.mu.Lock()
			finalized := c.finalized
			c.mu.Unlock()
			if finalized {
				close(c.inbox)
				delete(r.items, k)
			}
		}
	})
}

// Count reports the number of live coalescer instances, used by CLI
// inspection.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
