package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dlmd/pkg/dispatch"
	"github.com/cuemby/dlmd/pkg/events"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/OneOfOne/xxhash"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	cacheTTL             = 5 * time.Second
	cacheCleanupInterval = 30 * time.Second
)

// Directory selects the directory node for a resource name and tracks
// which node currently masters each resource this node's directory
// node is responsible for (spec §4.4).
type Directory struct {
	self string

	mu            sync.RWMutex
	members       []string
	mastersByName map[string]string

	cache  *gocache.Cache
	logger zerolog.Logger
	broker *events.Broker
}

// SetBroker attaches an event broker that LookupOrElect publishes a
// master.elected event to. Nil by default.
func (d *Directory) SetBroker(b *events.Broker) { d.broker = b }

// New creates a directory for a node identified by self.
func New(self string) *Directory {
	return &Directory{
		self:          self,
		mastersByName: make(map[string]string),
		cache:         gocache.New(cacheTTL, cacheCleanupInterval),
		logger:        log.WithComponent("directory"),
	}
}

// ServeLookups registers this directory as the responder for inbound
// LOOKUP messages on dispatcher: spec §4.4's directory-node side of
// mastering, electing the querying peer as master on a resource's
// first touch.
func (d *Directory) ServeLookups(dispatcher *dispatch.Dispatcher) {
	dispatcher.OnKind(wire.KindLookup, func(peer string, msg *wire.Message) {
		master := d.LookupOrElect(msg.Name, peer)
		reply := &wire.Message{
			Kind:        wire.KindLookupReply,
			LockspaceID: msg.LockspaceID,
			RemoteLKID:  msg.SenderLKID,
			Name:        []byte(master),
		}
		if err := dispatcher.RawSend(context.Background(), peer, reply); err != nil {
			d.logger.Warn().Err(err).Str("peer", peer).Msg("lookup reply failed")
		}
	})
}

// Self returns this node's id.
func (d *Directory) Self() string { return d.self }

// SetMembers installs a new ordered member set, purging and rebuilding
// the directory's bookkeeping: every resource now hashes to a
// (possibly different) directory node, so stale master records and
// cached lookups must not survive (spec §4.4: "purged and rebuilt on
// every membership change").
func (d *Directory) SetMembers(members []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = append([]string(nil), members...)
	d.mastersByName = make(map[string]string)
	d.cache.Flush()
}

// Members returns the current ordered member set.
func (d *Directory) Members() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.members...)
}

// DirectoryNode returns the node responsible for recording the master
// of the resource named by name: a deterministic hash of the name
// modulo the current member count (spec §4.4).
func (d *Directory) DirectoryNode(name []byte) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.members) == 0 {
		return "", fmt.Errorf("directory: no members to hash against")
	}
	idx := xxhash.Checksum64(name) % uint64(len(d.members))
	return d.members[idx], nil
}

// IsLocalDirectoryNode reports whether this node is the directory node
// for name.
func (d *Directory) IsLocalDirectoryNode(name []byte) (bool, error) {
	node, err := d.DirectoryNode(name)
	if err != nil {
		return false, err
	}
	return node == d.self, nil
}

// Lookup resolves the recorded master for name, consulting the TTL
// cache before the bookkeeping map. The second return value is false
// if this node (as directory node) has never recorded a master for
// name — the caller should then treat the resource as unmastered and
// elect itself (spec §4.4: "if the directory replies 'master is
// unset', the querying node is elected master").
func (d *Directory) Lookup(name []byte) (string, bool) {
	key := string(name)
	if v, ok := d.cache.Get(key); ok {
		return v.(string), true
	}

	d.mu.RLock()
	master, ok := d.mastersByName[key]
	d.mu.RUnlock()
	if ok {
		d.cache.SetDefault(key, master)
	}
	return master, ok
}

// LookupOrElect resolves the recorded master for name, electing
// candidate as master if this directory node has never recorded one
// (spec §4.4: "if the directory replies 'master is unset', the
// querying node is elected master"). The read and the election happen
// under the same lock, so two concurrent first touches of the same
// name cannot both be told they won.
func (d *Directory) LookupOrElect(name []byte, candidate string) string {
	key := string(name)
	d.mu.Lock()
	master, ok := d.mastersByName[key]
	if !ok {
		master = candidate
		d.mastersByName[key] = master
	}
	d.mu.Unlock()
	d.cache.SetDefault(key, master)

	if !ok && d.broker != nil {
		d.broker.Publish(&events.Event{
			Type:    events.EventMasterElected,
			Message: "master elected on first touch",
			Metadata: map[string]string{
				"resource": key,
				"master":   master,
			},
		})
	}
	return master
}

// RecordMaster records nodeID as the master of name. pkg/client calls
// it to cache the master named in a LOOKUP reply from the directory
// node; first-reference election and the recovery names pass go
// through LookupOrElect instead.
func (d *Directory) RecordMaster(name []byte, nodeID string) {
	key := string(name)
	d.mu.Lock()
	d.mastersByName[key] = nodeID
	d.mu.Unlock()
	d.cache.SetDefault(key, nodeID)
}

// ClearMaster drops the recorded master for name, if any.
func (d *Directory) ClearMaster(name []byte) {
	key := string(name)
	d.mu.Lock()
	delete(d.mastersByName, key)
	d.mu.Unlock()
	d.cache.Delete(key)
}

// ClearMasterByNode drops every recorded master pointing at nodeID,
// returning the resource names affected (spec §4.6 recovery action 2:
// "for resources mastered by a departed node, clear the master").
func (d *Directory) ClearMasterByNode(nodeID string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cleared [][]byte
	for name, master := range d.mastersByName {
		if master == nodeID {
			delete(d.mastersByName, name)
			d.cache.Delete(name)
			cleared = append(cleared, []byte(name))
		}
	}
	return cleared
}
