package discovery

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
)

// eventDelegate forwards memberlist membership changes to NodeDiscovery.
type eventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *eventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *eventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

// metaDelegate gossips the local node's metadata (its RPC address).
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// NodeDiscovery tracks the members of a gossip cluster and the RPC address
// each one advertises.
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	onJoin  func(nodeID, meta string)
	onLeave func(nodeID, meta string)

	members     map[string]string // nodeID -> meta
	localNodeID string
}

// Config for node discovery.
type Config struct {
	NodeID    string   // unique node name in the gossip cluster
	BindAddr  string   // gossip bind address
	BindPort  int      // gossip bind port
	JoinAddrs []string // existing members to join ("host:port")
	Meta      string   // advertised metadata, the node's RPC address

	// OnJoin is called when a node joins or updates its metadata, OnLeave
	// when it leaves or is declared dead. Both may be nil.
	OnJoin  func(nodeID, meta string)
	OnLeave func(nodeID, meta string)
}

// NewNodeDiscovery starts gossiping and joins cfg.JoinAddrs if any.
func NewNodeDiscovery(cfg Config, lg *logger.Logger) (*NodeDiscovery, error) {
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("discovery")
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	nd := &NodeDiscovery{
		logger:      lg,
		onJoin:      cfg.OnJoin,
		onLeave:     cfg.OnLeave,
		localNodeID: cfg.NodeID,
		members:     make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertiseAddr = cfg.BindAddr
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Events = &eventDelegate{discovery: nd}
	mlConfig.Delegate = &metaDelegate{meta: []byte(cfg.Meta)}
	if lg.Level() <= logger.DEBUG {
		mlConfig.LogOutput = lg.Named("memberlist").Writer()
	} else {
		mlConfig.LogOutput = io.Discard
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("failed to join cluster: %w", err)
		}
		lg.Info("Joined cluster: contacted=%d members=%d", n, ml.NumMembers())
	}

	return nd, nil
}

// GetMembers returns nodeID -> advertised metadata for every live member.
func (nd *NodeDiscovery) GetMembers() map[string]string {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make(map[string]string, len(nd.members))
	for k, v := range nd.members {
		result[k] = v
	}
	return result
}

// LocalAddr is the gossip address other nodes join through.
func (nd *NodeDiscovery) LocalAddr() string {
	n := nd.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr.String(), n.Port)
}

func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	nodeID := node.Name
	meta := string(node.Meta)

	nd.mu.Lock()
	prev, known := nd.members[nodeID]
	nd.members[nodeID] = meta
	callback := nd.onJoin
	nd.mu.Unlock()

	if known && prev == meta {
		return
	}
	nd.logger.Info("Node joined: node_id=%s meta=%s", nodeID, meta)

	if callback != nil && nodeID != nd.localNodeID {
		callback(nodeID, meta)
	}
}

func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nodeID := node.Name

	nd.mu.Lock()
	meta := nd.members[nodeID]
	delete(nd.members, nodeID)
	callback := nd.onLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: node_id=%s meta=%s", nodeID, meta)

	if callback != nil && nodeID != nd.localNodeID {
		callback(nodeID, meta)
	}
}

// NumMembers returns the number of known cluster members.
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.members)
}

// Leave gracefully leaves the cluster.
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service.
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
