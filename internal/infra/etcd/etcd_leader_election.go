package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"verifier-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LeaderElectionKey = "/verify/dispatcher/leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager electing the single active
// dispatcher among replicas.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	ttl := int(m.ttl.Seconds())
	if ttl < 1 {
		ttl = 1
	}
	// The lease expires if this node dies, handing leadership to the next candidate.
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	election := concurrency.NewElection(session, LeaderElectionKey)

	// Campaign blocks until this node becomes the leader or the context is canceled.
	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, err
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()
	m.logger.Info("successfully campaigned and became the leader", "node_id", m.nodeID)

	// The returned channel is closed if the session expires, meaning leadership is lost.
	return session.Done(), nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	election, session := m.election, m.session
	m.isLeader = false
	m.election, m.session = nil, nil
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	_ = session.Close()
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}
