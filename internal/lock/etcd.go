package lock

// ============================================================================
// etcd 實作：
// 1. TryAcquire = Grant(ttl) + Txn(If CreateRevision(key)==0 Then Put WithLease)
// 2. 搶輸時撤銷剛剛發出的 lease，不留下孤兒 lease
// 3. 同一持有者重複取得時對既有 lease 做一次 KeepAlive
// 4. Release 只刪除 value 等於自己的鍵，再撤銷 lease
// ============================================================================

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdConfig etcd 連線配置
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// EtcdService 以 etcd lease 實作的 Service
type EtcdService struct {
	client *clientv3.Client
	owner  string
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
	ownsCl bool
}

// DialEtcd 建立 etcd client 並包成 EtcdService
func DialEtcd(cfg EtcdConfig, owner string, log *zap.Logger) (*EtcdService, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s := NewEtcdService(cli, owner, cfg.Prefix, log)
	s.ownsCl = true
	return s, nil
}

// NewEtcdService 使用既有 client
func NewEtcdService(cli *clientv3.Client, owner, prefix string, log *zap.Logger) *EtcdService {
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdService{
		client: cli,
		owner:  owner,
		prefix: prefix,
		log:    log.Named("lock"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

func (s *EtcdService) fullKey(key string) string {
	return s.prefix + key
}

// ttlSeconds etcd lease 以秒為單位，至少 1 秒
func ttlSeconds(ttl time.Duration) int64 {
	sec := int64(math.Ceil(ttl.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// TryAcquire 實作 Service
func (s *EtcdService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	k := s.fullKey(key)

	grant, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, s.owner, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, fmt.Errorf("failed to acquire %s: %w", key, err)
	}

	if resp.Succeeded {
		s.mu.Lock()
		s.leases[key] = grant.ID
		s.mu.Unlock()
		return true, nil
	}

	// 搶輸或已由自己持有
	s.revoke(grant.ID)

	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return false, nil
	}
	kv := rng.Kvs[0]
	if string(kv.Value) != s.owner {
		return false, nil
	}
	held := clientv3.LeaseID(kv.Lease)
	if _, err := s.client.KeepAliveOnce(ctx, held); err != nil {
		return false, fmt.Errorf("failed to refresh %s: %w", key, err)
	}
	s.mu.Lock()
	s.leases[key] = held
	s.mu.Unlock()
	return true, nil
}

// Release 實作 Service
func (s *EtcdService) Release(ctx context.Context, key string) error {
	k := s.fullKey(key)

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", s.owner)).
		Then(clientv3.OpDelete(k)).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	if !resp.Succeeded {
		if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
			return fmt.Errorf("%w: %s held by %s", ErrNotHeld, key, rng.Kvs[0].Value)
		}
	}

	s.mu.Lock()
	id, ok := s.leases[key]
	delete(s.leases, key)
	s.mu.Unlock()
	if ok {
		s.revoke(id)
	}
	return nil
}

func (s *EtcdService) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.log.Warn("failed to revoke lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Close 關閉自行建立的 client
func (s *EtcdService) Close() error {
	if s.ownsCl {
		return s.client.Close()
	}
	return nil
}

var _ Service = (*EtcdService)(nil)
