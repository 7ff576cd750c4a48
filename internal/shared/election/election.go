// Package election 基于 etcd 的主备选举
//
// 多个 Master 实例竞选同一个 key，只有 Leader 恢复状态并对外服务；
// 会话（租约）丢失时 Done 关闭，调用方应退出进程，由备机接管。
package election

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Config 选举配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	TTL         int // 会话租约，秒
}

// Elector 选举参与者
type Elector struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	identity string
}

// New 连接 etcd 并创建会话
func New(cfg Config) (*Elector, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are empty")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/angel-master"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.TTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	return &Elector{
		client:   client,
		session:  session,
		election: concurrency.NewElection(session, cfg.Prefix+"/leader"),
		identity: identity(),
	}, nil
}

func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Identity 本实例在选举中使用的值
func (e *Elector) Identity() string {
	return e.identity
}

// Campaign 阻塞直到成为 Leader 或 ctx 取消
func (e *Elector) Campaign(ctx context.Context) error {
	log.Printf("[election.campaign] identity=%s", e.identity)
	if err := e.election.Campaign(ctx, e.identity); err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}
	log.Printf("[election.leader] identity=%s", e.identity)
	return nil
}

// Leader 当前 Leader 的值
func (e *Elector) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", concurrency.ErrElectionNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}

// Done 会话失效时关闭
func (e *Elector) Done() <-chan struct{} {
	return e.session.Done()
}

// Close 放弃 Leader 身份并关闭连接
func (e *Elector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.election.Resign(ctx); err != nil {
		log.Printf("[election.resign.failed] error=%v", err)
	}
	e.session.Close()
	return e.client.Close()
}
