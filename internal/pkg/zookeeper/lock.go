package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"stockflow/internal/pkg/logger"
)

const (
	DefaultLockRoot = "/stockflow/locks"
	lockPrefix      = "lock-"
	seqLen          = 10 // zk 顺序节点后缀固定 10 位
)

// Conn 是 *zk.Conn 中锁用到的方法子集
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Connect 建立 zk 会话
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper %v: %w", servers, err)
	}
	return conn, nil
}

// Locker 基于临时顺序节点实现的分布式锁, 每个 key 一个父节点
type Locker struct {
	conn        Conn
	root        string
	waitTimeout time.Duration
}

// NewLocker 创建分布式锁, waitTimeout <= 0 时只受 ctx 约束
func NewLocker(conn Conn, root string, waitTimeout time.Duration) (*Locker, error) {
	if root == "" {
		root = DefaultLockRoot
	}
	l := &Locker{conn: conn, root: strings.TrimRight(root, "/"), waitTimeout: waitTimeout}
	if err := l.ensurePath(l.root); err != nil {
		return nil, err
	}
	return l, nil
}

// ensurePath 逐级创建持久节点
func (l *Locker) ensurePath(path string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		cur += "/" + part
		ok, _, err := l.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("failed to check lock node %s: %w", cur, err)
		}
		if ok {
			continue
		}
		if _, err := l.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create lock node %s: %w", cur, err)
		}
	}
	return nil
}

// Lock 阻塞直到拿到 key 对应的锁, 返回的函数用于释放
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if l.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.waitTimeout)
		defer cancel()
	}

	lockPath := l.root + "/" + strings.ReplaceAll(key, "/", "_")
	if err := l.ensurePath(lockPath); err != nil {
		return nil, err
	}

	node, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/"+lockPrefix, nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	unlock := func() {
		if err := l.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			logger.Ctx(ctx).Error().Err(err).Str("node", node).Msg("failed to delete lock node")
		}
		// 父节点仍有等待者时删除会失败, 忽略即可
		_ = l.conn.Delete(lockPath, -1)
	}

	if err := l.wait(ctx, lockPath, node); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func (l *Locker) wait(ctx context.Context, lockPath, node string) error {
	myName := strings.TrimPrefix(node, lockPath+"/")
	for {
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sortBySequence(children)

		idx := -1
		for i, child := range children {
			if child == myName {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			return errors.New("lock node disappeared, session may have expired")
		case idx == 0:
			return nil
		}

		// 只监听前一个节点, 避免惊群
		exists, _, events, err := l.conn.ExistsW(lockPath + "/" + children[idx-1])
		if err != nil {
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %s: %w", lockPath, ctx.Err())
		}
	}
}

// sortBySequence 受保护节点带有 GUID 前缀, 只能按序号后缀排序
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(name string) string {
	if len(name) < seqLen {
		return name
	}
	return name[len(name)-seqLen:]
}
