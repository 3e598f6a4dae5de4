package vector

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"go.uber.org/zap"
)

// PoolOptions 连接池配置
type PoolOptions struct {
	Address        string
	Username       string
	Password       string
	Database       string
	UseTLS         bool
	Size           int           // 最大连接数K
	AcquireTimeout time.Duration // 租借等待上限
}

// Conn 池化的Milvus连接
type Conn struct {
	client client.Client
	broken bool
}

// Client 获取底层Milvus客户端
func (c *Conn) Client() client.Client {
	return c.client
}

// MarkBroken 标记连接损坏，归还时将被丢弃重建
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Pool Milvus连接池，最多维持Size个活跃连接
// 租借等待有界，超时返回ErrPoolExhausted
type Pool struct {
	opts  PoolOptions
	conns chan *Conn
	mu    sync.Mutex
	// 已创建连接数，含正在使用的
	created int
	closed  bool
}

// NewPool 创建连接池，连接按需惰性建立
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", opts.Size)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}

	return &Pool{
		opts:  opts,
		conns: make(chan *Conn, opts.Size),
	}, nil
}

// dial 建立一条新的Milvus连接
func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       p.opts.Address,
		DBName:        p.opts.Database,
		Username:      p.opts.Username,
		Password:      p.opts.Password,
		EnableTLSAuth: p.opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &Conn{client: milvusClient}, nil
}

// Acquire 租借一条连接，等待超过AcquireTimeout返回ErrPoolExhausted
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.ErrShuttingDown
	}

	// 未达上限时优先新建，避免冷启动排队
	if p.created < p.opts.Size {
		select {
		case conn := <-p.conns:
			p.mu.Unlock()
			return conn, nil
		default:
		}

		p.created++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.conns:
		return conn, nil
	case <-timer.C:
		return nil, apperrors.ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release 归还连接；损坏的连接被丢弃，下次租借时重建
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || conn.broken {
		p.discardLocked(conn)
		return
	}

	select {
	case p.conns <- conn:
	default:
		// 池已满（不应发生），直接丢弃
		p.discardLocked(conn)
	}
}

func (p *Pool) discardLocked(conn *Conn) {
	p.created--
	if conn.client != nil {
		if err := conn.client.Close(); err != nil {
			logger.Warn("failed to close discarded milvus connection", zap.Error(err))
		}
	}
}

// Stats 返回池状态（空闲数、已创建数、容量）
func (p *Pool) Stats() (idle, created, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns), p.created, p.opts.Size
}

// Close 关闭连接池并释放所有空闲连接
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.conns:
			p.mu.Lock()
			p.discardLocked(conn)
			p.mu.Unlock()
		default:
			return nil
		}
	}
}
