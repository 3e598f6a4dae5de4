package vector

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedPool 预置空闲连接，绕过真实拨号
func seedPool(t *testing.T, size, idle int) *Pool {
	t.Helper()
	p, err := NewPool(PoolOptions{
		Address:        "localhost:19530",
		Size:           size,
		AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	p.mu.Lock()
	p.created = size
	p.mu.Unlock()
	for i := 0; i < idle; i++ {
		p.conns <- &Conn{}
	}
	return p
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(PoolOptions{Size: 0})
	assert.Error(t, err)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p := seedPool(t, 2, 2)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)

	idle, created, capacity := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, capacity)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := seedPool(t, 1, 1)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// 唯一连接被占用，租借等待超时
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	p.Release(conn)
	conn, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	p, err := NewPool(PoolOptions{
		Address:        "localhost:19530",
		Size:           1,
		AcquireTimeout: time.Minute,
	})
	require.NoError(t, err)
	p.mu.Lock()
	p.created = 1
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseDiscardsBrokenConnection(t *testing.T) {
	p := seedPool(t, 2, 0)

	conn := &Conn{}
	conn.MarkBroken()
	p.Release(conn)

	idle, created, _ := p.Stats()
	assert.Equal(t, 0, idle)
	// 损坏连接被丢弃，配额释放供下次重建
	assert.Equal(t, 1, created)
}

func TestPoolClose(t *testing.T) {
	p := seedPool(t, 2, 2)
	require.NoError(t, p.Close())

	idle, created, _ := p.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, created)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrShuttingDown)

	// 重复关闭安全
	require.NoError(t, p.Close())
}
