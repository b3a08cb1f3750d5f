package transport

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/actionq/types"
)

func TestSelectNode(t *testing.T) {
	rs := newRedisPubSub(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	defer rs.cancel()

	_, err := rs.SelectNode("task-1")
	assert.ErrorIs(t, err, ErrNoNodes)

	now := time.Now()
	rs.touch("node-b", now)
	rs.touch("node-a", now.Add(-2*NodeTimeout))
	rs.touch("node-c", now)

	picked := map[string]bool{}
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("task-%d", i)
		node, err := rs.SelectNode(key)
		require.NoError(t, err)
		again, err := rs.SelectNode(key)
		require.NoError(t, err)
		assert.Equal(t, node, again, "same key picks the same node")
		picked[node] = true
	}
	assert.False(t, picked["node-a"], "stale node-a must be skipped")
	assert.True(t, picked["node-b"] && picked["node-c"], "keys spread over live nodes: %v", picked)
}

func TestWithNodeID(t *testing.T) {
	rs := newRedisPubSub(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), WithNodeID("node-1"))
	defer rs.cancel()
	assert.Equal(t, "node-1", rs.NodeID())
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	addr := os.Getenv("ACTIONQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACTIONQ_TEST_REDIS_ADDR not set")
	}

	rs, err := NewRedisTransport(addr, "", 15)
	require.NoError(t, err)
	defer rs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := rs.SubscribeTasks(ctx)
	require.NoError(t, err)

	require.NoError(t, rs.PublishTask(ctx, &types.Task{ID: "t-1", Action: "reindex"}))

	select {
	case task := <-ch:
		assert.Equal(t, "t-1", task.ID)
		assert.Equal(t, "reindex", task.Action)
	case <-ctx.Done():
		t.Fatal("task not received")
	}

	// 定向投递只到达目标节点的频道
	require.NoError(t, rs.PublishTaskTo(ctx, rs.NodeID(), &types.Task{ID: "t-2", Action: "reindex"}))
	select {
	case task := <-ch:
		assert.Equal(t, "t-2", task.ID)
	case <-ctx.Done():
		t.Fatal("targeted task not received")
	}

	nodes, err := rs.DiscoverNodes(ctx)
	require.NoError(t, err)
	assert.Contains(t, nodes, rs.NodeID())
}
