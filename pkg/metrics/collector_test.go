package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fixedCounts struct {
	conns, topics, subs int
}

func (f fixedCounts) Count() int       { return f.conns }
func (f fixedCounts) TopicCount() int  { return f.topics }
func (f fixedCounts) ActiveCount() int { return f.subs }

func TestCollectorCollect(t *testing.T) {
	src := fixedCounts{conns: 7, topics: 3, subs: 2}
	c := NewCollector(time.Minute, src, src, src)

	c.Collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(ConnectionsActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(TopicsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(RefreshSubscriptions))
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(0, nil, nil, nil)
	assert.Equal(t, 15*time.Second, c.interval)
	assert.NotPanics(t, c.Collect)
}

func TestCollectorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCollector(10*time.Millisecond, fixedCounts{conns: 1}, nil, nil)
	c.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after cancel")
	}
}
