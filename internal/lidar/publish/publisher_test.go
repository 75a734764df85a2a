package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
)

func startPublisher(t *testing.T, cfg Config) *Publisher {
	t.Helper()
	p := New(cfg)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func recvFrame(t *testing.T, sub *Subscription) *l2frames.PointCloudFrame {
	t.Helper()
	select {
	case f := <-sub.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestPublisher_RoutesByReturnIndex(t *testing.T) {
	p := startPublisher(t, Config{StatsInterval: 0})
	first := p.SubscribeFrames(0)
	second := p.SubscribeFrames(1)
	all := p.SubscribeFrames(AllReturns)

	p.PublishFrame(&l2frames.PointCloudFrame{ReturnIndex: 0, Timestamp: 10})
	p.PublishFrame(&l2frames.PointCloudFrame{ReturnIndex: 1, Timestamp: 10})

	assert.Equal(t, 0, recvFrame(t, first).ReturnIndex)
	assert.Equal(t, 1, recvFrame(t, second).ReturnIndex)
	got := []int{recvFrame(t, all).ReturnIndex, recvFrame(t, all).ReturnIndex}
	assert.ElementsMatch(t, []int{0, 1}, got)

	select {
	case f := <-first.Frames():
		t.Fatalf("unexpected frame for return 0 subscriber: %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, uint64(2), p.Stats().Frames)
}

func TestPublisher_IMU(t *testing.T) {
	p := startPublisher(t, Config{})
	sub := p.SubscribeIMU()
	assert.Nil(t, sub.Frames())

	p.PublishIMU(pipeline.ImuSample{Timestamp: 42, FrameName: "imu_1"})
	select {
	case s := <-sub.IMU():
		assert.Equal(t, int64(42), s.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for imu sample")
	}
}

func TestPublisher_SlowSubscriberDrops(t *testing.T) {
	p := startPublisher(t, Config{ClientBuffer: 1})
	sub := p.SubscribeFrames(AllReturns)

	for i := 0; i < 5; i++ {
		p.PublishFrame(&l2frames.PointCloudFrame{Timestamp: int64(i)})
	}
	require.Eventually(t, func() bool {
		return p.Stats().Dropped >= 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), recvFrame(t, sub).Timestamp)
}

func TestPublisher_Unsubscribe(t *testing.T) {
	p := startPublisher(t, Config{})
	sub := p.SubscribeFrames(0)
	assert.Equal(t, int32(1), p.Stats().Subscribers)

	p.Unsubscribe(sub.ID)
	p.Unsubscribe(sub.ID)
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, int32(0), p.Stats().Subscribers)
}

func TestPublisher_StoppedDropsNothingAndClosesSubscribers(t *testing.T) {
	p := New(Config{})
	p.PublishFrame(&l2frames.PointCloudFrame{})
	assert.Zero(t, p.Stats().Frames)

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())
	sub := p.SubscribeIMU()
	p.Stop()
	p.Stop()
	_, open := <-sub.Done()
	assert.False(t, open)
	assert.False(t, p.Stats().Running)
}
