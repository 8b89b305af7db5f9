package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bouncerbot/bouncer/automod/event"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	byGuild map[string][]string
	fail    bool
}

func newRecorder() *recorder {
	return &recorder{byGuild: make(map[string][]string)}
}

func (r *recorder) handle(ctx context.Context, evt *event.Event) error {
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGuild[evt.GuildID] = append(r.byGuild[evt.GuildID], evt.Channel.ChannelID)
	if r.fail {
		return errors.New("handler failed")
	}
	return nil
}

func (r *recorder) seen(guild string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byGuild[guild]...)
}

func channelEvent(guild string, n int) *event.Event {
	return &event.Event{
		Kind:    event.KindChannelCreate,
		GuildID: guild,
		Channel: &event.ChannelChange{ChannelID: fmt.Sprintf("c%d", n)},
	}
}

func TestSchedulerOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := newRecorder()
	sched := NewScheduler(4, "test-ordering", nil, rec.handle)

	var want []string
	for i := range 50 {
		for _, g := range []string{"g1", "g2", "g3"} {
			assert.NoError(sched.AddWork(ctx, channelEvent(g, i)))
		}
		want = append(want, fmt.Sprintf("c%d", i))
	}
	sched.Wait()

	for _, g := range []string{"g1", "g2", "g3"} {
		assert.Equal(want, rec.seen(g), g)
	}
	sched.Shutdown()

	assert.ErrorIs(sched.AddWork(ctx, channelEvent("g1", 99)), ErrShutdown)
	// idempotent
	sched.Shutdown()
}

func TestSchedulerShutdownDrains(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rec := newRecorder()
	rec.fail = true
	sched := NewScheduler(2, "test-drain", nil, rec.handle)
	for i := range 20 {
		assert.NoError(sched.AddWork(ctx, channelEvent("g1", i)))
	}
	sched.Shutdown()
	// handler errors are logged, not fatal
	assert.Len(rec.seen("g1"), 20)
}

func TestSchedulerCancelledAddKeepsQueue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	release := make(chan struct{})
	rec := newRecorder()
	sched := NewScheduler(1, "test-cancel", nil, func(ctx context.Context, evt *event.Event) error {
		if evt.GuildID == "busy" {
			<-release
		}
		return rec.handle(ctx, evt)
	})
	defer sched.Shutdown()

	// occupy the only worker
	require.NoError(sched.AddWork(context.Background(), channelEvent("busy", 0)))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- sched.AddWork(ctx, channelEvent("g1", 0))
	}()
	require.Eventually(func() bool {
		sched.lk.Lock()
		defer sched.lk.Unlock()
		_, ok := sched.active["g1"]
		return ok
	}, time.Second, time.Millisecond)

	// accepted behind the blocked first task
	assert.NoError(sched.AddWork(context.Background(), channelEvent("g1", 1)))
	assert.NoError(sched.AddWork(context.Background(), channelEvent("g1", 2)))

	cancel()
	assert.ErrorIs(<-firstErr, context.Canceled)

	close(release)
	sched.Wait()
	assert.Equal([]string{"c1", "c2"}, rec.seen("g1"))
	assert.Equal([]string{"c0"}, rec.seen("busy"))
}

func TestDecode(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	evt, err := Decode([]byte(`{"kind":"banRecorded","guildId":"g1","actorId":"A","ban":{"bannedUserId":"u1"}}`))
	require.NoError(err)
	assert.Equal(event.KindBanRecorded, evt.Kind)
	assert.Equal("A", evt.ActorID)
	assert.Equal("u1", evt.Ban.BannedUserID)

	evt, err = Decode([]byte(`{"t":"CHANNEL_CREATE","d":{"id":"c1","guild_id":"g1","name":"general"}}`))
	require.NoError(err)
	assert.Equal(event.KindChannelCreate, evt.Kind)
	assert.Equal("c1", evt.Channel.ChannelID)

	_, err = Decode([]byte(`{"t":"TYPING_START","d":{}}`))
	assert.ErrorIs(err, event.ErrUnsupportedDispatch)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(err, event.ErrMalformedEvent)
}

func TestReplay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rec := newRecorder()
	sched := NewScheduler(2, "test-replay", nil, rec.handle)
	defer sched.Shutdown()

	input := strings.Join([]string{
		`# header comment`,
		`{"kind":"channelCreate","guildId":"g1","channel":{"channelId":"c1"}}`,
		``,
		`{"kind":"channelCreate","guildId":"g1"}`,
		`{"t":"CHANNEL_DELETE","d":{"id":"c2","guild_id":"g1"}}`,
		`garbage`,
	}, "\n")
	stats, err := Replay(ctx, strings.NewReader(input), sched, nil)
	require.NoError(err)
	sched.Wait()

	assert.Equal(6, stats.Lines)
	assert.Equal(2, stats.Queued)
	assert.Equal(2, stats.Invalid)
	assert.Equal([]string{"c1", "c2"}, rec.seen("g1"))

	_, err = ReplayFile(ctx, "/nonexistent/replay.jsonl", sched, nil)
	assert.Error(err)
}

type mockSubscriber struct {
	msgChan chan *message.Message
	mu      sync.Mutex
	closed  bool
}

func (m *mockSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return m.msgChan, nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.msgChan)
	}
	return nil
}

func TestStreamConsumer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rec := newRecorder()
	sched := NewScheduler(2, "test-stream", nil, rec.handle)
	defer sched.Shutdown()

	sub := &mockSubscriber{msgChan: make(chan *message.Message, 10)}
	sc := NewStreamConsumer(sub, "", sched, nil)
	assert.Equal(DefaultStreamTopic, sc.Topic)
	require.NoError(sc.Start(ctx))

	good := message.NewMessage(watermill.NewUUID(), []byte(`{"kind":"channelCreate","guildId":"g1","channel":{"channelId":"c7"}}`))
	bad := message.NewMessage(watermill.NewUUID(), []byte(`{"kind":"channelCreate"}`))
	sub.msgChan <- good
	sub.msgChan <- bad

	for _, msg := range []*message.Message{good, bad} {
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			t.Fatal("message should be acked")
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for ack")
		}
	}
	sched.Wait()
	assert.Equal([]string{"c7"}, rec.seen("g1"))

	require.NoError(sc.Shutdown())
	require.NoError(sub.Close())
}
