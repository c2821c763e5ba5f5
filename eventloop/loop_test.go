package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/nanoapp"
	"github.com/c360/contexthub/sensor"
)

// loopHost adapts a Loop to the nanoapp.Host interface for tests that don't
// need timers or request managers.
type loopHost struct {
	loop     *Loop
	postErrs []error
}

func (h *loopHost) PostEvent(eventType uint16, data any, freeCallback event.FreeCallback,
	sender, target uint32) error {
	err := h.loop.PostEvent(eventType, data, freeCallback, sender, target)
	h.postErrs = append(h.postErrs, err)
	return err
}

func (h *loopHost) SendMessageToHost(uint64, uint16, uint32, []byte) error { return nil }
func (h *loopHost) SetTimer(uint32, time.Duration, bool, any) (uint32, error) {
	return 0, nil
}
func (h *loopHost) CancelTimer(uint32, uint32) error                      { return nil }
func (h *loopHost) ConfigureSensor(uint32, sensor.Type, sensor.Request) error { return nil }
func (h *loopHost) ConfigureScanMonitor(uint32, bool, any) error          { return nil }

type received struct {
	sender    uint32
	eventType uint16
	data      any
}

// testApp records every entry point invocation.
type testApp struct {
	info       nanoapp.Info
	startOK    bool
	subscribe  []uint16
	onEvent    func(env *nanoapp.Env, e received)
	events     []received
	startCalls int
	endCalls   int
}

func (a *testApp) Info() nanoapp.Info { return a.info }

func (a *testApp) Start(env *nanoapp.Env) bool {
	a.startCalls++
	for _, t := range a.subscribe {
		env.Subscribe(t)
	}
	return a.startOK
}

func (a *testApp) HandleEvent(env *nanoapp.Env, sender uint32, eventType uint16, data any) {
	e := received{sender: sender, eventType: eventType, data: data}
	a.events = append(a.events, e)
	if a.onEvent != nil {
		a.onEvent(env, e)
	}
}

func (a *testApp) End(*nanoapp.Env) { a.endCalls++ }

func newTestLoop() (*Loop, *loopHost) {
	l := New()
	host := &loopHost{loop: l}
	l.SetHost(host)
	return l, host
}

// drain pumps distribution and delivery until no work remains. Tests drive
// the loop synchronously instead of running it on a goroutine.
func drain(l *Loop) {
	for {
		l.flushInboundQueue()
		if !l.deliverEvents() && len(l.inbound) == 0 {
			return
		}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	l, _ := newTestLoop()

	appA := &testApp{info: nanoapp.Info{AppID: 0xA}, startOK: true, subscribe: []uint16{0x100}}
	appB := &testApp{info: nanoapp.Info{AppID: 0xB}, startOK: true, subscribe: []uint16{0x100}}
	appC := &testApp{info: nanoapp.Info{AppID: 0xC}, startOK: true}

	idA, err := l.StartNanoapp(appA)
	require.NoError(t, err)
	_, err = l.StartNanoapp(appB)
	require.NoError(t, err)
	_, err = l.StartNanoapp(appC)
	require.NoError(t, err)

	payload := []byte{1, 2, 3}
	freeCount := 0
	require.NoError(t, l.PostEvent(0x100, payload, func(eventType uint16, data any) {
		freeCount++
		assert.Equal(t, uint16(0x100), eventType)
		assert.Equal(t, payload, data)
	}, idA, event.BroadcastInstanceID))

	drain(l)

	require.Len(t, appA.events, 1)
	require.Len(t, appB.events, 1)
	assert.Empty(t, appC.events)
	assert.Equal(t, payload, appA.events[0].data)
	assert.Equal(t, idA, appA.events[0].sender)
	assert.Equal(t, 1, freeCount)
	assert.Equal(t, 0, l.pool.InUse())
}

func TestTargetedDeliveryBypassesSubscription(t *testing.T) {
	l, _ := newTestLoop()

	appA := &testApp{info: nanoapp.Info{AppID: 0xA}, startOK: true}
	appB := &testApp{info: nanoapp.Info{AppID: 0xB}, startOK: true}
	_, err := l.StartNanoapp(appA)
	require.NoError(t, err)
	idB, err := l.StartNanoapp(appB)
	require.NoError(t, err)

	freeCount := 0
	require.NoError(t, l.PostEvent(0x200, "hello", func(uint16, any) { freeCount++ },
		event.SystemInstanceID, idB))

	drain(l)

	assert.Empty(t, appA.events)
	require.Len(t, appB.events, 1)
	assert.Equal(t, uint16(0x200), appB.events[0].eventType)
	assert.Equal(t, 1, freeCount)
}

func TestUnsubscribedBroadcastIsDroppedWithFreeCallback(t *testing.T) {
	l, _ := newTestLoop()

	app := &testApp{info: nanoapp.Info{AppID: 0xA}, startOK: true}
	idA, err := l.StartNanoapp(app)
	require.NoError(t, err)

	freeCount := 0
	require.NoError(t, l.PostEvent(0x150, nil, func(uint16, any) { freeCount++ },
		idA, event.BroadcastInstanceID))

	drain(l)

	assert.Empty(t, app.events)
	assert.Equal(t, 1, freeCount)
	assert.Equal(t, 0, l.pool.InUse())
}

func TestStartNanoappRejectsDuplicateAppID(t *testing.T) {
	l, _ := newTestLoop()

	first := &testApp{info: nanoapp.Info{AppID: 0xAB}, startOK: true}
	_, err := l.StartNanoapp(first)
	require.NoError(t, err)

	dup := &testApp{info: nanoapp.Info{AppID: 0xAB}, startOK: true}
	_, err = l.StartNanoapp(dup)
	assert.ErrorIs(t, err, errors.ErrDuplicateAppID)
	assert.Equal(t, 0, dup.startCalls)
	assert.Equal(t, 1, l.NanoappCount())
}

func TestStartFailureDestroysRecordWithoutEnd(t *testing.T) {
	l, _ := newTestLoop()

	app := &testApp{info: nanoapp.Info{AppID: 0xAB}, startOK: false}
	_, err := l.StartNanoapp(app)
	require.Error(t, err)

	assert.Equal(t, 1, app.startCalls)
	assert.Equal(t, 0, app.endCalls)
	assert.Equal(t, 0, l.NanoappCount())

	// The app id is free for a fresh load.
	retry := &testApp{info: nanoapp.Info{AppID: 0xAB}, startOK: true}
	_, err = l.StartNanoapp(retry)
	assert.NoError(t, err)
}

func TestInstanceIDsAreNeverRecycled(t *testing.T) {
	l, _ := newTestLoop()

	app1 := &testApp{info: nanoapp.Info{AppID: 1}, startOK: true}
	id1, err := l.StartNanoapp(app1)
	require.NoError(t, err)

	require.NoError(t, l.UnloadNanoapp(id1, false))

	app2 := &testApp{info: nanoapp.Info{AppID: 2}, startOK: true}
	id2, err := l.StartNanoapp(app2)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestUnloadDeliversPendingEventsBeforeEnd(t *testing.T) {
	l, _ := newTestLoop()

	var sequence []string
	app := &testApp{info: nanoapp.Info{AppID: 0xF0}, startOK: true}
	app.onEvent = func(*nanoapp.Env, received) {
		assert.Zero(t, app.endCalls, "event delivered after End")
		sequence = append(sequence, "event")
	}
	id, err := l.StartNanoapp(app)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.PostEvent(0x300, i, nil, event.SystemInstanceID, id))
	}

	require.NoError(t, l.UnloadNanoapp(id, false))
	sequence = append(sequence, "after-unload")

	// All three deliveries happen inside the unload, before End.
	assert.Equal(t, []string{"event", "event", "event", "after-unload"}, sequence)
	assert.Equal(t, 1, app.endCalls)
	_, found := l.FindInstanceIDByAppID(0xF0)
	assert.False(t, found)
}

func TestStoppingNanoappCannotPost(t *testing.T) {
	l, _ := newTestLoop()

	var postErr error
	app := &testApp{info: nanoapp.Info{AppID: 0xF0}, startOK: true}
	app.onEvent = func(env *nanoapp.Env, _ received) {
		postErr = env.PostEvent(0x400, nil, nil, event.BroadcastInstanceID)
	}
	id, err := l.StartNanoapp(app)
	require.NoError(t, err)

	require.NoError(t, l.PostEvent(0x300, nil, nil, event.SystemInstanceID, id))
	require.NoError(t, l.UnloadNanoapp(id, false))

	assert.ErrorIs(t, postErr, errors.ErrStopping)
}

func TestUnloadRefusesSystemNanoappWithoutOverride(t *testing.T) {
	l, _ := newTestLoop()

	app := &testApp{info: nanoapp.Info{AppID: 0x5, IsSystem: true}, startOK: true}
	id, err := l.StartNanoapp(app)
	require.NoError(t, err)

	require.Error(t, l.UnloadNanoapp(id, false))
	assert.Equal(t, 0, app.endCalls)

	require.NoError(t, l.UnloadNanoapp(id, true))
	assert.Equal(t, 1, app.endCalls)
}

func TestUnloadHooksRunBeforeEnd(t *testing.T) {
	l, _ := newTestLoop()

	var order []string
	app := &testApp{info: nanoapp.Info{AppID: 0x9}, startOK: true}
	l.AddUnloadHook(func(instanceID uint32, appID uint64) {
		assert.Zero(t, app.endCalls, "hook ran after End")
		order = append(order, "hook")
	})

	id, err := l.StartNanoapp(app)
	require.NoError(t, err)

	require.NoError(t, l.UnloadNanoapp(id, false))
	order = append(order, "done")
	assert.Equal(t, []string{"hook", "done"}, order)
	assert.Equal(t, 1, app.endCalls)
}

func TestDeferRunsOnLoop(t *testing.T) {
	l, _ := newTestLoop()

	ran := false
	require.NoError(t, l.Defer(func() { ran = true }))
	drain(l)
	assert.True(t, ran)
	assert.Equal(t, 0, l.pool.InUse())
}

func TestPostEventFailsWhenPoolExhausted(t *testing.T) {
	l := New(WithEventPool(event.NewPool(1)), WithInboundCapacity(4))
	l.SetHost(&loopHost{loop: l})

	require.NoError(t, l.PostEvent(0x1, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID))
	err := l.PostEvent(0x2, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID)
	assert.ErrorIs(t, err, errors.ErrPoolExhausted)
}

func TestPostEventFailsWhenInboundFull(t *testing.T) {
	l := New(WithEventPool(event.NewPool(8)), WithInboundCapacity(2))
	l.SetHost(&loopHost{loop: l})

	require.NoError(t, l.PostEvent(0x1, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID))
	require.NoError(t, l.PostEvent(0x2, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID))

	err := l.PostEvent(0x3, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	// The failed post released its pool slot.
	assert.Equal(t, 2, l.pool.InUse())
}

func TestPostEventFailsAfterStop(t *testing.T) {
	l, _ := newTestLoop()
	l.Stop()
	err := l.PostEvent(0x1, nil, nil, event.SystemInstanceID, event.BroadcastInstanceID)
	assert.ErrorIs(t, err, errors.ErrLoopStopped)
}

func TestRunStopDrainsAndUnloadsEverything(t *testing.T) {
	l, _ := newTestLoop()

	appA := &testApp{info: nanoapp.Info{AppID: 0xA}, startOK: true, subscribe: []uint16{0x100}}
	appB := &testApp{info: nanoapp.Info{AppID: 0xB}, startOK: true, subscribe: []uint16{0x100}}

	started := make(chan struct{})
	require.NoError(t, l.Defer(func() {
		_, err := l.StartNanoapp(appA)
		require.NoError(t, err)
		_, err = l.StartNanoapp(appB)
		require.NoError(t, err)
		close(started)
	}))

	go l.Run()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("nanoapps never started")
	}

	freeCount := make(chan struct{}, 16)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.PostEvent(0x100, i, func(uint16, any) {
			freeCount <- struct{}{}
		}, event.SystemInstanceID, event.BroadcastInstanceID))
	}

	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop never drained")
	}

	// Every posted event was either delivered to both subscribers or freed
	// during the shutdown drain; each free callback fired exactly once.
	assert.Len(t, freeCount, 5)
	assert.Len(t, appA.events, 5)
	assert.Len(t, appB.events, 5)
	assert.Equal(t, 1, appA.endCalls)
	assert.Equal(t, 1, appB.endCalls)
	assert.Equal(t, 0, l.NanoappCount())
	assert.Equal(t, 0, l.pool.InUse())
}

func TestOrderingFromSingleSender(t *testing.T) {
	l, _ := newTestLoop()

	app := &testApp{info: nanoapp.Info{AppID: 0xA}, startOK: true}
	id, err := l.StartNanoapp(app)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, l.PostEvent(0x300, i, nil, event.SystemInstanceID, id))
	}
	drain(l)

	require.Len(t, app.events, 8)
	for i, e := range app.events {
		assert.Equal(t, i, e.data)
	}
}

func TestForEachNanoappAndInfos(t *testing.T) {
	l, _ := newTestLoop()

	_, err := l.StartNanoapp(&testApp{info: nanoapp.Info{AppID: 1, Version: 2}, startOK: true})
	require.NoError(t, err)
	_, err = l.StartNanoapp(&testApp{info: nanoapp.Info{AppID: 2, Version: 3, IsSystem: true}, startOK: true})
	require.NoError(t, err)

	count := 0
	l.ForEachNanoapp(func(*nanoapp.Record) { count++ })
	assert.Equal(t, 2, count)

	infos := l.NanoappInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(1), infos[0].AppID)
	assert.True(t, infos[1].IsSystem)
}
