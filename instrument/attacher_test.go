package instrument

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine 在单独的 goroutine 上执行 Execute，记录执行次数
type fakeEngine struct {
	dev      *fakeDevice
	devErr   error
	executed int
	logs     LogHandler
}

func (e *fakeEngine) SetLogHandler(h LogHandler) { e.logs = h }

func (e *fakeEngine) Execute(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
	e.executed++
}

func (e *fakeEngine) LocalDevice() (Device, error) {
	if e.devErr != nil {
		return nil, e.devErr
	}
	return e.dev, nil
}

type fakeSession struct {
	gating    bool
	gatingErr error
}

func (s *fakeSession) EnableChildGating() error {
	s.gating = true
	return s.gatingErr
}

type fakeDevice struct {
	mu        sync.Mutex
	attached  map[int]int
	resumed   map[int]int
	session   *fakeSession
	attachErr map[int]error
	onChild   func(pid int)
	order     []string
	// gate 非空时 Attach 阻塞到它被关闭
	gate chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		attached:  map[int]int{},
		resumed:   map[int]int{},
		session:   &fakeSession{},
		attachErr: map[int]error{},
	}
}

func (d *fakeDevice) ID() string   { return "local" }
func (d *fakeDevice) Name() string { return "Local System" }

func (d *fakeDevice) Attach(pid int) (Session, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[pid]++
	d.order = append(d.order, "attach")
	if err := d.attachErr[pid]; err != nil {
		return nil, err
	}
	return d.session, nil
}

func (d *fakeDevice) Resume(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed[pid]++
	return nil
}

func (d *fakeDevice) OnChildAdded(fn func(pid int)) {
	d.order = append(d.order, "on-child-added")
	d.onChild = fn
}

func newAttacher() (*Attacher, *fakeEngine, *fakeDevice) {
	dev := newFakeDevice()
	eng := &fakeEngine{dev: dev}
	return NewAttacher(eng, zap.NewNop()), eng, dev
}

func TestAttach(t *testing.T) {
	a, eng, dev := newAttacher()
	var released []int

	err := a.Attach(60, func() error {
		released = append(released, 60)
		dev.order = append(dev.order, "release")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"on-child-added", "attach", "release"}, dev.order)
	assert.Equal(t, 1, dev.attached[60])
	assert.Zero(t, dev.resumed[60])
	assert.True(t, dev.session.gating)
	assert.Equal(t, []int{60}, released)
	assert.Equal(t, 1, eng.executed)
}

func TestAttachFailures(t *testing.T) {
	t.Run("device", func(t *testing.T) {
		a, eng, _ := newAttacher()
		eng.devErr = errors.New("no device")
		assert.ErrorContains(t, a.Attach(60, func() error { return nil }), "local device")
		assert.Zero(t, eng.executed)
	})
	t.Run("attach", func(t *testing.T) {
		a, eng, dev := newAttacher()
		dev.attachErr[60] = errors.New("denied")
		assert.ErrorContains(t, a.Attach(60, func() error { return nil }), "failed to attach to 60")
		assert.Zero(t, eng.executed)
	})
	t.Run("gating", func(t *testing.T) {
		a, eng, dev := newAttacher()
		dev.session.gatingErr = errors.New("unsupported")
		assert.ErrorContains(t, a.Attach(60, func() error { return nil }), "child gating")
		assert.Zero(t, eng.executed)
	})
	t.Run("release", func(t *testing.T) {
		a, _, _ := newAttacher()
		assert.EqualError(t, a.Attach(60, func() error { return errors.New("ptrace(DETACH, 60, 0): no such process") }),
			"ptrace(DETACH, 60, 0): no such process")
	})
}

// TestChildAddedOnce 同一个 pid 的并发回调只 attach 和 resume 一次
func TestChildAddedOnce(t *testing.T) {
	a, _, dev := newAttacher()
	require.NoError(t, a.Attach(60, func() error { return nil }))
	require.NotNil(t, dev.onChild)

	pids := []int{100, 101, 102, 103, 104}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, pid := range pids {
			wg.Add(1)
			go func(pid int) {
				defer wg.Done()
				dev.onChild(pid)
			}(pid)
		}
	}
	wg.Wait()

	for _, pid := range pids {
		assert.Equal(t, 1, dev.attached[pid], "attach %d", pid)
		assert.Equal(t, 1, dev.resumed[pid], "resume %d", pid)
	}
	assert.Equal(t, len(pids), a.Captured())
}

func TestChildError(t *testing.T) {
	a, _, dev := newAttacher()
	dev.attachErr[200] = errors.New("process not found")
	var failed []int
	a.OnChildError = func(pid int, err error) {
		failed = append(failed, pid)
	}
	require.NoError(t, a.Attach(60, func() error { return nil }))

	dev.onChild(200)
	dev.onChild(200)
	assert.Equal(t, []int{200}, failed)
	assert.Zero(t, dev.resumed[200])
}

// TestChildErrorConcurrent 并发回调共享一次失败的 attach，错误只报告一次
func TestChildErrorConcurrent(t *testing.T) {
	a, _, dev := newAttacher()
	require.NoError(t, a.Attach(60, func() error { return nil }))
	dev.attachErr[300] = errors.New("process not found")
	dev.gate = make(chan struct{})

	var (
		mu     sync.Mutex
		failed []int
	)
	a.OnChildError = func(pid int, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, pid)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev.onChild(300)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(dev.gate)
	wg.Wait()

	assert.Equal(t, []int{300}, failed)
	assert.Equal(t, 1, dev.attached[300])
	assert.Zero(t, dev.resumed[300])
}

func TestNewAttacherNilLogger(t *testing.T) {
	a := NewAttacher(&fakeEngine{dev: newFakeDevice()}, nil)
	require.NotNil(t, a.log)
	a.OnChildError(1, errors.New("boom"))
}

func TestForwardLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := ForwardLogs(zap.New(core))
	h("frida", 3, "agent loaded")

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "engine", e.LoggerName)
	assert.Equal(t, "[frida] domain=frida level=3 msg=agent loaded", e.Message)
}

func TestHeartbeat(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	Heartbeat(ctx, zap.New(core), 5*time.Millisecond)
	assert.GreaterOrEqual(t, logs.FilterMessage("Injection active").Len(), 2)
}
