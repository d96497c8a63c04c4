package anim

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"periph.io/x/devices/v3/spd2010/gfx"
)

const lottie = `{"v":"5.7.4","fr":30,"ip":0,"op":90,"w":64,"h":64,"layers":[]}`

var fastTiming = Timing{
	EnqueueTimeout: 5 * time.Millisecond,
	LockTimeout:    50 * time.Millisecond,
	BusyPoll:       time.Millisecond,
	BusyTries:      5,
	IdlePoll:       time.Millisecond,
	IdleThreshold:  2 * time.Millisecond,
	IdleTimeout:    20 * time.Millisecond,
}

type idler struct {
	d     atomic.Int64
	polls atomic.Int32
}

func (i *idler) InactiveTime() time.Duration {
	i.polls.Add(1)
	return time.Duration(i.d.Load())
}

func pngData(w, h int) []byte {
	var b bytes.Buffer
	if err := png.Encode(&b, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		panic(err)
	}
	return b.Bytes()
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"img/face.png":             {Data: pngData(10, 20)},
		"lottie/loading.json":      {Data: []byte(lottie)},
		"lottie/emoji_kaixin.json": {Data: []byte(lottie)},
		"lottie/speak.json":        {Data: []byte(lottie)},
		"lottie/broken.json":       {Data: []byte(`{"w":`)},
	}
}

func newTestManager(t *testing.T, budget int) (*Manager, *gfx.Display, *idler) {
	var d *gfx.Display
	d, err := gfx.New(&gfx.Opts{W: 412, H: 412, Flush: func(gfx.Area, []byte) { d.FlushReady() }})
	require.NoError(t, err)
	idle := &idler{}
	idle.d.Store(int64(time.Second))
	ft := fastTiming
	m, err := New(d, idle, &Opts{FS: testFS(), Alloc: NewAllocator(budget), Timing: &ft})
	require.NoError(t, err)
	return m, d, idle
}

func objects(d *gfx.Display) []*gfx.Object {
	d.Lock()
	defer d.Unlock()
	return d.Objects()
}

func TestNew(t *testing.T) {
	d, err := gfx.New(&gfx.Opts{W: 4, H: 4, Flush: func(gfx.Area, []byte) {}})
	require.NoError(t, err)
	_, err = New(nil, nil, &Opts{FS: testFS()})
	require.Error(t, err)
	_, err = New(d, nil, nil)
	require.Error(t, err)
	_, err = New(d, nil, &Opts{FS: testFS(), QueueDepth: -1})
	require.Error(t, err)
	m, err := New(d, nil, &Opts{FS: testFS()})
	require.NoError(t, err)
	require.Equal(t, DefaultTiming, m.t)
	require.Equal(t, None, m.Current())
}

func TestPlayCentered(t *testing.T) {
	m, d, _ := newTestManager(t, 1<<20)
	require.NoError(t, m.Play("/lottie/speak.json", 100, 50))

	objs := objects(d)
	require.Len(t, objs, 1)
	o := objs[0]
	require.Equal(t, gfx.KindLottie, o.Kind())
	require.Equal(t, image.Pt(156, 181), o.Pos())
	w, h := o.Size()
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
	require.Equal(t, 90, o.Info().Frames())
	require.Len(t, o.Buffer(), 100*50*4)
	require.Equal(t, 100*50*4, m.mem.InUse())
	require.True(t, m.Playing())
	require.Equal(t, None, m.Current())
}

func TestPlayAt(t *testing.T) {
	m, d, _ := newTestManager(t, 1<<20)
	require.NoError(t, m.PlayAt("lottie/loading.json", 20, 20, 10, 30))
	objs := objects(d)
	require.Len(t, objs, 1)
	require.Equal(t, image.Pt(10, 30), objs[0].Pos())
}

func TestPlayReplacesObject(t *testing.T) {
	m, d, idle := newTestManager(t, 1<<20)
	require.NoError(t, m.Play("/lottie/loading.json", 64, 64))
	first := objects(d)[0]

	before := idle.polls.Load()
	require.NoError(t, m.Play("/lottie/speak.json", 32, 32))
	require.Greater(t, idle.polls.Load(), before, "stop waits on panel inactivity")

	objs := objects(d)
	require.Len(t, objs, 1, "at most one animation object")
	require.NotSame(t, first, objs[0])
	require.Nil(t, first.Buffer())
	require.Equal(t, 32*32*4, m.mem.InUse())
}

func TestStopWithoutObjectReturnsImmediately(t *testing.T) {
	m, _, idle := newTestManager(t, 1<<20)
	stray, err := m.mem.Alloc(16)
	require.NoError(t, err)
	m.buf = stray

	start := time.Now()
	require.NoError(t, m.Stop())
	require.Less(t, time.Since(start), 10*time.Millisecond)
	require.Zero(t, idle.polls.Load())
	require.Zero(t, m.mem.InUse(), "stray buffer is freed")
}

func TestStopWaitsForQuietPanel(t *testing.T) {
	m, d, idle := newTestManager(t, 1<<20)
	require.NoError(t, m.Play("/lottie/loading.json", 64, 64))

	idle.d.Store(0) // panel never goes quiet
	start := time.Now()
	require.NoError(t, m.Stop())
	require.GreaterOrEqual(t, time.Since(start), fastTiming.IdleTimeout)

	require.Empty(t, objects(d))
	require.Zero(t, m.mem.InUse())
	require.False(t, m.Playing())
}

func TestPlayAllocationFailureUnwinds(t *testing.T) {
	m, d, _ := newTestManager(t, 64*64*4-1)
	err := m.Play("/lottie/loading.json", 64, 64)
	require.ErrorIs(t, err, ErrNoMem)
	require.Empty(t, objects(d))
	require.Zero(t, m.mem.InUse())
	require.False(t, m.Playing())
}

func TestPlayFailuresUnwind(t *testing.T) {
	tests := []struct {
		name string
		path string
		w, h int
		is   error
	}{
		{"missing file", "/lottie/none.json", 8, 8, fs.ErrNotExist},
		{"invalid json", "/lottie/broken.json", 8, 8, gfx.ErrInvalidLottie},
		{"invalid size", "/lottie/loading.json", 0, 8, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, d, _ := newTestManager(t, 1<<20)
			require.NoError(t, m.Play("/lottie/speak.json", 16, 16))

			err := m.Play(tt.path, tt.w, tt.h)
			require.Error(t, err)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
			if tt.w > 0 {
				require.Empty(t, objects(d), "the previous animation is retired first")
				require.Zero(t, m.mem.InUse())
			}
		})
	}
}

func TestPlayBusy(t *testing.T) {
	m, d, _ := newTestManager(t, 1<<20)

	require.True(t, m.sem.TryAcquire(1))
	require.ErrorIs(t, m.Play("/lottie/loading.json", 8, 8), ErrBusy)
	require.ErrorIs(t, m.Stop(), ErrBusy)
	m.sem.Release(1)

	m.busy.Store(true)
	require.ErrorIs(t, m.Play("/lottie/loading.json", 8, 8), ErrBusy)
	m.busy.Store(false)

	d.Lock()
	err := m.Play("/lottie/loading.json", 8, 8)
	d.Unlock()
	require.ErrorIs(t, err, ErrBusy)
	require.Empty(t, objects(d))
	require.Zero(t, m.mem.InUse())
}

func TestEnqueueFull(t *testing.T) {
	d, err := gfx.New(&gfx.Opts{W: 4, H: 4, Flush: func(gfx.Area, []byte) {}})
	require.NoError(t, err)
	ft := fastTiming
	m, err := New(d, nil, &Opts{FS: testFS(), QueueDepth: 1, Timing: &ft})
	require.NoError(t, err)

	require.NoError(t, m.PlayAnim(KindMic))
	start := time.Now()
	require.ErrorIs(t, m.Hide(), ErrQueueFull)
	require.GreaterOrEqual(t, time.Since(start), ft.EnqueueTimeout)
}

func TestRunCommands(t *testing.T) {
	m, d, _ := newTestManager(t, 1<<20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, m.PlayAnim(KindMic))
	require.Eventually(t, func() bool { return m.Current() == KindMic }, time.Second, time.Millisecond)
	o := objects(d)[0]
	w, h := o.Size()
	require.Equal(t, 128, w)
	require.Equal(t, 128, h)

	// Stopping another animation is a no-op.
	require.NoError(t, m.StopAnim(KindSpeak))
	require.NoError(t, m.SetPos(5, 6))
	require.Eventually(t, func() bool {
		d.Lock()
		defer d.Unlock()
		return o.Pos() == image.Pt(5, 6)
	}, time.Second, time.Millisecond)
	require.Equal(t, KindMic, m.Current())

	require.NoError(t, m.Hide())
	require.NoError(t, m.Center())
	require.Eventually(t, func() bool {
		d.Lock()
		defer d.Unlock()
		return o.Hidden() && o.Pos() == image.Pt(142, 142)
	}, time.Second, time.Millisecond)
	require.NoError(t, m.Show())

	require.NoError(t, m.ShowImage("/img/face.png", 0, 0))
	require.Eventually(t, func() bool { return len(objects(d)) == 2 }, time.Second, time.Millisecond)
	d.Lock()
	im := d.Objects()[1]
	require.Equal(t, gfx.KindImage, im.Kind())
	require.Equal(t, image.Pt(201, 196), im.Pos())
	require.True(t, o.Hidden())
	d.Unlock()

	// A second image replaces the first, at the requested size.
	require.NoError(t, m.ShowImage("/img/face.png", 40, 40))
	require.Eventually(t, func() bool {
		d.Lock()
		defer d.Unlock()
		objs := d.Objects()
		return len(objs) == 2 && objs[1] != im && objs[1].Pos() == image.Pt(186, 186)
	}, time.Second, time.Millisecond)
	d.Lock()
	w, h = d.Objects()[1].Size()
	d.Unlock()
	require.Equal(t, 40, w)
	require.Equal(t, 40, h)

	require.NoError(t, m.HideImage())
	require.Eventually(t, func() bool {
		d.Lock()
		defer d.Unlock()
		return len(d.Objects()) == 1 && !o.Hidden()
	}, time.Second, time.Millisecond)

	require.NoError(t, m.PlayAnimAt(KindSpeak, 0, 0))
	require.Eventually(t, func() bool { return m.Current() == KindSpeak }, time.Second, time.Millisecond)
	require.Equal(t, image.Pt(0, 0), objects(d)[0].Pos())

	require.NoError(t, m.StopAnim(All))
	require.Eventually(t, func() bool { return !m.Playing() }, time.Second, time.Millisecond)
	require.Equal(t, None, m.Current())
}

func TestExecErrors(t *testing.T) {
	m, _, _ := newTestManager(t, 1<<20)
	require.Error(t, m.exec(CmdPlay{Kind: KindThink}), "asset missing from filesystem")
	require.Error(t, m.exec(CmdPlay{Kind: Kind(42)}))
	require.ErrorIs(t, m.exec(CmdShowImage{Path: "/img/none.png"}), fs.ErrNotExist)
	require.Error(t, m.exec(CmdShowImage{Path: "/lottie/loading.json"}), "not an image")
	require.Error(t, m.exec(CmdShowImage{Path: "/img/face.png", W: -1, H: 4}))
	require.NoError(t, m.exec(CmdHide{}), "no object is not an error")
	require.NoError(t, m.exec(CmdStop{Kind: KindWiFi}))
}

func TestKind(t *testing.T) {
	require.Equal(t, "speak", KindSpeak.String())
	require.Equal(t, "unknown", Kind(99).String())
	k, ok := ParseKind("ota")
	require.True(t, ok)
	require.Equal(t, KindOTA, k)
	k, ok = ParseKind("all")
	require.True(t, ok)
	require.Equal(t, All, k)
	_, ok = ParseKind("none")
	require.False(t, ok)
	for k, a := range DefaultCatalog {
		require.NotEmpty(t, a.Path, k.String())
		require.Positive(t, a.W*a.H, k.String())
	}
}

func TestAllocator(t *testing.T) {
	a := NewAllocator(100)
	b1, err := a.Alloc(60)
	require.NoError(t, err)
	require.Len(t, b1, 60)
	_, err = a.Alloc(41)
	require.ErrorIs(t, err, ErrNoMem)
	b2, err := a.Alloc(40)
	require.NoError(t, err)
	require.Equal(t, 100, a.InUse())
	a.Free(b1)
	a.Free(nil)
	require.Equal(t, 40, a.InUse())
	a.Free(b2)
	require.Zero(t, a.InUse())
	_, err = a.Alloc(0)
	require.Error(t, err)
}

func TestConcurrentPlayStopKeepsOneObject(t *testing.T) {
	var d *gfx.Display
	d, err := gfx.New(&gfx.Opts{W: 64, H: 64, Period: time.Millisecond, Flush: func(gfx.Area, []byte) { d.FlushReady() }})
	require.NoError(t, err)
	idle := &idler{}
	idle.d.Store(int64(time.Second))
	ft := fastTiming
	ft.LockTimeout = time.Second
	ft.BusyTries = 1000
	m, err := New(d, idle, &Opts{FS: testFS(), QueueDepth: 64, Timing: &ft})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	var peak atomic.Int32
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := int32(0)
			for _, o := range objects(d) {
				if o.Kind() == gfx.KindLottie {
					n++
				}
			}
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var producers sync.WaitGroup
	for i := 0; i < 4; i++ {
		producers.Add(1)
		go func(i int) {
			defer producers.Done()
			for j := 0; j < 10; j++ {
				switch (i + j) % 3 {
				case 0:
					m.Play("/lottie/speak.json", 16, 16)
				case 1:
					m.Stop()
				case 2:
					m.PlayAnim(KindMic)
				}
			}
		}(i)
	}
	producers.Wait()
	require.Eventually(t, func() bool { return len(m.queue) == 0 && !m.Busy() }, 5*time.Second, time.Millisecond)

	cancel()
	wg.Wait()
	close(stop)
	<-sampled

	require.LessOrEqual(t, peak.Load(), int32(1), "more than one animation object was live")
	require.LessOrEqual(t, len(objects(d)), 1)
	if m.Playing() {
		w, h := objects(d)[0].Size()
		require.Equal(t, w*h*4, m.mem.InUse())
	} else {
		require.Zero(t, m.mem.InUse())
	}
}
