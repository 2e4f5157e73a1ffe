package quicklook

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAcquisition(t *testing.T, windowS int, nchan int) *Acquisition {
	t.Helper()
	acq, err := NewAcquisition(AcquisitionConfig{WindowS: windowS, Nchan: nchan})
	require.NoError(t, err)
	return acq
}

// waitForState polls until the acquisition reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, acq *Acquisition, want AcquisitionState, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if acq.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("acquisition state = %v after %v, want %v", acq.State(), deadline, want)
}

func TestNewAcquisitionValidation(t *testing.T) {
	bad := []AcquisitionConfig{
		{WindowS: 0, Nchan: 4},
		{WindowS: 601, Nchan: 4},
		{WindowS: 10, Nchan: 0},
		{WindowS: 10, Nchan: 65},
	}
	for _, config := range bad {
		if _, err := NewAcquisition(config); err == nil {
			t.Errorf("NewAcquisition accepted %+v", config)
		}
	}
	if _, err := NewAcquisition(AcquisitionConfig{WindowS: 1, Nchan: 64}); err != nil {
		t.Errorf("NewAcquisition rejected a legal boundary config: %v", err)
	}
}

func TestAcquisitionInitialState(t *testing.T) {
	acq := newTestAcquisition(t, 10, 4)
	if acq.State() != Stopped {
		t.Errorf("initial state = %v, want Stopped", acq.State())
	}
	status := acq.Publisher().Status()
	if status.Running || status.Connected {
		t.Errorf("initial status = %+v, want not running", status)
	}
	snap := acq.Publisher().Latest()
	require.Equal(t, []string{"no data yet"}, snap.Notes)

	// Stop on a stopped controller is a harmless no-op.
	require.NoError(t, acq.Stop())
}

func TestStartFailsSynchronously(t *testing.T) {
	acq := newTestAcquisition(t, 10, 4)
	require.NoError(t, acq.ConfigureLiveSource(LiveSourceConfig{Host: "127.0.0.1", Port: 1}))
	if err := acq.Start(ModeLive); err == nil {
		t.Fatal("Start succeeded against a dead port")
	}
	if acq.State() != Stopped {
		t.Errorf("state after failed Start = %v, want Stopped", acq.State())
	}
	// A failed Start never ran, so it leaves no last_error.
	if status := acq.Publisher().Status(); status.LastError != "" {
		t.Errorf("last_error = %q after failed Start, want empty", status.LastError)
	}
}

// silentFeed accepts connections and holds them open without sending data.
func silentFeed(t *testing.T) (host string, port int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1)
				conn.Read(buf) // block until the client closes
				conn.Close()
			}()
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestConfigureRejectedWhileRunning(t *testing.T) {
	host, port := silentFeed(t)
	acq := newTestAcquisition(t, 10, 4)
	require.NoError(t, acq.ConfigureLiveSource(LiveSourceConfig{Host: host, Port: port}))
	require.NoError(t, acq.Start(ModeLive))
	defer acq.Stop()

	if err := acq.Configure(AcquisitionConfig{WindowS: 5, Nchan: 8}); err != ErrSourceRunning {
		t.Errorf("Configure while running = %v, want ErrSourceRunning", err)
	}
	if err := acq.ConfigureLiveSource(LiveSourceConfig{Host: "x", Port: 1}); err != ErrSourceRunning {
		t.Errorf("ConfigureLiveSource while running = %v, want ErrSourceRunning", err)
	}
	if err := acq.ConfigureReplaySource(ReplaySourceConfig{Path: "x", Speed: 1}); err != ErrSourceRunning {
		t.Errorf("ConfigureReplaySource while running = %v, want ErrSourceRunning", err)
	}
	if err := acq.Start(ModeLive); err == nil {
		t.Error("second Start while running did not fail")
	}

	// The running configuration is untouched.
	if config := acq.Config(); config.WindowS != 10 || config.Nchan != 4 {
		t.Errorf("config = %+v, want the original {10 4}", config)
	}
}

func TestStopIsPrompt(t *testing.T) {
	host, port := silentFeed(t)
	acq := newTestAcquisition(t, 10, 4)
	require.NoError(t, acq.ConfigureLiveSource(LiveSourceConfig{Host: host, Port: port}))
	require.NoError(t, acq.Start(ModeLive))
	if acq.State() != Running {
		t.Fatalf("state after Start = %v, want Running", acq.State())
	}

	begin := time.Now()
	require.NoError(t, acq.Stop())
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Stop took %v with an idle feed, want under 1 s", elapsed)
	}
	if acq.State() != Stopped {
		t.Errorf("state after Stop = %v, want Stopped", acq.State())
	}
	if status := acq.Publisher().Status(); status.LastError != "" {
		t.Errorf("operator stop set last_error = %q, want empty", status.LastError)
	}
}

func TestDisconnectFailsTheRun(t *testing.T) {
	// A feed that sends one event and hangs up mid-run.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(`{"t_us":1000,"channel":0,"adc_x":100}` + "\n"))
		conn.Close()
	}()
	addr := listener.Addr().(*net.TCPAddr)

	acq := newTestAcquisition(t, 10, 4)
	require.NoError(t, acq.ConfigureLiveSource(LiveSourceConfig{Host: "127.0.0.1", Port: addr.Port}))

	var endInfo RunInfo
	runEnded := make(chan struct{})
	acq.SetRunEndCallback(func(info RunInfo) {
		endInfo = info
		close(runEnded)
	})

	require.NoError(t, acq.Start(ModeLive))
	waitForState(t, acq, Failed, 2*time.Second)

	status := acq.Publisher().Status()
	if status.Running || status.LastError == "" {
		t.Errorf("status after disconnect = %+v, want stopped with last_error", status)
	}

	select {
	case <-runEnded:
	case <-time.After(time.Second):
		t.Fatal("run-end callback never fired")
	}
	if endInfo.Mode != "live" || endInfo.LastError == "" || endInfo.ID == "" {
		t.Errorf("run info = %+v, want live mode, an error, and a run ID", endInfo)
	}

	// Stop returns Failed to Stopped but keeps last_error for diagnosis.
	require.NoError(t, acq.Stop())
	if acq.State() != Stopped {
		t.Errorf("state after Stop = %v, want Stopped", acq.State())
	}
	if status := acq.Publisher().Status(); status.LastError == "" {
		t.Error("last_error cleared by Stop; it should persist until the next Start")
	}
}

func TestReplayRunEndToEnd(t *testing.T) {
	// Five events inside the first window plus a sentinel past its boundary,
	// replayed fast. The sentinel forces the window closed before EOF ends
	// the run; the in-progress second window is discarded.
	path := writeCapture(t,
		`{"t_us":100000,"channel":0,"adc_x":100,"adc_gtop":100,"adc_gbot":100}`,
		`{"t_us":200000,"channel":0,"adc_x":200,"adc_gtop":200,"adc_gbot":200}`,
		`{"t_us":300000,"channel":1,"adc_x":300,"adc_gtop":300,"adc_gbot":300}`,
		`{"t_us":400000,"channel":1,"adc_x":4095,"adc_gtop":4095,"adc_gbot":4095}`,
		`{"t_us":500000,"channel":0,"adc_x":0,"adc_gtop":0,"adc_gbot":0}`,
		`{"t_us":1200000,"channel":2,"adc_x":50}`,
	)

	acq := newTestAcquisition(t, 1, 4)
	require.NoError(t, acq.ConfigureReplaySource(ReplaySourceConfig{Path: path, Speed: 20}))

	runEnded := make(chan RunInfo, 1)
	acq.SetRunEndCallback(func(info RunInfo) { runEnded <- info })

	require.NoError(t, acq.Start(ModeReplay))
	status := acq.Publisher().Status()
	if !status.Running || status.Mode != "replay" || status.ReplayPath != path {
		t.Errorf("running status = %+v, want replay of %s", status, path)
	}

	waitForState(t, acq, Stopped, 3*time.Second)

	snap := acq.Publisher().Latest()
	if snap.TStartUS != 100000 || snap.TEndUS != 1100000 {
		t.Errorf("window spans [%d,%d], want [100000,1100000]", snap.TStartUS, snap.TEndUS)
	}
	if snap.CountsByChannel[0] != 3 || snap.CountsByChannel[1] != 2 || snap.CountsByChannel[2] != 0 {
		t.Errorf("counts = %v, want channel0=3 channel1=2 channel2=0", snap.CountsByChannel)
	}
	hist0 := snap.Histograms.AdcX[0]
	if hist0[1] != 1 || hist0[3] != 1 || hist0[0] != 1 {
		t.Errorf("channel 0 adc_x buckets 0,1,3 = %d,%d,%d, want 1,1,1", hist0[0], hist0[1], hist0[3])
	}
	hist1 := snap.Histograms.AdcX[1]
	if hist1[4] != 1 || hist1[63] != 1 {
		t.Errorf("channel 1 adc_x buckets 4,63 = %d,%d, want 1,1", hist1[4], hist1[63])
	}

	select {
	case info := <-runEnded:
		if info.Mode != "replay" || info.LastError != "" || info.ReplayFile != path {
			t.Errorf("run info = %+v, want clean replay of %s", info, path)
		}
	case <-time.After(time.Second):
		t.Fatal("run-end callback never fired")
	}

	// End of input is a clean stop, not an error.
	if status := acq.Publisher().Status(); status.LastError != "" {
		t.Errorf("last_error = %q after clean replay, want empty", status.LastError)
	}
}

func TestBoundaryEventBelongsToNextWindow(t *testing.T) {
	// The second event sits exactly on the 1 s boundary and the third well
	// past the next one; each must close the preceding window without being
	// counted into it, no matter how quickly they arrive.
	path := writeCapture(t,
		`{"t_us":0,"channel":0,"adc_x":100}`,
		`{"t_us":1000000,"channel":0,"adc_x":200}`,
		`{"t_us":2200000,"channel":0,"adc_x":300}`,
	)
	acq := newTestAcquisition(t, 1, 4)
	require.NoError(t, acq.ConfigureReplaySource(ReplaySourceConfig{Path: path, Speed: 1000}))

	require.NoError(t, acq.Start(ModeReplay))
	waitForState(t, acq, Stopped, 3*time.Second)

	// The second published window is the latest: [1s,2s) holding only the
	// boundary event.
	snap := acq.Publisher().Latest()
	if snap.TStartUS != 1_000_000 || snap.TEndUS != 2_000_000 {
		t.Errorf("latest window spans [%d,%d], want [1000000,2000000]", snap.TStartUS, snap.TEndUS)
	}
	if snap.CountsByChannel[0] != 1 {
		t.Errorf("boundary window counts[0] = %d, want exactly the boundary event", snap.CountsByChannel[0])
	}
	hist := snap.Histograms.AdcX[0]
	if hist[3] != 1 || hist[1] != 0 || hist[4] != 0 {
		t.Errorf("boundary window holds buckets 1,3,4 = %d,%d,%d, want 0,1,0", hist[1], hist[3], hist[4])
	}
	if len(snap.RateHistory) != 2 {
		t.Errorf("rate history holds %d windows, want 2", len(snap.RateHistory))
	}
}

func TestRestartAfterFailureClearsError(t *testing.T) {
	acq := newTestAcquisition(t, 1, 4)

	// Fail a live run.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, acq.ConfigureLiveSource(LiveSourceConfig{Host: "127.0.0.1", Port: addr.Port}))
	require.NoError(t, acq.Start(ModeLive))
	waitForState(t, acq, Failed, 2*time.Second)
	listener.Close()

	// A successful new Start clears the stale error.
	path := writeCapture(t, `{"t_us":0,"channel":0,"adc_x":100}`)
	require.NoError(t, acq.ConfigureReplaySource(ReplaySourceConfig{Path: path, Speed: 1000}))
	require.NoError(t, acq.Start(ModeReplay))
	if status := acq.Publisher().Status(); status.LastError != "" {
		t.Errorf("last_error = %q after successful restart, want empty", status.LastError)
	}
	waitForState(t, acq, Stopped, 2*time.Second)
}

func TestEventClock(t *testing.T) {
	wall := time.Now()
	clock := &eventClock{rate: 1.0}
	clock.observe(1_000_000, wall)
	if have := clock.now(wall.Add(500 * time.Millisecond)); have != 1_500_000 {
		t.Errorf("clock.now after 0.5 s = %d, want 1500000", have)
	}

	// At 4x replay speed, event time advances 4 us per wall us.
	clock = &eventClock{rate: 4.0}
	clock.observe(0, wall)
	if have := clock.now(wall.Add(250 * time.Millisecond)); have != 1_000_000 {
		t.Errorf("4x clock.now after 0.25 s = %d, want 1000000", have)
	}
}
