package quicklook

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// SourceControl is the RPC sub-server that handles configuration and
// operation of the acquisition engine. It is a thin shell: all state lives
// in the injected Acquisition.
type SourceControl struct {
	acq           *Acquisition
	clientUpdates chan<- ClientUpdate
}

// NewSourceControl wraps an Acquisition for RPC access.
func NewSourceControl(acq *Acquisition) *SourceControl {
	return &SourceControl{acq: acq}
}

// Start identifies the source variant named by sourceName (LIVE, RECORD, or
// REPLAY) and starts acquisition from it.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	mode, err := ParseSourceMode(*sourceName)
	if err != nil {
		return err
	}
	UpdateLogger.Printf("Starting data source %s", mode)
	if err := s.acq.Start(mode); err != nil {
		return err
	}
	*reply = true
	return nil
}

// Stop stops the running data source, if any.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	UpdateLogger.Printf("Stopping data source")
	if err := s.acq.Stop(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// Configure changes the aggregation window and channel count. Rejected
// while acquisition is running; the new values apply from the next Start.
func (s *SourceControl) Configure(args *AcquisitionConfig, reply *bool) error {
	UpdateLogger.Printf("Configure: window_s=%d, channels=%d", args.WindowS, args.Nchan)
	if err := s.acq.Configure(*args); err != nil {
		return err
	}
	saveConfig("acquisition", args)
	s.broadcast("ACQCONFIG", args)
	*reply = true
	return nil
}

// ConfigureLiveSource sets the live feed address.
func (s *SourceControl) ConfigureLiveSource(args *LiveSourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureLiveSource: %s:%d", args.Host, args.Port)
	if err := s.acq.ConfigureLiveSource(*args); err != nil {
		return err
	}
	saveConfig("source", args)
	s.broadcast("LIVE", args)
	*reply = true
	return nil
}

// ConfigureRecordSource sets the live feed address and recording base path.
func (s *SourceControl) ConfigureRecordSource(args *RecordSourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureRecordSource: %s:%d -> %s", args.Host, args.Port, args.BasePath)
	if err := s.acq.ConfigureRecordSource(*args); err != nil {
		return err
	}
	saveConfig("record", args)
	s.broadcast("RECORD", args)
	*reply = true
	return nil
}

// ConfigureReplaySource sets the capture path and speed multiplier.
func (s *SourceControl) ConfigureReplaySource(args *ReplaySourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureReplaySource: %s at %gx", args.Path, args.Speed)
	if err := s.acq.ConfigureReplaySource(*args); err != nil {
		return err
	}
	saveConfig("replay", args)
	s.broadcast("REPLAY", args)
	*reply = true
	return nil
}

// ConfigLimits are the hard bounds on the acquisition configuration.
type ConfigLimits struct {
	MinWindowS  int `json:"min_window_s"`
	MaxWindowS  int `json:"max_window_s"`
	MinChannels int `json:"min_channels"`
	MaxChannels int `json:"max_channels"`
}

// FullConfig is the Config reply: the current settings plus their bounds.
type FullConfig struct {
	WindowS int          `json:"window_s"`
	Nchan   int          `json:"channels"`
	Limits  ConfigLimits `json:"limits"`
}

// Config reports the current aggregation configuration and its legal bounds.
func (s *SourceControl) Config(dummy *string, reply *FullConfig) error {
	config := s.acq.Config()
	*reply = FullConfig{
		WindowS: config.WindowS,
		Nchan:   config.Nchan,
		Limits: ConfigLimits{
			MinWindowS:  MinWindowSeconds,
			MaxWindowS:  MaxWindowSeconds,
			MinChannels: MinChannels,
			MaxChannels: MaxChannels,
		},
	}
	return nil
}

// Status reports the current acquisition status.
func (s *SourceControl) Status(dummy *string, reply *AcquisitionStatus) error {
	*reply = s.acq.Publisher().Status()
	return nil
}

// Snapshot returns the latest closed-window snapshot (or the empty
// "no data yet" snapshot before the first window closes).
func (s *SourceControl) Snapshot(dummy *string, reply *Snapshot) error {
	*reply = *s.acq.Publisher().Latest()
	return nil
}

// SendAllStatus causes a broadcast to clients of all broadcastable state.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	config := s.acq.Config()
	s.broadcast("ACQCONFIG", &config)
	*reply = true
	return nil
}

func (s *SourceControl) broadcastStatus() {
	s.broadcast("STATUS", s.acq.Publisher().Status())
}

func (s *SourceControl) broadcast(tag string, state interface{}) {
	if s.clientUpdates == nil {
		return
	}
	select {
	case s.clientUpdates <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// saveConfig stores a configuration object under the given viper key so it
// survives a server restart. Failure to write is logged, not fatal.
func saveConfig(key string, value interface{}) {
	viper.Set(key, value)
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save %s config: %v", key, err)
	}
}

// loadStoredConfigs applies any source/acquisition settings saved in the
// config file from a previous run.
func loadStoredConfigs(sc *SourceControl) {
	var okay bool
	var ac AcquisitionConfig
	if err := viper.UnmarshalKey("acquisition", &ac); err == nil && ac.WindowS > 0 {
		if err := sc.acq.Configure(ac); err != nil {
			ProblemLogger.Printf("stored acquisition config rejected: %v", err)
		}
	}
	var lc LiveSourceConfig
	if err := viper.UnmarshalKey("source", &lc); err == nil && lc.Host != "" {
		sc.ConfigureLiveSource(&lc, &okay)
	}
	var rc RecordSourceConfig
	if err := viper.UnmarshalKey("record", &rc); err == nil && rc.Host != "" {
		sc.ConfigureRecordSource(&rc, &okay)
	}
	var pc ReplaySourceConfig
	if err := viper.UnmarshalKey("replay", &pc); err == nil && pc.Path != "" {
		sc.ConfigureReplaySource(&pc, &okay)
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server wrapping the
// given Acquisition. It blocks forever.
func RunRPCServer(acq *Acquisition, messageChan chan<- ClientUpdate, portrpc int) {
	sourceControl := NewSourceControl(acq)
	sourceControl.clientUpdates = messageChan
	acq.SetClientUpdates(messageChan)

	UpdateLogger.Printf("Quicklook is using config file %s", viper.ConfigFileUsed())
	loadStoredConfigs(sourceControl)

	// Regular status broadcasts keep late-joining subscribers current.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sourceControl.broadcastStatus()
		}
	}()

	server := rpc.NewServer()
	server.Register(sourceControl)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		ProblemLogger.Fatal("listen error:", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			ProblemLogger.Fatal("accept error: " + err.Error())
		}
		UpdateLogger.Printf("new RPC connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
