// The qlsim program generates a synthetic detector event stream for testing
// Quicklook without hardware. It listens on a TCP port and writes
// newline-delimited JSON events to every client at a configurable rate.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/usnistgov/quicklook"
)

type simConfig struct {
	port     int
	nchan    int
	rate     float64 // mean events per second per channel
	seed     int64
	burst    bool
	droprate float64 // probability of a no_data record
}

// Event amplitude model. Gamma-like hits sit around 2400 ADC, X-ray-like
// hits around 1800, each with a low-energy tail.
const (
	gMean     = 2400.0
	gSigma    = 250.0
	xMean     = 1800.0
	xSigma    = 180.0
	topOffset = 120.0
	botOffset = -120.0

	probLowTail = 0.08
	probTrgX    = 0.2
	probTrgG    = 0.15
	probGEvent  = 0.35
)

// Burst mode multiplies the rate on roughly a quarter of the channels by
// burstFactor for burstLength out of every burstPeriod.
const (
	burstFactor = 3.5
	burstLength = 3 * time.Second
	burstPeriod = 12 * time.Second
)

func clampADC(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 4095 {
		return 4095
	}
	return int(v)
}

// generator produces a time-ordered event stream across all channels, one
// exponential inter-arrival clock per channel.
type generator struct {
	cfg    simConfig
	rng    *rand.Rand
	nextUS []int64 // per-channel next arrival time
	bursty []bool  // channels that participate in bursts
}

func newGenerator(cfg simConfig) *generator {
	rng := rand.New(rand.NewSource(cfg.seed))
	g := &generator{
		cfg:    cfg,
		rng:    rng,
		nextUS: make([]int64, cfg.nchan),
		bursty: make([]bool, cfg.nchan),
	}
	for ch := 0; ch < cfg.nchan; ch++ {
		g.nextUS[ch] = g.interval(ch, 0)
		g.bursty[ch] = rng.Float64() < 0.25
	}
	return g
}

// rateAt returns the instantaneous rate for one channel at event time t.
func (g *generator) rateAt(ch int, tUS int64) float64 {
	r := g.cfg.rate
	if g.cfg.burst && g.bursty[ch] {
		phase := time.Duration(tUS) * time.Microsecond % burstPeriod
		if phase < burstLength {
			r *= burstFactor
		}
	}
	return r
}

func (g *generator) interval(ch int, tUS int64) int64 {
	r := g.rateAt(ch, tUS)
	if r <= 0 {
		r = 1e-6
	}
	return tUS + int64(g.rng.ExpFloat64()/r*1e6)
}

// next returns the next event in global time order.
func (g *generator) next() quicklook.Event {
	ch := 0
	for c := 1; c < g.cfg.nchan; c++ {
		if g.nextUS[c] < g.nextUS[ch] {
			ch = c
		}
	}
	tUS := g.nextUS[ch]
	g.nextUS[ch] = g.interval(ch, tUS)

	ev := quicklook.Event{TimeUS: tUS, Channel: ch}
	if g.rng.Float64() < g.cfg.droprate {
		ev.Flags.NoData = true
		return ev
	}

	isG := g.rng.Float64() < probGEvent
	mean, sigma := xMean, xSigma
	if isG {
		mean, sigma = gMean, gSigma
	}
	amp := mean + sigma*g.rng.NormFloat64()
	if g.rng.Float64() < probLowTail {
		amp *= 0.25 + 0.35*g.rng.Float64()
	}
	ev.AdcX = clampADC(amp)
	ev.AdcGtop = clampADC(amp + topOffset + 30*g.rng.NormFloat64())
	ev.AdcGbot = clampADC(amp + botOffset + 30*g.rng.NormFloat64())
	ev.Flags.TrgX = g.rng.Float64() < probTrgX
	ev.Flags.TrgG = g.rng.Float64() < probTrgG
	ev.Flags.IsGEvent = isG
	return ev
}

// serveClient streams events to one connection in real time, pacing each
// event by its own timestamp. Returns when the client disconnects.
func serveClient(conn net.Conn, cfg simConfig) {
	defer conn.Close()
	log.Printf("client connected from %s", conn.RemoteAddr())

	gen := newGenerator(cfg)
	w := bufio.NewWriterSize(conn, 1<<16)
	start := time.Now()
	buf := make([]byte, 0, 256)

	const flushEvery = 50 * time.Millisecond
	lastFlush := start

	for {
		ev := gen.next()
		due := start.Add(time.Duration(ev.TimeUS) * time.Microsecond)
		if wait := time.Until(due); wait > 0 {
			if err := w.Flush(); err != nil {
				log.Printf("client %s gone: %v", conn.RemoteAddr(), err)
				return
			}
			time.Sleep(wait)
		}

		buf = ev.Append(buf[:0])
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			log.Printf("client %s gone: %v", conn.RemoteAddr(), err)
			return
		}
		if now := time.Now(); now.Sub(lastFlush) > flushEvery {
			if err := w.Flush(); err != nil {
				log.Printf("client %s gone: %v", conn.RemoteAddr(), err)
				return
			}
			lastFlush = now
		}
	}
}

func main() {
	var cfg simConfig
	flag.IntVar(&cfg.port, "port", 9001, "TCP port to listen on")
	flag.IntVar(&cfg.nchan, "nchan", 4, "number of detector channels")
	flag.Float64Var(&cfg.rate, "rate", 50.0, "mean events per second per channel")
	flag.Int64Var(&cfg.seed, "seed", 0, "random seed (0 means time-based)")
	flag.BoolVar(&cfg.burst, "burst", false, "periodically burst some channels to 3.5x rate")
	flag.Float64Var(&cfg.droprate, "droprate", 0.005, "probability that a record carries no data")
	flag.Parse()

	if cfg.nchan < 1 || cfg.nchan > quicklook.MaxChannels {
		fmt.Fprintf(os.Stderr, "nchan must be in [1,%d]\n", quicklook.MaxChannels)
		os.Exit(1)
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.port))
	if err != nil {
		log.Fatalf("could not listen on port %d: %v", cfg.port, err)
	}
	log.Printf("qlsim serving %d channels at %g events/s/channel on port %d (seed %d)",
		cfg.nchan, cfg.rate, cfg.port, cfg.seed)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		listener.Close()
		os.Exit(0)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatalf("accept error: %v", err)
		}
		go serveClient(conn, cfg)
	}
}
