package quicklook

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Quicklook.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by Quicklook.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// QuicklookStartTime is a global holding the time init() was run
var QuicklookStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client update messages to a file
var UpdateLogger *log.Logger

// Bounds on the acquisition configuration. The 8x8 ratemap caps the
// channel count at 64.
const (
	MinWindowSeconds = 1
	MaxWindowSeconds = 600
	MinChannels      = 1
	MaxChannels      = 64
)

func init() {
	setPortnumbers(5600)
	QuicklookStartTime = time.Now()

	// Quicklook main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
