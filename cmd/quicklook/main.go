package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/quicklook"
	"github.com/usnistgov/quicklook/internal/quicklookdb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("source.host", "localhost")
	viper.SetDefault("source.port", 9001)
	viper.SetDefault("record.basepath", "$HOME/quicklook-captures")
	viper.SetDefault("replay.speed", 1.0)
	viper.SetDefault("acquisition.windows", 10)
	viper.SetDefault("acquisition.nchan", 4)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotQuicklook := filepath.Join(HOME, ".quicklook")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotQuicklook, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/quicklook"))
	viper.AddConfigPath(dotQuicklook)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	quicklook.Build.Date = buildDate
	quicklook.Build.Githash = githash
	quicklook.Build.Summary = fmt.Sprintf("QUICKLOOK version %s (git commit %s)", quicklook.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		quicklook.Build.Host = host
	} else {
		quicklook.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingdb := flag.Bool("pingdb", false, "check the run database connection and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is QUICKLOOK version %s\n", quicklook.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}
	if *pingdb {
		if err := quicklookdb.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is QUICKLOOK version %s (git commit %s)\n", quicklook.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 rotating log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".quicklook", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	quicklook.ProblemLogger = startLogger(problemname)
	quicklook.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	quicklook.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	acq, err := quicklook.NewAcquisition(quicklook.AcquisitionConfig{
		WindowS: viper.GetInt("acquisition.windows"),
		Nchan:   viper.GetInt("acquisition.nchan"),
	})
	if err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	defer close(abort)

	// Run provenance goes to the (optional) ClickHouse database.
	runDB := quicklookdb.StartConnection(abort)
	acq.SetRunEndCallback(func(info quicklook.RunInfo) {
		runDB.RecordRun(&quicklookdb.RunMessage{
			ID:            info.ID,
			Hostname:      quicklook.Build.Host,
			SourceMode:    info.Mode,
			WindowSeconds: info.WindowS,
			Nchannels:     info.Nchan,
			RecordFile:    info.RecordFile,
			ReplayFile:    info.ReplayFile,
			LastError:     info.LastError,
			Version:       quicklook.Build.Version,
			Start:         info.Start,
			End:           info.End,
		})
	})

	messageChan := make(chan quicklook.ClientUpdate, 10)
	go quicklook.RunClientUpdater(messageChan, quicklook.Ports.Status, abort)
	fmt.Printf("RPC server on port %d, status updates on port %d\n",
		quicklook.Ports.RPC, quicklook.Ports.Status)

	defer func() {
		// A best-effort stop so sockets and capture files close cleanly.
		acq.Stop()
		time.Sleep(50 * time.Millisecond)
	}()
	quicklook.RunRPCServer(acq, messageChan, quicklook.Ports.RPC)
}
