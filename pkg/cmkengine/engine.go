package cmkengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	daemon "github.com/sevlyar/go-daemon"
	"github.com/consol-monitoring/cmkengine/pkg/utils"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// NAME contains the full official name.
	NAME = "cmkengine"

	DESCRIPTION = "cmkengine discovers and checks services on monitored hosts" +
		" and submits the results to a Nagios compatible monitoring core."

	// VERSION contains the actual version.
	VERSION = "0.1.0"

	// ExitCodeOK is used for normal exits.
	ExitCodeOK = 0

	// ExitCodeWarning is used when a command finished with warnings.
	ExitCodeWarning = 1

	// ExitCodeError is used for erroneous exits.
	ExitCodeError = 2

	// ExitCodeUnknown is used for unknown exits.
	ExitCodeUnknown = 3

	// BlockProfileRateInterval sets the profiling interval when started with --cpuprofile.
	BlockProfileRateInterval = 10

	// DefaultSocketTimeout sets the default timeout for tcp sockets.
	DefaultSocketTimeout = 30
)

var (
	// Build contains the current git commit id
	// compile passing -ldflags "-X github.com/consol-monitoring/cmkengine/pkg/cmkengine.Build=<build sha1>" to set the id.
	Build = ""

	// ErrUnknownHost is returned for hosts without configuration.
	ErrUnknownHost = errors.New("unknown host")

	// ErrNoSuchPlugin is returned when a check plugin is not registered.
	ErrNoSuchPlugin = errors.New("no such check plugin")

	// ErrInvalidRequest is returned for malformed automation api calls.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSourceFailed is returned when no data source of a host returned data.
	ErrSourceFailed = errors.New("data source failed")
)

// DefaultConfigLocations are tried in order when no --config is given.
var DefaultConfigLocations = []string{"./cmkengine.ini", "/etc/cmkengine/cmkengine.ini"}

// EngineFlags contains the command line flags.
type EngineFlags struct {
	ConfigFiles     []string
	Quiet           bool
	Verbose         int
	LogLevel        string
	LogFile         string
	LogFormat       string
	ProfileCPU      string
	DeadlockTimeout int
	Pidfile         string
	NoCache         bool
	Version         bool
	Help            bool
}

// Engine contains the configuration and shared state for all operations.
type Engine struct {
	Config    *Config
	Settings  *Settings
	Submitter Submitter

	flags             *EngineFlags
	breakers          *BreakerSet
	hostLocks         map[string]*deadlock.Mutex
	hostLocksLock     deadlock.Mutex
	cpuProfileHandler *os.File
	now               func() time.Time
}

// NewEngine reads the configuration files from flags and returns a ready to use engine.
func NewEngine(flags *EngineFlags) (*Engine, error) {
	if flags == nil {
		flags = &EngineFlags{}
	}
	applyDeadlockOpts(flags)

	files := flags.ConfigFiles
	if len(files) == 0 {
		for _, f := range DefaultConfigLocations {
			if _, err := os.Stat(f); err == nil {
				files = append(files, f)

				break
			}
		}
	}

	conf := NewConfig(true)
	for _, file := range files {
		if err := conf.ReadINI(file); err != nil {
			return nil, fmt.Errorf("reading settings failed: %s", err.Error())
		}
	}
	if len(files) == 0 {
		log.Debugf("no config file found in default locations (%s), using built-in defaults",
			strings.Join(DefaultConfigLocations, ", "))
	}

	eng, err := newEngine(conf, flags)
	if err != nil {
		return nil, err
	}

	if flags.ProfileCPU != "" {
		runtime.SetBlockProfileRate(BlockProfileRateInterval)
		handler, err := os.Create(flags.ProfileCPU)
		if err != nil {
			return nil, fmt.Errorf("could not create CPU profile: %s", err.Error())
		}
		if err := pprof.StartCPUProfile(handler); err != nil {
			handler.Close()

			return nil, fmt.Errorf("could not start CPU profile: %s", err.Error())
		}
		eng.cpuProfileHandler = handler
	}

	return eng, nil
}

// NewEngineFromConfig creates an engine from an already parsed config.
func NewEngineFromConfig(conf *Config) (*Engine, error) {
	return newEngine(conf, &EngineFlags{})
}

func newEngine(conf *Config, flags *EngineFlags) (*Engine, error) {
	conf.MergeDefaults(DefaultConfig)

	eng := &Engine{
		Config:    conf,
		flags:     flags,
		breakers:  NewBreakerSet(),
		hostLocks: make(map[string]*deadlock.Mutex),
		now:       time.Now,
	}
	eng.createLogger()

	settings, err := NewSettings(conf)
	if err != nil {
		return nil, fmt.Errorf("config error: %s", err.Error())
	}
	eng.Settings = settings

	submitter, err := NewSubmitter(eng, settings.Submission)
	if err != nil {
		return nil, err
	}
	eng.Submitter = submitter

	return eng, nil
}

func applyDeadlockOpts(flags *EngineFlags) {
	if flags.DeadlockTimeout <= 0 {
		deadlock.Opts.Disable = true

		return
	}
	deadlock.Opts.Disable = false
	deadlock.Opts.DeadlockTimeout = time.Duration(flags.DeadlockTimeout) * time.Second
	deadlock.Opts.LogBuf = NewLogWriter("Error")
}

// Now returns the current time, tests may replace the clock with SetClock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// lockHost serializes operations on a single host. It returns the unlock function.
func (e *Engine) lockHost(name string) func() {
	e.hostLocksLock.Lock()
	lock, ok := e.hostLocks[name]
	if !ok {
		lock = new(deadlock.Mutex)
		e.hostLocks[name] = lock
	}
	e.hostLocksLock.Unlock()

	lock.Lock()

	return lock.Unlock
}

// PrintVersion prints the version.
func PrintVersion(out io.Writer) {
	fmt.Fprintf(out, "%s v%s (Build: %s)\n", NAME, VERSION, Build)
}

func (e *Engine) buildStartupMsg() string {
	platform, _, pversion, err := host.PlatformInformation()
	if err != nil {
		log.Debugf("failed to get platform information: %s", err.Error())
	}
	hostname, err := os.Hostname()
	if err != nil {
		log.Debugf("failed to get hostname: %s", err.Error())
	}

	return fmt.Sprintf("%s starting (version:v%s - build:%s - host:%s - pid:%d - os:%s %s - arch:%s)",
		NAME, VERSION, Build, hostname, os.Getpid(), platform, pversion, runtime.GOARCH)
}

func (e *Engine) createLogger() {
	conf := e.Config.Section("/settings/log")
	e.applyLogLevel(conf)
	setLogFile(e.flags, conf)
}

func (e *Engine) applyLogLevel(conf *ConfigSection) {
	level, ok := conf.GetString("level")
	if !ok {
		level = "info"
	}

	// command line level overrides config
	if e.flags.LogLevel != "" && e.flags.LogLevel != "info" {
		level = e.flags.LogLevel
	}

	switch {
	case e.flags.Verbose >= 2:
		level = "trace"
	case e.flags.Verbose >= 1:
		level = "debug"
	case e.flags.Quiet:
		level = "error"
	}

	setLogLevel(level)
}

// CleanExit stops profiling, removes the pidfile and exits.
func (e *Engine) CleanExit(exitCode int) {
	e.deletePidFile()

	if e.cpuProfileHandler != nil {
		pprof.StopCPUProfile()
		e.cpuProfileHandler.Close()
		log.Infof("cpu profile written to: %s", e.flags.ProfileCPU)
	}

	os.Exit(exitCode)
}

func (e *Engine) logPanicExit() {
	if r := recover(); r != nil {
		log.Errorf("********* PANIC *********")
		log.Errorf("Panic: %s", r)
		log.Errorf("**** Stack:")
		log.Errorf("%s", debug.Stack())
		log.Errorf("*************************")
		e.deletePidFile()
		os.Exit(ExitCodeError)
	}
}

func (e *Engine) createPidFile() error {
	if e.flags.Pidfile == "" {
		return nil
	}

	if pid, err := utils.ReadPid(e.flags.Pidfile); err == nil && pid != os.Getpid() {
		if running, _ := process.PidExists(int32(pid)); running {
			return fmt.Errorf("%s is already running with pid %d", NAME, pid)
		}
		log.Debugf("removing stale pidfile %s (pid %d)", e.flags.Pidfile, pid)
	}

	return os.WriteFile(e.flags.Pidfile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

func (e *Engine) deletePidFile() {
	if e.flags.Pidfile != "" {
		os.Remove(e.flags.Pidfile)
	}
}

// RunBackground forks into background and runs the automation server.
func (e *Engine) RunBackground() error {
	ctx := &daemon.Context{}

	daemonProc, err := ctx.Reborn()
	if err != nil {
		return fmt.Errorf("unable to start daemon mode: %s", err.Error())
	}

	// parent simply exits
	if daemonProc != nil {
		os.Exit(ExitCodeOK)
	}

	defer func() {
		LogError(ctx.Release())
	}()

	return e.Serve()
}
