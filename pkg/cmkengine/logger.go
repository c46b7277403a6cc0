package cmkengine

import (
	"fmt"
	"io"
	standardlog "log"
	"os"
	"strings"

	"github.com/kdar/factorlog"
)

// define all available log level.
const (
	// LogVerbosityNone disables logging.
	LogVerbosityNone = 0

	// LogVerbosityDefault sets the default log level.
	LogVerbosityDefault = 1

	// LogVerbosityDebug sets the debug log level.
	LogVerbosityDebug = 2

	// LogVerbosityTrace sets trace log level.
	LogVerbosityTrace = 3

	// LogColors sets colors for some log levels
	LogColors = `%{Color "yellow+b" "WARN"}` +
		`%{Color "red+b" "ERROR"}` +
		`%{Color "red+b" "FATAL"}` +
		`%{Color "white+b" "INFO"}` +
		`%{Color "white" "DEBUG"}` +
		`%{Color "white" "TRACE"}`

	// LogColorReset resets colors from LogColors
	LogColorReset = `%{Color "reset"}`
)

var (
	DateTimeLogFormat = `[%{Date} %{Time "15:04:05.000"}]`
	LogFormat         = `[%{Severity}][pid:%{Pid}][%{ShortFile}:%{Line}] %{Message}`
	log               = factorlog.New(os.Stdout, BuildFormatter(DateTimeLogFormat+LogFormat))
	targetWriter      io.Writer
	restoreLevel      string
)

func setLogLevel(level string) {
	restoreLevel = level
	switch strings.ToLower(level) {
	case "off":
		log.SetMinMaxSeverity(factorlog.StringToSeverity("PANIC"), factorlog.StringToSeverity("PANIC"))
		log.SetVerbosity(LogVerbosityNone)
	case "error", "warn", "info":
		log.SetMinMaxSeverity(factorlog.StringToSeverity(strings.ToUpper(level)), factorlog.StringToSeverity("PANIC"))
		log.SetVerbosity(LogVerbosityDefault)
	case "debug":
		log.SetMinMaxSeverity(factorlog.StringToSeverity(strings.ToUpper(level)), factorlog.StringToSeverity("PANIC"))
		log.SetVerbosity(LogVerbosityDebug)
	case "trace":
		log.SetMinMaxSeverity(factorlog.StringToSeverity(strings.ToUpper(level)), factorlog.StringToSeverity("PANIC"))
		log.SetVerbosity(LogVerbosityTrace)
	case "":
	default:
		log.Errorf("unknown log level: %s", level)
	}
}

// SetLogLevel changes the log level from outside the package, ex.: from the command line.
func SetLogLevel(level string) {
	setLogLevel(level)
}

func setLogFile(flags *EngineFlags, conf *ConfigSection) {
	file, _ := conf.GetString("file name")
	// override from cmd flags
	if flags.LogFile != "" {
		file = flags.LogFile
	}

	var logFormatter factorlog.Formatter
	switch file {
	case "stdout", "":
		logFormatter = BuildFormatter(LogColors + DateTimeLogFormat + LogFormat + LogColorReset)
		targetWriter = os.Stdout
	case "stderr":
		logFormatter = BuildFormatter(LogColors + DateTimeLogFormat + LogFormat + LogColorReset)
		targetWriter = os.Stderr
	default:
		logFormatter = BuildFormatter(DateTimeLogFormat + LogFormat)
		fHandle, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			log.Errorf("failed to open logfile %s: %s", file, err.Error())

			return
		}
		targetWriter = fHandle
	}

	format, _ := conf.GetString("format")
	switch {
	case flags.LogFormat != "":
		logFormatter = BuildFormatter(flags.LogFormat)
	case format != "":
		logFormatter = BuildFormatter(format)
	}

	log.SetFormatter(logFormatter)
	log.SetOutput(targetWriter)
}

func BuildFormatter(format string) *factorlog.StdFormatter {
	format = strings.ReplaceAll(format, "%{Pid}", fmt.Sprintf("%d", os.Getpid()))

	return (factorlog.NewStdFormatter(format))
}

func LogError(err error) {
	if err != nil {
		logErr := log.Output(factorlog.ERROR, 2, err.Error())
		if logErr != nil {
			LogStderrf("failed to log: %s (%s)", err.Error(), logErr.Error())
		}
	}
}

func LogDebug(err error) {
	if err != nil {
		logErr := log.Output(factorlog.DEBUG, 2, err.Error())
		if logErr != nil {
			LogStderrf("failed to log: %s (%s)", err.Error(), logErr.Error())
		}
	}
}

func LogStderrf(format string, args ...interface{}) {
	log.SetOutput(os.Stderr)
	logErr := log.Output(factorlog.ERROR, 2, fmt.Sprintf(format, args...))
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "failed to log: %s\n", logErr.Error())
	}
	if targetWriter != nil {
		log.SetOutput(targetWriter)
	} else {
		log.SetOutput(os.Stdout)
	}
}

// LogWriter implements the io.Writer interface and simply logs everything with given level.
type LogWriter struct {
	level string
}

func (l *LogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	callLevel := 2

	switch strings.ToLower(l.level) {
	case "error":
		err = log.Output(factorlog.ERROR, callLevel, msg)
	case "warn":
		err = log.Output(factorlog.WARN, callLevel, msg)
	case "info":
		err = log.Output(factorlog.INFO, callLevel, msg)
	default:
		err = log.Output(factorlog.DEBUG, callLevel, msg)
	}

	if err != nil {
		return 0, fmt.Errorf("log: %s", err.Error())
	}

	return len(p), nil
}

func NewLogWriter(level string) *LogWriter {
	l := new(LogWriter)
	l.level = level

	return l
}

// NewStandardLog returns a standard library logger which writes into our log.
// Used for the http server error log.
func NewStandardLog(level string) *standardlog.Logger {
	writer := NewLogWriter(level)
	logger := standardlog.New(writer, "", 0)

	return logger
}
