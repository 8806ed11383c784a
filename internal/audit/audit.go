// Package audit implements the structured, append-only log of
// security-relevant events: hook execution, secret resolution, file
// operations, command execution, security validation, environment state
// change, rate-limit trip.
package audit

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// processMetadata is captured once per Log and attached to every record
// when Config.IncludeMetadata is set.
type processMetadata struct {
	hostname string
	pid      int
	cwd      string
}

func captureProcessMetadata() processMetadata {
	host, _ := os.Hostname()
	cwd, _ := os.Getwd()
	return processMetadata{hostname: host, pid: os.Getpid(), cwd: cwd}
}

// Level is the severity of an audit record.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EventType names the category of security-relevant operation a Record
// describes.
type EventType string

const (
	EventHookExecution      EventType = "hook_execution"
	EventSecretResolution   EventType = "secret_resolution"
	EventFileOperation      EventType = "file_operation"
	EventCommandExecution   EventType = "command_execution"
	EventSecurityValidation EventType = "security_validation"
	EventEnvironmentChange  EventType = "environment_state_change"
	EventRateLimitTrip      EventType = "rate_limit_trip"
)

// Record is one append-only audit entry.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"-"`
	LevelName string                 `json:"level"`
	Session   string                 `json:"session_id"`
	User      string                 `json:"user"`
	Event     EventType              `json:"event"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config shapes a Log's sink and filtering.
type Config struct {
	FilePath        string `yaml:"file_path"`
	MinLevel        Level  `yaml:"min_level"`
	SessionID       string `yaml:"session_id"`
	User            string `yaml:"user"`
	IncludeMetadata bool   `yaml:"include_metadata"`
}

// Log is the audit sink: JSON lines to a configured file, or stderr when
// none is configured. Records below MinLevel are dropped cheaply before
// any encoding happens.
type Log struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	sequence uint64
	procMeta processMetadata
}

// New constructs a Log per cfg. A zero-value FilePath selects stderr.
func New(cfg Config) (*Log, error) {
	var core zapcore.Core
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	// The record carries its own level field; drop zap's to avoid a
	// duplicate "level" key in the JSON line.
	encoderCfg.LevelKey = ""
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewCore(encoder, zapcore.AddSync(f), zapcore.DebugLevel)
	} else {
		core = zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zapcore.DebugLevel)
	}

	log := &Log{cfg: cfg, logger: zap.New(core)}
	if cfg.IncludeMetadata {
		log.procMeta = captureProcessMetadata()
	}
	return log, nil
}

// Record appends entry if its level meets cfg.MinLevel, dropping it
// otherwise without touching the sink.
func (l *Log) Record(level Level, event EventType, fields map[string]interface{}) {
	if level < l.cfg.MinLevel {
		return
	}

	l.mu.Lock()
	l.sequence++
	seq := l.sequence
	l.mu.Unlock()

	zfields := []zap.Field{
		zap.Uint64("sequence", seq),
		zap.Time("timestamp", time.Now()),
		zap.String("level", level.String()),
		zap.String("session_id", l.cfg.SessionID),
		zap.String("user", l.cfg.User),
		zap.String("event", string(event)),
	}
	if l.cfg.IncludeMetadata {
		zfields = append(zfields,
			zap.String("hostname", l.procMeta.hostname),
			zap.Int("pid", l.procMeta.pid),
			zap.String("cwd", l.procMeta.cwd),
		)
	}
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}

	switch level {
	case LevelCritical:
		l.logger.Error("audit", zfields...)
	case LevelWarning:
		l.logger.Warn("audit", zfields...)
	default:
		l.logger.Info("audit", zfields...)
	}
}

func levelForOutcome(success bool) Level {
	if success {
		return LevelInfo
	}
	return LevelWarning
}

// LogHookExecution records a hook's invocation, deriving the record's
// level from whether it succeeded.
func (l *Log) LogHookExecution(hook string, success bool, fields map[string]interface{}) {
	l.recordWith(levelForOutcome(success), EventHookExecution, "hook", hook, fields)
}

// LogSecretResolution records an attempt to resolve a secret reference.
func (l *Log) LogSecretResolution(reference string, success bool, fields map[string]interface{}) {
	l.recordWith(levelForOutcome(success), EventSecretResolution, "reference", reference, fields)
}

// LogFileOperation records a filesystem mutation performed on the
// caller's behalf.
func (l *Log) LogFileOperation(path string, success bool, fields map[string]interface{}) {
	l.recordWith(levelForOutcome(success), EventFileOperation, "path", path, fields)
}

// LogCommandExecution records a spawned command's outcome.
func (l *Log) LogCommandExecution(command string, success bool, fields map[string]interface{}) {
	l.recordWith(levelForOutcome(success), EventCommandExecution, "command", command, fields)
}

// LogSecurityValidation records the outcome of a security check (e.g.
// resource-limit or process-guard enforcement); a failed validation is
// always Critical regardless of the success flag's usual mapping.
func (l *Log) LogSecurityValidation(check string, success bool, fields map[string]interface{}) {
	level := LevelInfo
	if !success {
		level = LevelCritical
	}
	l.recordWith(level, EventSecurityValidation, "check", check, fields)
}

// LogEnvironmentChange records a mutation to the task's environment.
func (l *Log) LogEnvironmentChange(key string, fields map[string]interface{}) {
	l.recordWith(LevelInfo, EventEnvironmentChange, "key", key, fields)
}

// LogRateLimitTrip records a rate limiter rejecting a request; always
// Warning, since tripping the limiter is never itself a fault.
func (l *Log) LogRateLimitTrip(resource string, fields map[string]interface{}) {
	l.recordWith(LevelWarning, EventRateLimitTrip, "resource", resource, fields)
}

func (l *Log) recordWith(level Level, event EventType, key, value string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	merged[key] = value
	for k, v := range fields {
		merged[k] = v
	}
	l.Record(level, event, merged)
}

// Close flushes the underlying sink.
func (l *Log) Close() error {
	return l.logger.Sync()
}
