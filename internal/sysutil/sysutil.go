// Package sysutil holds small process-level helpers shared by main and the
// config loader: log level wiring and lenient environment string parsing.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// levelNames maps accepted LOG_LEVEL spellings to zerolog levels. "warning"
// is kept as an alias because it leaks in from other ecosystems' configs.
var levelNames = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
	"panic":   zerolog.PanicLevel,
}

// SetLogLevel sets the global zerolog level from a config string,
// case-insensitively. Unknown or empty values fall back to info.
func SetLogLevel(lvl string) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(lvl))]; ok {
		zerolog.SetGlobalLevel(l)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// IsTruthy reports whether an environment value means "enabled". Accepted
// spellings, case-insensitively: 1, true, yes, y, on.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// FirstNonEmpty returns the first value that is not blank (empty or
// whitespace only), or "" when all are. The value is returned untrimmed.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
