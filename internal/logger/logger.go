// Package logger initializes the global zerolog logger. Grounded on
// the teacher's internal/logger/logger.go, adapted to write to
// stderr rather than stdout: a hook/task invocation's stdout is
// reserved for the JSON reply the host parses, so log lines there
// would corrupt the envelope.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global logger to a colored console writer over
// stderr at the given level (trace/debug/info/warn/error).
func Init(level string) {
	colors := map[string]string{
		"trace": "\033[36m",
		"debug": "\033[33m",
		"info":  "\033[34m",
		"warn":  "\033[33m",
		"error": "\033[31m",
		"fatal": "\033[35m",
		"panic": "\033[35m",
	}

	output := zerolog.ConsoleWriter{
		Out:     os.Stderr,
		NoColor: false,
		FormatLevel: func(i interface{}) string {
			lvl, ok := i.(string)
			if !ok {
				return "???"
			}
			color := colors[lvl]
			if color == "" {
				color = "\033[37m"
			}
			return color + strings.ToUpper(lvl) + "\033[0m"
		},
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
