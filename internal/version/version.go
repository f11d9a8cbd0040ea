// Package version хранит данные сборки, подставляемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/lifecycle/internal/version.version=v1.2.0"
package version

import log "github.com/sirupsen/logrus"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает хеш коммита сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

// Fields: данные сборки для стартовой записи в лог.
func Fields() log.Fields {
	return log.Fields{
		"version":    version,
		"commit":     commit,
		"build_date": date,
	}
}
