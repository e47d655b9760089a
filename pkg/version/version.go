// Package version exposes build metadata for the polystore binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/polystore/polystore/pkg/version.Version=v1.2.0"
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns version metadata keyed for JSON responses.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String renders a one-line banner for `polystore version`.
func String() string {
	return fmt.Sprintf("polystore %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
