// pantry/version/version.go
package version

import (
	"runtime"

	"go.uber.org/zap"
)

// These variables are meant to be set at build time using ldflags:
//
//	go build -ldflags "-X github.com/dalemusser/sslmgr/pantry/version.Version=1.0.0 \
//	                   -X github.com/dalemusser/sslmgr/pantry/version.Commit=abc123 \
//	                   -X github.com/dalemusser/sslmgr/pantry/version.BuildTime=2024-01-15T10:30:00Z"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info contains version and build information.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	OS        string
	Arch      string
}

// Get returns the current version info.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Fields returns the build info as log fields for the startup line.
func (i Info) Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", i.Version),
		zap.String("commit", i.Commit),
		zap.String("go", i.GoVersion),
	}
}

// String returns a human-readable version string.
//
// Example output: "1.2.3 (abc123, built 2024-01-15T10:30:00Z)"
func String() string {
	if Version == "dev" {
		return "dev"
	}
	return Version + " (" + Commit + ", built " + BuildTime + ")"
}
