// Package version holds connmuxd build metadata.
//
// Values are injected with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/connmux/version.Version=0.3.0 \
//	    -X github.com/go-i2p/connmux/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/connmuxd
package version

import (
	"fmt"
	"runtime"

	"github.com/go-i2p/connmux/lib/framing"
)

// Build metadata, overridden at link time.
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Full returns Version with the commit and build time appended when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Framing returns the message framing version spoken on the wire.
func Framing() string {
	return fmt.Sprintf("%d.%d", framing.MajorVersion, framing.MinorVersion)
}

// Details returns a multi-line summary for the version command.
func Details() string {
	return fmt.Sprintf("connmuxd %s\nframing %s\n%s %s/%s\n",
		Full(), Framing(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
