package version

import (
	"fmt"
	"runtime"
)

var (
	// Name of the application
	AppName = "MirrorBox"

	// Version of the application
	Version = "0.1.0-dev"

	// Git commit hash of the application
	Revision = "HEAD"

	// Build date of the application
	BuildDate = ""
)

func Detailed() string {
	return fmt.Sprintf("%s\nRevision: %s\nBuild Date: %s\nOS/Arch: %s/%s",
		Version, Revision, BuildDate, runtime.GOOS, runtime.GOARCH)
}
