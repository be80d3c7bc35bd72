package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version holds the current build version. Override with
// -ldflags "-X github.com/castscribe/internal/version.Version=v1.2.3".
var Version = "dev"

// Commit is the short git revision, also set through ldflags.
var Commit = "unknown"

const (
	separator = "────────────────────────────────────────────────────────────"
	banner    = `
                 _                   _ _
   ___ __ _ ___| |_ ___  ___ _ __(_) |__   ___
  / __/ _' / __| __/ __|/ __| '__| | '_ \ / _ \
 | (_| (_| \__ \ |_\__ \ (__| |  | | |_) |  __/
  \___\__,_|___/\__|___/\___|_|  |_|_.__/ \___|
`
)

// Info is the JSON shape served by the version endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns build information for the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Banner returns the ASCII-art project banner.
func Banner() string {
	return strings.Trim(banner, "\n")
}

// PrintBanner writes the decorated banner and version info to w (stdout if nil).
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	info := Get()
	fmt.Fprintln(w)
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, Banner())
	fmt.Fprintf(w, "\n  castscribe %s (%s, %s)\n", info.Version, info.Commit, info.Platform)
	fmt.Fprintf(w, "  Podcast Transcription Orchestrator\n")
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}
