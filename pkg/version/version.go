package version

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/blang/semver"
)

// Version is a "vSEMVER" string, and is either populated at build-time using `--ldflags -X`, or at
// init()-time by inspecting the binary's own debug info.
var Version string

func init() {
	// Prefer version number inserted at build using --ldflags, but if it's not set...
	if Version == "" {
		if i, ok := debug.ReadBuildInfo(); ok {
			// Fall back to version info from "go get"
			Version = i.Main.Version
		} else {
			Version = "(unknown version)"
		}
		if _, err := semver.ParseTolerant(Version); err != nil {
			if env := os.Getenv("HIVEMIND_VERSION"); strings.HasPrefix(env, "v") {
				Version = env
			}
		}
	}
}

var (
	structuredInput  string
	structuredOutput semver.Version
)

// Structured is a structured semver.Version value based on Version.
//
// It is parsed dynamically instead of once at init()-time so that unit tests
// can adjust the string Version and see that reflected here.
func Structured() semver.Version {
	if structuredInput == Version {
		return structuredOutput
	}
	var structured semver.Version
	switch Version {
	case "(devel)":
		structured = semver.MustParse("0.0.0-devel")
	case "(unknown version)":
		structured = semver.MustParse("0.0.0-unknownversion")
	default:
		var err error
		structured, err = semver.ParseTolerant(Version)
		if err != nil {
			structured = semver.MustParse("0.0.0-unparsable")
		}
	}
	structuredInput = Version
	structuredOutput = structured
	return structuredOutput
}

// Compatible reports whether a peer speaking protoVersion can interoperate
// with this binary. Peers are compatible when their protocol majors match;
// an unparsable peer version is treated as compatible so that older relays
// that omit the field keep working.
func Compatible(protoVersion string) bool {
	if protoVersion == "" {
		return true
	}
	peer, err := semver.ParseTolerant(protoVersion)
	if err != nil {
		return true
	}
	return peer.Major == Structured().Major
}

// DisplayVersion returns a human-readable version string.
func DisplayVersion() string {
	return fmt.Sprintf("hivemindd %s", Version)
}
