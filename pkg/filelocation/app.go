package filelocation

import (
	"context"
	"os"
	"path/filepath"
)

const appName = "hivemind"

// AppUserConfigDir returns the directory to use for hivemind's user-specific
// configuration data: the coordination root holding config.yml and the
// state/ directory with the persisted outbound queue.
//
// On all platforms, this returns "{{UserConfigDir}}/hivemind" (using the
// appropriate path separator, if not "/").
//
// If the location cannot be determined (for example, $HOME is not defined),
// then it will return an error.
func AppUserConfigDir(ctx context.Context) (string, error) {
	if untyped := ctx.Value(configCtxKey{}); untyped != nil {
		return untyped.(string), nil
	}
	userDir, err := UserConfigDir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, appName), nil
}

// AppSystemConfigDirs returns a list of directories to search for hivemind's
// application-specific (but not user-specific) configuration data.  A
// config.yml found in any of these is merged below the one in the
// coordination root.
//
// On all platforms, this returns the list from systemConfigDirs, with
// "/hivemind" appended to each directory (using the appropriate path
// separator, if not "/").
//
// If the location cannot be determined, then it will return an error.
func AppSystemConfigDirs(ctx context.Context) ([]string, error) {
	if untyped := ctx.Value(sysConfigsCtxKey{}); untyped != nil {
		return untyped.([]string), nil
	}
	dirs, err := systemConfigDirs(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		ret = append(ret, filepath.Join(dir, appName))
	}
	return ret, nil
}

// systemConfigDirs returns a list of directories to look for configuration
// files in, ordered highest-precedence to lowest-precedence.  Every one of
// these directories is lower precedence than UserConfigDir.
//
// This returns the value of the $XDG_CONFIG_DIRS environment variable if
// non-empty, or else "/etc/xdg".
//
// https://specifications.freedesktop.org/basedir-spec/basedir-spec-latest.html
func systemConfigDirs(_ context.Context) ([]string, error) {
	str := os.Getenv("XDG_CONFIG_DIRS")
	if str == "" {
		str = "/etc/xdg"
	}
	return filepath.SplitList(str), nil
}
