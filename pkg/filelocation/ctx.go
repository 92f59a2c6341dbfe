package filelocation

import (
	"context"
	"runtime"
)

type goosCtxKey struct{}

// WithGOOS spoofs the runtime.GOOS for all functions in this package.  This is useful for testing,
// and should not be used in the normal code.
func WithGOOS(ctx context.Context, goos string) context.Context {
	return context.WithValue(ctx, goosCtxKey{}, goos)
}

// goos returns the runtime.GOOS, or the spoofed value from WithGOOS.  You should therefore use it
// instead of runtime.GOOS.
func goos(ctx context.Context) string {
	if untyped := ctx.Value(goosCtxKey{}); untyped != nil {
		return untyped.(string)
	}
	return runtime.GOOS
}

type homeCtxKey struct{}

// WithUserHomeDir spoofs the UserHomeDir and all derived values for all functions in this package.
// This is useful for testing, and should not be used in the normal code.
func WithUserHomeDir(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeCtxKey{}, home)
}

type configCtxKey struct{}

// WithAppUserConfigDir overrides the AppUserConfigDir, pointing the process at an alternate
// coordination root.  The serve command's --coord-root flag and the DEV_HIVEMIND_COORD_ROOT
// environment variable both act through this.
func WithAppUserConfigDir(ctx context.Context, configDir string) context.Context {
	return context.WithValue(ctx, configCtxKey{}, configDir)
}

type sysConfigsCtxKey struct{}

// WithAppSystemConfigDirs spoofs the AppSystemConfigDirs.  This is useful for testing.
func WithAppSystemConfigDirs(ctx context.Context, configDirs []string) context.Context {
	return context.WithValue(ctx, sysConfigsCtxKey{}, configDirs)
}
