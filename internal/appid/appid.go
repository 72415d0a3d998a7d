// Package appid derives the application identifier shared by every process of
// one application and user, and the OS names built from it: the lock file, the
// PID file and the leader's channel endpoint.
package appid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rescale/only/internal/pathutil"
)

// ID names one application for one user, e.g. "App:alice".
type ID string

// ErrEmptyID is returned when an identifier cannot be formed.
var ErrEmptyID = errors.New("application identifier is empty")

// maxSocketPath keeps unix socket paths under the smallest sun_path limit (104 on darwin).
const maxSocketPath = 100

// Derive builds the identifier from an application name and a user name.
func Derive(app, userName string) (ID, error) {
	app = strings.TrimSpace(app)
	userName = strings.TrimSpace(userName)
	if app == "" || userName == "" {
		return "", ErrEmptyID
	}
	return ID(app + ":" + userName), nil
}

// Default derives the identifier from app (or the executable name when app is
// empty) and the current OS user.
func Default(app string) (ID, error) {
	if strings.TrimSpace(app) == "" {
		app = ExecutableName()
	}
	return Derive(app, CurrentUser())
}

// ExecutableName returns the running binary's base name without extension.
func ExecutableName() string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	base := filepath.Base(exe)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CurrentUser returns the OS user name, falling back to environment variables.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// Windows reports DOMAIN\user
		name := u.Username
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return fmt.Sprintf("uid%d", os.Getuid())
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Sanitized returns the identifier reduced to characters that are safe in
// file and pipe names. Any identifier that had to be altered gets a short
// hash suffix of the original, so distinct identifiers never share a name.
func (id ID) Sanitized() string {
	raw := string(id)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.Trim(b.String(), "_-.")
	if out == "" {
		out = "app"
	}
	if out != raw {
		out += "-" + id.hash()[:8]
	}
	return out
}

func (id ID) hash() string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Paths holds the OS names derived from an identifier.
type Paths struct {
	// Dir is the runtime directory holding the files below.
	Dir string

	// Lock is the file whose exclusive lock marks leadership.
	Lock string

	// PID is written by the leader for status reporting.
	PID string

	// Endpoint is the leader's channel address: a socket path on unix,
	// a named pipe path on windows.
	Endpoint string
}

// Resolve derives every path for id inside runtimeDir (or the default runtime
// directory when empty). runtimeDir is made absolute first, so leader and
// followers compute identical results wherever they were started.
func Resolve(id ID, runtimeDir string) (Paths, error) {
	if id == "" {
		return Paths{}, ErrEmptyID
	}
	if runtimeDir == "" {
		runtimeDir = DefaultRuntimeDir()
	}
	dir, err := pathutil.ResolveAbsolutePath(runtimeDir)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve runtime directory: %w", err)
	}
	runtimeDir = dir

	name := id.Sanitized()
	p := Paths{
		Dir:  runtimeDir,
		Lock: filepath.Join(runtimeDir, name+".lock"),
		PID:  filepath.Join(runtimeDir, name+".pid"),
	}
	p.Endpoint = endpointFor(id, runtimeDir, name)
	return p, nil
}

func endpointFor(id ID, runtimeDir, name string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\only-` + name
	}
	sock := filepath.Join(runtimeDir, name+".sock")
	if len(sock) > maxSocketPath {
		sock = filepath.Join(runtimeDir, "only-"+id.hash()[:16]+".sock")
	}
	return sock
}

// DefaultRuntimeDir returns the per-user directory for lock, PID and socket files.
//   - $XDG_RUNTIME_DIR/only when set
//   - os.UserCacheDir()/only otherwise
//   - os.TempDir()/only-<user> as last resort
func DefaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && runtime.GOOS != "windows" {
		return filepath.Join(dir, "only")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "only")
	}
	return filepath.Join(os.TempDir(), "only-"+ID(CurrentUser()).Sanitized())
}

// EnsureDir creates the runtime directory with owner-only permissions. Paths
// built by hand without a Dir are left alone.
func (p Paths) EnsureDir() error {
	if p.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return nil
}
