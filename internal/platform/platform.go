// Package platform identifies the host OS flavour and what it offers the
// watcher: a desktop notifier binary and reliable filesystem events.
package platform

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var displayNames = map[Platform]string{
	PlatformMacOS:   "macOS",
	PlatformLinux:   "Linux",
	PlatformWSL1:    "WSL1",
	PlatformWSL2:    "WSL2",
	PlatformWindows: "Windows",
}

// String returns a human-readable platform name
func (p Platform) String() string {
	if name, ok := displayNames[p]; ok {
		return name
	}
	return "Unknown"
}

// host is the slice of the operating system detection reads. Tests replace it.
type host struct {
	goos     string
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	exists   func(string) bool
	lookPath func(string) (string, error)
}

func systemHost() host {
	return host{
		goos:     runtime.GOOS,
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		exists: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
		lookPath: exec.LookPath,
	}
}

var (
	current    = systemHost()
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is computed once per process.
func Detect() Platform {
	detectOnce.Do(func() { detected = detect(current) })
	return detected
}

func detect(h host) Platform {
	switch h.goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	version, _ := h.readFile("/proc/version")
	v := string(version)
	if h.getenv("WSL_DISTRO_NAME") == "" && !strings.Contains(strings.ToLower(v), "microsoft") {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	switch {
	case strings.Contains(v, "microsoft-standard"):
		return PlatformWSL2
	case strings.Contains(v, "Microsoft"):
		return PlatformWSL1
	case h.exists("/run/WSL"):
		return PlatformWSL2
	}
	return PlatformWSL1
}

// NotifierKind identifies the desktop notification mechanism available.
type NotifierKind string

const (
	NotifierNotifySend NotifierKind = "notify-send"
	NotifierOsascript  NotifierKind = "osascript"
	NotifierPowerShell NotifierKind = "powershell"
	NotifierNone       NotifierKind = "none"
)

// Notifier describes how to raise a desktop notification on this machine.
type Notifier struct {
	Kind   NotifierKind
	Binary string
}

// Available reports whether a native notifier was found.
func (n Notifier) Available() bool {
	return n.Kind != NotifierNone
}

type notifierCandidate struct {
	kind     NotifierKind
	binaries []string
}

// Candidates are tried in order. WSL prefers Windows toasts through interop
// since a Linux notification daemon is rarely running there.
var notifierCandidates = map[Platform][]notifierCandidate{
	PlatformMacOS:   {{NotifierOsascript, []string{"osascript"}}},
	PlatformWindows: {{NotifierPowerShell, []string{"powershell", "pwsh"}}},
	PlatformLinux:   {{NotifierNotifySend, []string{"notify-send"}}},
	PlatformWSL1: {
		{NotifierPowerShell, []string{"powershell.exe"}},
		{NotifierNotifySend, []string{"notify-send"}},
	},
	PlatformWSL2: {
		{NotifierPowerShell, []string{"powershell.exe"}},
		{NotifierNotifySend, []string{"notify-send"}},
	},
}

// DesktopNotifier returns the notifier for the detected platform.
func DesktopNotifier() Notifier {
	return notifierFor(current, Detect())
}

func notifierFor(h host, p Platform) Notifier {
	for _, c := range notifierCandidates[p] {
		for _, name := range c.binaries {
			if path, err := h.lookPath(name); err == nil {
				return Notifier{Kind: c.kind, Binary: path}
			}
		}
	}
	return Notifier{Kind: NotifierNone}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem where
// fsnotify events are unreliable (9p, nfs, cifs, sshfs), or "" when it should work.
func CheckFsnotifySupport(path string) string {
	return fsnotifySupport(current, path)
}

func fsnotifySupport(h host, path string) string {
	if h.goos != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := h.readFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountFsType(absPath, string(mounts)))
}

// mountFsType finds the filesystem type of the deepest mount point containing
// absPath. Mount points in /proc/mounts escape spaces and tabs as octal.
func mountFsType(absPath, mounts string) string {
	var matchedMount, matchedType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint := unescapeMount(fields[1])
		if within(absPath, mountPoint) && len(mountPoint) > len(matchedMount) {
			matchedMount, matchedType = mountPoint, fields[2]
		}
	}
	return matchedType
}

// within reports whether p is dir or below it, on path-segment boundaries.
func within(p, dir string) bool {
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}

func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type mountWarning struct {
	match   func(string) bool
	message string
}

func fsTypes(names ...string) func(string) bool {
	return func(t string) bool {
		for _, n := range names {
			if t == n {
				return true
			}
		}
		return false
	}
}

const (
	reindexManually = "run 'crewpilot index' manually"
	reindexIfStale  = "run 'crewpilot index' if results look stale"
)

var mountWarnings = []mountWarning{
	{fsTypes("9p"), "project is on a 9p mount (WSL2 Windows filesystem): file events are not delivered; " + reindexManually},
	{fsTypes("nfs", "nfs4"), "project is on an NFS mount: file events may be missed; " + reindexIfStale},
	{fsTypes("cifs", "smbfs", "smb3"), "project is on a CIFS/SMB mount: file events may be missed; " + reindexIfStale},
	{func(t string) bool { return strings.HasPrefix(t, "fuse.sshfs") }, "project is on an SSHFS mount: file events are not delivered; " + reindexManually},
}

func fsnotifyWarning(t string) string {
	for _, w := range mountWarnings {
		if w.match(t) {
			return w.message
		}
	}
	return ""
}
