package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ShellSecurityMode controls how BLOCKED_COMMANDS interacts with an explicit
// allowlist.
type ShellSecurityMode int

const (
	// ModePermissive blocks only the built-in dangerous command set.
	ModePermissive ShellSecurityMode = iota
	// ModeStrict blocks everything except AllowedCommands.
	ModeStrict
)

// Default resource-limit constants for the shell/exec tools, matching the
// defaults the bash tool ships with.
const (
	DefaultTimeout         = 120 * time.Second
	MaxTimeout             = 30 * time.Minute
	DefaultMaxSessions     = 4
	DefaultMaxOutputBytes  = 100 * 1024
	DefaultCommandsPerMin  = 30
	SessionIdleTimeout     = 30 * time.Minute
	SessionCleanupInterval = 60 * time.Second
)

// blockedCommands are refused in every pipeline segment under ModePermissive.
var blockedCommands = map[string]bool{}

func init() {
	for _, c := range []string{
		// destructive
		"rm", "rmdir", "dd", "mkfs", "fdisk", "parted", "shred", "truncate",
		// system control
		"shutdown", "reboot", "poweroff", "halt", "init",
		// user/permission manipulation
		"passwd", "useradd", "userdel", "usermod", "chmod", "chown", "chgrp",
		// firewall
		"iptables", "ip6tables", "nft",
		// raw sockets
		"nc", "netcat", "ncat",
		// privilege escalation
		"sudo", "su", "doas",
		// shell-specific dangers
		"eval", "source", "exec", "nohup", "disown", "setsid",
		"chroot", "unshare", "nsenter",
		// container/VM escape
		"docker", "podman", "kubectl", "crictl",
		// process control
		"kill", "pkill", "killall",
		// persistence
		"crontab", "at", "launchctl", "systemctl",
		// symlink attacks
		"ln",
		// interpreters can bypass every other check
		"python", "python3", "perl", "ruby", "node", "php", "lua", "tclsh", "wish",
	} {
		blockedCommands[c] = true
	}
}

// networkExfilCommands are blocked unless AllowNetworkCommands is set; callers
// needing HTTP should use dedicated http_get/http_post tools instead.
var networkExfilCommands = map[string]bool{
	"curl": true, "wget": true, "scp": true, "sftp": true, "rsync": true,
	"ftp": true, "telnet": true, "socat": true, "ssh": true,
}

// dangerousPatterns are substrings that are refused regardless of position,
// covering environment-injection and encoding-bypass tricks that per-segment
// command blocking can't catch.
var dangerousPatterns = []string{
	"LD_PRELOAD=", "LD_LIBRARY_PATH=", "DYLD_INSERT_LIBRARIES=",
	">/dev/sda", "/dev/mem", "mkfifo",
	"$(curl", "$(wget", "`curl", "`wget",
	"base64 -d", "| base64", "| xxd", "| openssl enc",
}

// sensitiveDirs must never be archived in a single command.
var sensitiveDirs = []string{"~/.ssh", "~/.gnupg", "~/.aws", "~/.docker", "~/.kube"}

// envWhitelist is the set of environment variables propagated into a shell
// session; everything else is stripped.
var envWhitelist = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "TMPDIR", "XDG_RUNTIME_DIR", "SHELL"}

// secretPatterns are literal markers masked out of command output before it
// reaches the model or a transcript.
var secretPatterns = []string{
	"BEGIN RSA PRIVATE KEY", "BEGIN OPENSSH PRIVATE KEY", "BEGIN PGP PRIVATE KEY", "PRIVATE KEY-----",
	"AKIA", "aws_secret_access_key",
	"sk-", "ghp_", "gho_", "glpat-", "xoxb-", "xoxp-",
	"postgres://", "mysql://", "mongodb://",
}

// ShellPolicy is the configuration for layers 2-5 of the shell/exec security
// pipeline. Layer 1 (metacharacter scanning) is AnalyzeCommandQuoteAware.
type ShellPolicy struct {
	Mode                ShellSecurityMode
	AllowedCommands      []string // consulted only in ModeStrict
	ExtraBlockedCommands []string
	AllowNetworkCommands bool
	BlockedPaths         []string // path prefixes forbidden as cwd or redirect target
	Workspace            string  // jail root; empty disables the jail
	WorkspaceJail        bool
	EnvWhitelist         []string
	MaxOutputBytes       int
	DefaultTimeout       time.Duration
	MaxTimeout           time.Duration
	MaxSessions          int
	MaxCommandsPerMinute int
}

// DefaultShellPolicy mirrors the bash tool's BashConfig::default().
func DefaultShellPolicy() *ShellPolicy {
	return &ShellPolicy{
		Mode: ModePermissive,
		BlockedPaths: []string{
			"/etc", "/root", "/var/log", "/boot", "/dev", "/proc", "/sys",
		},
		EnvWhitelist:         append([]string(nil), envWhitelist...),
		MaxOutputBytes:       DefaultMaxOutputBytes,
		DefaultTimeout:       DefaultTimeout,
		MaxTimeout:           MaxTimeout,
		MaxSessions:          DefaultMaxSessions,
		MaxCommandsPerMinute: DefaultCommandsPerMin,
	}
}

// ErrCommandBlocked is returned when a pipeline segment's base command is
// refused by policy.
var ErrCommandBlocked = errors.New("security: command blocked")

// ErrDangerousPattern is returned when a command string contains a refused
// substring (env injection, encoding bypass, etc.).
var ErrDangerousPattern = errors.New("security: dangerous pattern")

// ErrRestrictedPath is returned when a cwd or redirect target falls under a
// blocked path prefix, escapes the workspace jail, or names a sensitive
// directory being archived.
var ErrRestrictedPath = errors.New("security: restricted path")

// ErrRateLimited is returned by a RateLimiter once its window is exhausted.
var ErrRateLimited = errors.New("security: rate limited")

func baseCommand(token string) string {
	parts := strings.Split(token, "/")
	return parts[len(parts)-1]
}

func (p *ShellPolicy) isCommandBlocked(cmd string) bool {
	if p.Mode == ModeStrict {
		for _, a := range p.AllowedCommands {
			if a == cmd {
				return false
			}
		}
		return true
	}
	if cmd == "." {
		return true // alias for "source"
	}
	if blockedCommands[cmd] {
		return true
	}
	if !p.AllowNetworkCommands && networkExfilCommands[cmd] {
		return true
	}
	for _, b := range p.ExtraBlockedCommands {
		if b == cmd {
			return true
		}
	}
	return false
}

// AnalyzePipeline is layer 2: it splits a command on pipe/chain operators,
// checks each segment's base command against the blocklist, then checks
// redirection targets (layer 3's path half) and dangerous substrings.
func (p *ShellPolicy) AnalyzePipeline(command string) error {
	for _, segment := range strings.Split(command, "|") {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" {
			continue
		}
		for _, sub := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == '&' || r == ';' }) {
			sub = strings.TrimSpace(sub)
			if sub == "" {
				continue
			}
			fields := strings.Fields(sub)
			if len(fields) == 0 {
				continue
			}
			cmd := baseCommand(fields[0])
			if p.isCommandBlocked(cmd) {
				return fmt.Errorf("%w: %q", ErrCommandBlocked, cmd)
			}
		}
	}
	if err := p.checkRedirections(command); err != nil {
		return err
	}
	return p.checkDangerousPatterns(command)
}

func (p *ShellPolicy) checkDangerousPatterns(command string) error {
	for _, pattern := range dangerousPatterns {
		if strings.Contains(command, pattern) {
			return fmt.Errorf("%w: %q", ErrDangerousPattern, pattern)
		}
	}
	return nil
}

// checkRedirections walks the command outside quotes looking for `>`/`N>`
// redirection targets and rejects any under a blocked path, and separately
// rejects archiving a sensitive directory with tar/zip/7z.
func (p *ShellPolicy) checkRedirections(command string) error {
	runes := []rune(command)
	n := len(runes)
	i := 0
	for i < n {
		if runes[i] == '\'' || runes[i] == '"' {
			q := runes[i]
			i++
			for i < n && runes[i] != q {
				if runes[i] == '\\' && q == '"' {
					i++
				}
				i++
			}
			i++
			continue
		}
		isRedir := runes[i] == '>' || (i+1 < n && isDigit(runes[i]) && runes[i+1] == '>')
		if !isRedir {
			i++
			continue
		}
		for i < n && (runes[i] == '>' || isDigit(runes[i])) {
			i++
		}
		for i < n && runes[i] == ' ' {
			i++
		}
		start := i
		for i < n && !isSpace(runes[i]) && runes[i] != '|' && runes[i] != ';' && runes[i] != '&' {
			i++
		}
		if start < i {
			target := string(runes[start:i])
			for _, blocked := range p.BlockedPaths {
				if strings.HasPrefix(target, blocked) {
					return fmt.Errorf("%w: redirection to %q", ErrRestrictedPath, target)
				}
			}
		}
	}
	hasArchiver := strings.Contains(command, "tar") || strings.Contains(command, "zip") || strings.Contains(command, "7z")
	if hasArchiver {
		for _, s := range sensitiveDirs {
			if strings.Contains(command, s) {
				return fmt.Errorf("%w: archiving %q", ErrRestrictedPath, s)
			}
		}
	}
	return nil
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }

// ValidateCwd is layer 3's path half: it rejects a requested working
// directory under a blocked path, and (if WorkspaceJail is set) rejects one
// resolving outside the canonicalized workspace root.
func (p *ShellPolicy) ValidateCwd(cwd string) (string, error) {
	for _, blocked := range p.BlockedPaths {
		if strings.HasPrefix(cwd, blocked) {
			return "", fmt.Errorf("%w: %q", ErrRestrictedPath, cwd)
		}
	}
	if p.WorkspaceJail && p.Workspace != "" {
		canonicalCwd, err := filepath.EvalSymlinks(cwd)
		if err != nil {
			return "", fmt.Errorf("security: cannot resolve working directory %q: %w", cwd, err)
		}
		canonicalWorkspace, err := filepath.EvalSymlinks(p.Workspace)
		if err != nil {
			return "", fmt.Errorf("security: cannot resolve workspace %q: %w", p.Workspace, err)
		}
		rel, err := filepath.Rel(canonicalWorkspace, canonicalCwd)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("%w: %q escapes workspace %q", ErrRestrictedPath, cwd, p.Workspace)
		}
	}
	return cwd, nil
}

// BuildEnv is layer 3's environment half: it returns only the whitelisted
// environment variables that are actually set in the current process.
func (p *ShellPolicy) BuildEnv() []string {
	list := p.EnvWhitelist
	if list == nil {
		list = envWhitelist
	}
	var out []string
	for _, key := range list {
		if val, ok := os.LookupEnv(key); ok {
			out = append(out, key+"="+val)
		}
	}
	return out
}

// ClampTimeout enforces the configured default/max timeout for a requested
// duration (zero means "use the default").
func (p *ShellPolicy) ClampTimeout(requested time.Duration) time.Duration {
	def, max := p.DefaultTimeout, p.MaxTimeout
	if def <= 0 {
		def = DefaultTimeout
	}
	if max <= 0 {
		max = MaxTimeout
	}
	if requested <= 0 {
		requested = def
	}
	if requested > max {
		requested = max
	}
	return requested
}

// TruncateOutput caps output at MaxOutputBytes, annotating that it was cut.
func (p *ShellPolicy) TruncateOutput(output string) string {
	limit := p.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	if len(output) <= limit {
		return output
	}
	return output[:limit] + fmt.Sprintf("\n...[truncated, %d bytes omitted]", len(output)-limit)
}

// SanitizeOutput is layer 5: it masks known secret markers and flags long
// base64-looking lines, matching the bash tool's output validation.
func SanitizeOutput(output string) string {
	result := output
	for _, pattern := range secretPatterns {
		if strings.Contains(result, pattern) {
			maskPrefix := pattern
			if len(maskPrefix) > 4 {
				maskPrefix = maskPrefix[:4]
			}
			result = strings.ReplaceAll(result, pattern, fmt.Sprintf("[MASKED:%s...]", maskPrefix))
		}
	}
	lines := strings.Split(result, "\n")
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if len(t) >= 64 && isLikelyBase64(t) {
			lines[i] = fmt.Sprintf("[MASKED: possible encoded secret, %d chars]", len(t))
		}
	}
	return strings.Join(lines, "\n")
}

func isLikelyBase64(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/', r == '=':
			continue
		default:
			return false
		}
	}
	return true
}

// RateLimiter enforces MaxCommandsPerMinute per session key using a rolling
// one-minute window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
}

// NewRateLimiter builds a limiter allowing limit events per window for each
// distinct key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultCommandsPerMin
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, history: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it is within the
// rolling-window limit.
func (r *RateLimiter) Allow(key string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	kept := r.history[key][:0]
	for _, t := range r.history[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.history[key] = kept
		return fmt.Errorf("%w: %d commands in the last %s", ErrRateLimited, len(kept), r.window)
	}
	r.history[key] = append(kept, now)
	return nil
}

// ParseTimeoutSeconds clamps a user-supplied "timeout_secs" tool argument,
// falling back to the policy default when unset or invalid.
func (p *ShellPolicy) ParseTimeoutSeconds(raw string) time.Duration {
	if raw == "" {
		return p.ClampTimeout(0)
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return p.ClampTimeout(0)
	}
	return p.ClampTimeout(time.Duration(secs) * time.Second)
}
