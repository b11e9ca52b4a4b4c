// Package secondary executes shell commands and single SQL statements on the
// PBX host. It covers operations the administrative GraphQL API cannot
// perform: raw secret rewrites, trunk sip_server rewrites and bulk outbound
// route creation.
package secondary

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/pbxops/pbxprov/internal/models"
)

const (
	defaultSSHPort    = 22
	defaultRunTimeout = 10 * time.Second
	errDetailLimit    = 400
)

// RemoteExecError is a failed secondary-channel command.
type RemoteExecError struct {
	Detail string
}

func (e *RemoteExecError) Error() string { return "remote exec: " + e.Detail }

// InvalidArgumentError is a locally rejected input; nothing was sent to the
// remote side.
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Msg }

// Runner executes one non-interactive remote command or one SQL statement
// against the PBX's own database.
type Runner interface {
	// Run executes a shell command and returns combined stdout.
	Run(ctx context.Context, command string) (string, error)
	// RunSQL executes a single SQL statement against the PBX database and
	// returns its rows tab-separated, one line per row (mysql -N -B shape).
	RunSQL(ctx context.Context, stmt string) (string, error)
}

// SSHRunner runs commands over SSH with password authentication. PBX
// appliances carry no PKI, so host keys are not verified.
type SSHRunner struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// NewSSHRunner builds a runner from session credentials, normalizing the
// host (scheme prefixes and trailing slashes stripped, optional :port).
func NewSSHRunner(creds *models.SSHCredentials) *SSHRunner {
	host, port := NormalizeHost(creds.Host)
	if creds.Port != 0 {
		port = creds.Port
	}
	return &SSHRunner{
		Host:     host,
		Port:     port,
		User:     creds.User,
		Password: creds.Password,
		Timeout:  defaultRunTimeout,
	}
}

var schemeRe = regexp.MustCompile(`(?i)^\s*(ssh|https?)://`)

// NormalizeHost strips scheme prefixes and a trailing slash from a host
// string and splits an optional :port suffix (default 22).
func NormalizeHost(raw string) (string, int) {
	s := schemeRe.ReplaceAllString(raw, "")
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndex(s, ":"); i > 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil {
			return strings.TrimSpace(s[:i]), port
		}
	}
	return s, defaultSSHPort
}

// Run executes command and captures stdout/stderr. The command fails only
// when it produced no stdout: commands that print informational noise to
// stderr while still answering are tolerated.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.Password(r.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.Timeout,
	}
	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return "", &RemoteExecError{Detail: fmt.Sprintf("dial %s: %v", addr, err)}
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", &RemoteExecError{Detail: fmt.Sprintf("session: %v", err)}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return "", &RemoteExecError{Detail: fmt.Sprintf("command timed out: %v", ctx.Err())}
	case err = <-done:
	}

	out := stdout.String()
	errText := strings.TrimSpace(stderr.String())
	if out == "" && errText != "" {
		return "", &RemoteExecError{Detail: truncate(errText, errDetailLimit)}
	}
	if out == "" && err != nil {
		return "", &RemoteExecError{Detail: truncate(err.Error(), errDetailLimit)}
	}
	if err != nil {
		log.Debug().Str("host", r.Host).Err(err).Msg("remote command exited nonzero but produced output")
	}
	return out, nil
}

// sqlOverSSHScript wraps one SQL statement in an invocation of the PBX
// host's local mysql client, with credentials read from the PBX's own
// configuration file. %s receives the shell-quoted statement.
const sqlOverSSHScript = `
AMPDBUSER=$(awk -F"['\"]" '/AMPDBUSER/{print $4}' /etc/freepbx.conf)
AMPDBPASS=$(awk -F"['\"]" '/AMPDBPASS/{print $4}' /etc/freepbx.conf)
AMPDBNAME=$(awk -F"['\"]" '/AMPDBNAME/{print $4}' /etc/freepbx.conf)
if [ -z "$AMPDBUSER" ] || [ -z "$AMPDBPASS" ] || [ -z "$AMPDBNAME" ]; then
  echo "AMPDB vars not found" >&2
  exit 2
fi
mysql -N -B --user="$AMPDBUSER" --password="$AMPDBPASS" "$AMPDBNAME" -e %s
`

// RunSQL executes one SQL statement via the host's mysql CLI.
func (r *SSHRunner) RunSQL(ctx context.Context, stmt string) (string, error) {
	return r.Run(ctx, fmt.Sprintf(sqlOverSSHScript, ShellQuote(stmt)))
}

// ShellQuote wraps s in single quotes for safe interpolation into a remote
// shell command, escaping embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SQLEscape escapes backslashes and single quotes for interpolation into a
// single-quoted SQL literal.
func SQLEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
