package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/process"
)

// Config addresses a remote capture host.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	KeyFile    string `mapstructure:"key_file"`
	KnownHosts string `mapstructure:"known_hosts"`
}

// Executor runs tools on a remote host over SSH. Each Run opens its own
// connection; capture sessions are minutes long and rare.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	// HostKeyCallback overrides known_hosts verification.
	HostKeyCallback ssh.HostKeyCallback
}

var knownHostsMu sync.Mutex

func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg, logger: slog.Default().With("remote", cfg.Address)}
}

func (e *Executor) Run(ctx context.Context, spec process.Spec) (process.Result, error) {
	res := process.Result{Name: spec.Name, ExitCode: -1}
	if err := spec.Validate(); err != nil {
		return res, err
	}
	client, err := e.dial(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = client.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return res, fmt.Errorf("ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return res, err
	}
	var stderr bytes.Buffer
	if outW != nil {
		defer func() { _ = outW.Close() }()
		session.Stdout = outW
	}
	if errW != nil {
		defer func() { _ = errW.Close() }()
		session.Stderr = io.MultiWriter(errW, &stderr)
	} else {
		session.Stderr = &stderr
	}

	line := remoteCommand(spec)
	e.logger.Debug("running remote command", "process", spec.Name, "command", line)
	res.StartedAt = time.Now()
	err = session.Run(line)
	res.StoppedAt = time.Now()
	res.Stderr = strings.TrimSpace(stderr.String())
	secs := res.Duration().Seconds()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
		metrics.ObserveStep(spec.Name, "ok", secs)
		return res, nil
	case ctx.Err() != nil:
		metrics.ObserveStep(spec.Name, "cancelled", secs)
		return res, fmt.Errorf("%s cancelled: %w", spec.Name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		metrics.ObserveStep(spec.Name, "error", secs)
		return res, fmt.Errorf("%w: %s exited with code %d on %s: %s", process.ErrExitStatus, spec.Name, res.ExitCode, e.cfg.Address, res.Stderr)
	default:
		metrics.ObserveStep(spec.Name, "error", secs)
		return res, fmt.Errorf("remote %s: %w", spec.Name, err)
	}
}

func (e *Executor) MkdirAll(ctx context.Context, dir string) error {
	return e.simple(ctx, "mkdir", "mkdir -p "+quote(dir))
}

func (e *Executor) Remove(ctx context.Context, path string) error {
	return e.simple(ctx, "rm", "rm -f "+quote(path))
}

func (e *Executor) simple(ctx context.Context, name, command string) error {
	_, err := e.Run(ctx, process.Spec{Name: name, Command: command})
	return err
}

func remoteCommand(spec process.Spec) string {
	line := spec.CommandLine()
	if len(spec.Env) > 0 {
		env := make([]string, 0, len(spec.Env))
		for _, kv := range spec.Env {
			env = append(env, quote(kv))
		}
		line = "env " + strings.Join(env, " ") + " " + line
	}
	if spec.WorkDir != "" {
		line = "cd " + quote(spec.WorkDir) + " && " + line
	}
	return line
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := e.clientConfig()
	if err != nil {
		return nil, err
	}
	port := e.cfg.Port
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(strings.TrimSpace(e.cfg.Address), strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial capture host %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (e *Executor) clientConfig() (*ssh.ClientConfig, error) {
	user := strings.TrimSpace(e.cfg.Username)
	if user == "" {
		return nil, errors.New("remote capture username is required")
	}
	var methods []ssh.AuthMethod
	if e.cfg.KeyFile != "" {
		raw, err := os.ReadFile(e.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.cfg.Password != "" {
		methods = append(methods, ssh.Password(e.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh auth methods configured")
	}
	hk := e.HostKeyCallback
	if hk == nil {
		var err error
		if hk, err = e.knownHostsCallback(); err != nil {
			return nil, err
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hk,
		Timeout:         5 * time.Second,
	}, nil
}

// knownHostsCallback verifies host keys against known_hosts and records the
// key of a host seen for the first time.
func (e *Executor) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := e.cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, err
		}
	}
	validator, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := validator(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(line + "\n")
	return err
}
