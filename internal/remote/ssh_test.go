package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/loykin/stationd/internal/process"
)

// startSSHServer runs an in-process SSH server that executes "exec"
// requests with /bin/sh and accepts user "station" / password "secret".
func startSSHServer(t *testing.T) (host string, port int, hostKey ssh.PublicKey) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "station" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(c, cfg)
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port, signer.PublicKey()
}

func serveSSH(c net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer func() { _ = ch.Close() }()
			for req := range creqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				cmd := exec.Command("/bin/sh", "-c", payload.Command)
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				code := 0
				if err := cmd.Run(); err != nil {
					var ee *exec.ExitError
					if errors.As(err, &ee) {
						code = ee.ExitCode()
					} else {
						code = 127
					}
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			}
		}()
	}
}

func TestExecutorRunsRemoteCommands(t *testing.T) {
	host, port, key := startSSHServer(t)
	ex := NewExecutor(Config{Address: host, Port: port, Username: "station", Password: "secret"})
	ex.HostKeyCallback = ssh.FixedHostKey(key)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "tracker_event_1")
	if err := ex.MkdirAll(ctx, dir); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	res, err := ex.Run(ctx, process.Spec{
		Name:    "writer",
		Program: "sh",
		Args:    []string{"-c", "printf \"$GREETING\" > out.txt"},
		Env:     []string{"GREETING=hi there"},
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(b) != "hi there" {
		t.Fatalf("remote command output %q %v", b, err)
	}
	if err := ex.Remove(ctx, filepath.Join(dir, "out.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); !os.IsNotExist(err) {
		t.Fatalf("file not removed: %v", err)
	}

	_, err = ex.Run(ctx, process.Spec{Name: "fail", Command: "echo nope 1>&2; exit 4"})
	if !errors.Is(err, process.ErrExitStatus) || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected exit status error with stderr, got %v", err)
	}
}

func TestExecutorRecordsUnknownHostKey(t *testing.T) {
	host, port, _ := startSSHServer(t)
	known := filepath.Join(t.TempDir(), "known_hosts")
	ex := NewExecutor(Config{Address: host, Port: port, Username: "station", Password: "secret", KnownHosts: known})
	if _, err := ex.Run(context.Background(), process.Spec{Name: "true", Command: "true"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := os.ReadFile(known)
	if err != nil || !strings.Contains(string(b), "ssh-ed25519") {
		t.Fatalf("host key not recorded: %q %v", b, err)
	}
	if _, err := ex.Run(context.Background(), process.Spec{Name: "true", Command: "true"}); err != nil {
		t.Fatalf("second run against recorded key: %v", err)
	}
}

func TestExecutorRejectsBadCredentials(t *testing.T) {
	host, port, key := startSSHServer(t)
	ex := NewExecutor(Config{Address: host, Port: port, Username: "station", Password: "wrong"})
	ex.HostKeyCallback = ssh.FixedHostKey(key)
	if _, err := ex.Run(context.Background(), process.Spec{Name: "x", Command: "true"}); err == nil {
		t.Fatalf("expected handshake failure")
	}
	if _, err := NewExecutor(Config{Address: host}).clientConfig(); err == nil {
		t.Fatalf("expected error without username")
	}
}

func TestRemoteCommandQuoting(t *testing.T) {
	got := remoteCommand(process.Spec{Name: "x", Program: "airspy_rx", Args: []string{"-r", "a b.wav"}, WorkDir: "/tmp/w'x"})
	want := `cd '/tmp/w'\''x' && airspy_rx -r 'a b.wav'`
	if got != want {
		t.Fatalf("remoteCommand = %q, want %q", got, want)
	}
}
