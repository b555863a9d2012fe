package shell

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Terminal is an interactive PTY session
type Terminal interface {
	io.Writer
	// Output yields stdout and stderr; it returns io.EOF when the session ends
	Output() io.Reader
	Resize(rows, cols int) error
	Close() error
}

// Dialer opens terminals on instances
type Dialer interface {
	Dial(ctx context.Context, host, username string, rows, cols int) (Terminal, error)
}

// SSHDialer opens PTY shells over SSH with the platform credentials
type SSHDialer struct {
	port    int
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
	timeout time.Duration
}

// NewSSHDialer builds a dialer from SSH_* settings
func NewSSHDialer(cfg config.SSHConfig) (*SSHDialer, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Printf("[Shell] SSH_KNOWN_HOSTS not set, host keys are not verified")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &SSHDialer{port: port, auth: auth, hostKey: hostKey, timeout: timeout}, nil
}

// Dial connects to host as username and starts a shell on a PTY
func (d *SSHDialer) Dial(ctx context.Context, host, username string, rows, cols int) (Terminal, error) {
	if !usernameRe.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(d.port))
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	// 握手也受超时约束
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            username,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sc, chans, reqs)

	term, err := startShell(client, rows, cols)
	if err != nil {
		client.Close()
		return nil, err
	}
	return term, nil
}

type sshTerminal struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	out     *io.PipeReader
}

func startShell(client *ssh.Client, rows, cols int) (*sshTerminal, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	go func() {
		err := session.Wait()
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()

	return &sshTerminal{client: client, session: session, stdin: stdin, out: pr}, nil
}

func (t *sshTerminal) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *sshTerminal) Output() io.Reader {
	return t.out
}

func (t *sshTerminal) Resize(rows, cols int) error {
	return t.session.WindowChange(rows, cols)
}

func (t *sshTerminal) Close() error {
	t.session.Close()
	t.out.Close()
	return t.client.Close()
}
