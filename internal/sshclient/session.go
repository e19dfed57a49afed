// Package sshclient adapts golang.org/x/crypto/ssh and github.com/pkg/sftp
// to the non-blocking channel.Session contract.
package sshclient

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

var log = slog.With("component", "sshclient")

// Config describes one remote host.
type Config struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	// KnownHosts enables host key checking against an OpenSSH known_hosts file.
	KnownHosts string
	Timeout    time.Duration
	// Password answers password and keyboard-interactive prompts.
	Password func(prompt string) (string, error)
}

func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) String() string {
	if c.User == "" {
		return c.Addr()
	}
	return c.User + "@" + c.Addr()
}

// ClientConfig builds the x/crypto/ssh configuration for c.
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.IdentityFile != "" {
		key, err := os.ReadFile(c.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", c.IdentityFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != nil {
		prompt := c.Password
		auth = append(auth,
			ssh.PasswordCallback(func() (string, error) {
				return prompt(fmt.Sprintf("%s's password: ", c.String()))
			}),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					a, err := prompt(q)
					if err != nil {
						return nil, err
					}
					answers[i] = a
				}
				return answers, nil
			}),
		)
	}

	hostKey := func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		log.Warn("host key not verified", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Session is a channel.Session over one SSH client connection.
type Session struct {
	cfg   Config
	sock  *socket
	slots *slots

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

func New(cfg Config) *Session {
	sock := &socket{}
	return &Session{cfg: cfg, sock: sock, slots: newSlots(sock)}
}

func (s *Session) Socket() channel.Socket { return s.sock }

// BlockDirections is always inbound: every pending call completes by
// signalling the socket.
func (s *Session) BlockDirections() channel.Direction { return channel.Inbound }

func (s *Session) Handshake() error {
	v, err := s.slots.do("handshake", func() (any, error) {
		cc, err := s.cfg.ClientConfig()
		if err != nil {
			return nil, err
		}
		return ssh.Dial("tcp", s.cfg.Addr(), cc)
	})
	if err != nil {
		return mapError(err)
	}
	s.mu.Lock()
	s.client = v.(*ssh.Client)
	s.mu.Unlock()
	log.Info("connected", "host", s.cfg.String())
	return nil
}

func (s *Session) conn() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, &channel.Error{Code: -1, Message: "not connected"}
	}
	return s.client, nil
}

func (s *Session) OpenChannel() (channel.Channel, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	v, err := s.slots.do("channel", func() (any, error) { return client.NewSession() })
	if err != nil {
		return nil, mapError(err)
	}
	return newExecChannel(v.(*ssh.Session), s.sock), nil
}

func (s *Session) OpenSFTP() (channel.SFTP, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	v, err := s.slots.do("sftp", func() (any, error) { return sftp.NewClient(client) })
	if err != nil {
		return nil, mapError(err)
	}
	sc := v.(*sftp.Client)
	s.mu.Lock()
	s.sftp = sc
	s.mu.Unlock()
	return &sftpSession{client: sc, slots: s.slots}, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// mapError gives errors the codes the remote queue inspects.
func mapError(err error) error {
	if err == nil || errors.Is(err, channel.ErrWouldBlock) {
		return err
	}
	var ce *channel.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &channel.Error{Code: 2, Message: "No such file or directory"}
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return &channel.Error{Code: int(se.Code), Message: se.Error()}
	}
	return &channel.Error{Code: -1, Message: err.Error()}
}

// execChannel pumps a session's output into buffers the engine polls.
type execChannel struct {
	sess  *ssh.Session
	sock  *socket
	slots *slots

	mu        sync.Mutex
	stdout    []byte
	stderr    []byte
	stdoutEOF bool
	stderrEOF bool

	exitStatus int
	exitSignal string
}

func newExecChannel(sess *ssh.Session, sock *socket) *execChannel {
	return &execChannel{sess: sess, sock: sock, slots: newSlots(sock)}
}

func (c *execChannel) Exec(command string) error {
	stdout, err := c.sess.StdoutPipe()
	if err != nil {
		return mapError(err)
	}
	stderr, err := c.sess.StderrPipe()
	if err != nil {
		return mapError(err)
	}
	if err := c.sess.Start(command); err != nil {
		return mapError(err)
	}
	go c.pump(stdout, &c.stdout, &c.stdoutEOF)
	go c.pump(stderr, &c.stderr, &c.stderrEOF)
	return nil
}

func (c *execChannel) pump(r io.Reader, buf *[]byte, eof *bool) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		c.mu.Lock()
		*buf = append(*buf, chunk[:n]...)
		if err != nil {
			*eof = true
		}
		c.mu.Unlock()
		c.sock.signal()
		if err != nil {
			return
		}
	}
}

func (c *execChannel) read(p []byte, buf *[]byte, eof bool) (int, error) {
	if len(*buf) > 0 {
		n := copy(p, *buf)
		*buf = (*buf)[n:]
		return n, nil
	}
	if eof {
		return 0, io.EOF
	}
	return 0, channel.ErrWouldBlock
}

func (c *execChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(p, &c.stdout, c.stdoutEOF)
}

func (c *execChannel) ReadStderr(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(p, &c.stderr, c.stderrEOF)
}

func (c *execChannel) Close() error {
	_, err := c.slots.do("wait", func() (any, error) {
		err := c.sess.Wait()
		c.sess.Close()

		var ee *ssh.ExitError
		switch {
		case errors.As(err, &ee):
			c.mu.Lock()
			c.exitStatus = ee.ExitStatus()
			c.exitSignal = ee.Signal()
			c.mu.Unlock()
			return nil, nil
		case err != nil:
			return nil, err
		}
		return nil, nil
	})
	return mapError(err)
}

func (c *execChannel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus
}

func (c *execChannel) ExitSignal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitSignal
}

type sftpSession struct {
	client *sftp.Client
	slots  *slots
}

func (s *sftpSession) Open(path string, flag int, perm os.FileMode) (channel.File, error) {
	v, err := s.slots.do("open:"+path, func() (any, error) {
		f, err := s.client.OpenFile(path, flag)
		if err != nil {
			return nil, err
		}
		if flag&os.O_CREATE != 0 && perm != 0 {
			if err := f.Chmod(perm); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &remoteFile{f: v.(*sftp.File), slots: newSlots(s.slots.sock)}, nil
}

func (s *sftpSession) OpenDir(path string) (channel.Dir, error) {
	v, err := s.slots.do("opendir:"+path, func() (any, error) {
		return s.client.ReadDir(path)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &remoteDir{entries: v.([]os.FileInfo)}, nil
}

func (s *sftpSession) Mkdir(path string, perm os.FileMode) error {
	_, err := s.slots.do("mkdir:"+path, func() (any, error) {
		if fi, err := s.client.Stat(path); err == nil && fi.IsDir() {
			return nil, nil
		}
		if err := s.client.Mkdir(path); err != nil {
			return nil, err
		}
		return nil, s.client.Chmod(path, perm)
	})
	return mapError(err)
}

func (s *sftpSession) Rmdir(path string) error {
	_, err := s.slots.do("rmdir:"+path, func() (any, error) {
		return nil, s.client.RemoveDirectory(path)
	})
	return mapError(err)
}

type remoteFile struct {
	f     *sftp.File
	slots *slots
}

type readResult struct {
	data []byte
	eof  bool
}

func (r *remoteFile) Read(p []byte) (int, error) {
	size := len(p)
	v, err := r.slots.do("read", func() (any, error) {
		buf := make([]byte, size)
		n, err := r.f.Read(buf)
		if errors.Is(err, io.EOF) {
			return readResult{data: buf[:n], eof: n == 0}, nil
		}
		return readResult{data: buf[:n]}, err
	})
	if err != nil {
		return 0, mapError(err)
	}
	res := v.(readResult)
	if res.eof {
		return 0, io.EOF
	}
	return copy(p, res.data), nil
}

func (r *remoteFile) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	v, err := r.slots.do("write", func() (any, error) {
		return r.f.Write(data)
	})
	if err != nil {
		return 0, mapError(err)
	}
	return v.(int), nil
}

func (r *remoteFile) Close() error {
	_, err := r.slots.do("close", func() (any, error) { return nil, r.f.Close() })
	return mapError(err)
}

type remoteDir struct {
	entries []os.FileInfo
	i       int
}

func (d *remoteDir) Next() (os.FileInfo, error) {
	if d.i >= len(d.entries) {
		return nil, io.EOF
	}
	fi := d.entries[d.i]
	d.i++
	return fi, nil
}

func (d *remoteDir) Close() error { return nil }

var _ channel.Session = (*Session)(nil)
