package sources

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

const defaultSFTPPort = 22

// remoteFS is the part of an sftp session the source needs
type remoteFS interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// dialer opens a remote session
type dialer func(ctx context.Context, config models.SFTPConfig, timeout time.Duration, log logger.Logger) (remoteFS, error)

// SFTPSource polls a directory on an sftp server
type SFTPSource struct {
	base
	config  models.SFTPConfig
	timeout time.Duration
	dial    dialer
}

// NewSFTPSource creates an sftp source
func NewSFTPSource(config models.SFTPConfig, opts Options) (*SFTPSource, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source.sftp", config.Host, err)
	}
	if config.Port == 0 {
		config.Port = defaultSFTPPort
	}
	b := newBase(models.SourceSFTP, opts)
	b.mtimeResolution = time.Second
	return &SFTPSource{
		base:    b,
		config:  config,
		timeout: 30 * time.Second,
		dial:    dialSFTP,
	}, nil
}

// NewSFTPSourceFromConfig is the registry factory for sftp
func NewSFTPSourceFromConfig(config models.SourceConfig, opts Options) (Source, error) {
	if config.SFTP == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "source.sftp", nil, nil)
	}
	return NewSFTPSource(*config.SFTP, opts)
}

func (s *SFTPSource) target() string {
	return fmt.Sprintf("%s:%d%s", s.config.Host, s.config.Port, s.config.RemotePath)
}

// Poll lists the remote directory and downloads every supported file
// modified after since. Any failure aborts the whole poll.
func (s *SFTPSource) Poll(ctx context.Context, since *time.Time) ([]ReceivedFile, error) {
	fs, err := s.dial(ctx, s.config, s.timeout, s.logger)
	if err != nil {
		s.logger.WithError(err).Error("Failed to connect to sftp server")
		return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}
	defer fs.Close()

	entries, err := fs.ReadDir(s.config.RemotePath)
	if err != nil {
		return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}

	staging, err := s.opts.stagingPath()
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "staging", err)
	}

	var files []ReceivedFile
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), ctx.Err())
		}
		if entry.IsDir() || !s.accept(entry.Name(), entry.ModTime(), since) {
			continue
		}

		remote := path.Join(s.config.RemotePath, entry.Name())
		local, size, err := s.download(fs, staging, remote, entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("remote_path", remote).Error("Failed to download file")
			return nil, errors.SourceError(errors.CodeDownloadFailed, string(s.sourceType), remote, err)
		}

		files = append(files, ReceivedFile{
			Name:       entry.Name(),
			Size:       size,
			ReceivedAt: entry.ModTime(),
			RemotePath: remote,
			LocalPath:  local,
			SourceType: s.sourceType,
		})
	}

	SortByReceivedAt(files)

	s.logger.WithFields(logger.Fields{
		"remote_path": s.config.RemotePath,
		"files":       len(files),
	}).Info("Polled sftp directory")

	return files, nil
}

func (s *SFTPSource) download(fs remoteFS, staging, remote, name string) (string, int64, error) {
	r, err := fs.Open(remote)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()
	return stageFile(staging, name, r)
}

// TestConnection opens a session and lists the remote directory
func (s *SFTPSource) TestConnection(ctx context.Context) error {
	fs, err := s.dial(ctx, s.config, s.timeout, s.logger)
	if err != nil {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}
	defer fs.Close()

	if _, err := fs.ReadDir(s.config.RemotePath); err != nil {
		return errors.SourceError(errors.CodeSourceUnavailable, string(s.sourceType), s.target(), err)
	}
	return nil
}

// DiscoverSchema previews the newest remote file
func (s *SFTPSource) DiscoverSchema(ctx context.Context) (*Schema, error) {
	return s.discover(ctx, s)
}

// sftpSession adapts an sftp client and its ssh connection to remoteFS
type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) ReadDir(p string) ([]os.FileInfo, error) {
	return s.sftp.ReadDir(p)
}

func (s *sftpSession) Open(p string) (io.ReadCloser, error) {
	return s.sftp.Open(p)
}

func (s *sftpSession) Close() error {
	sftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

func dialSFTP(ctx context.Context, config models.SFTPConfig, timeout time.Duration, log logger.Logger) (remoteFS, error) {
	auth, err := authMethods(config)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(config, log)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	clientConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	return &sftpSession{ssh: client, sftp: sc}, nil
}

func authMethods(config models.SFTPConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if config.PrivateKeyPath != "" {
		key, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		methods = append(methods, ssh.Password(config.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no sftp credential configured")
	}
	return methods, nil
}

func hostKeyCallback(config models.SFTPConfig, log logger.Logger) (ssh.HostKeyCallback, error) {
	if config.KnownHostsPath == "" {
		log.WithField("host", config.Host).Warn("No known_hosts file configured, sftp host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(config.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}
