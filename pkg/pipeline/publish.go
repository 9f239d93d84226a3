package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Publisher stores a built artifact under a path relative to its root and
// returns where it ended up.
type Publisher interface {
	Publish(ctx context.Context, src, rel string) (string, error)
}

// ArtifactPath is the output-root relative location of an artifact:
// {project}/{branch}/{project}-{variant}-v{version}-{buildNumber}{ext}.
func ArtifactPath(project, branch string, variant Variant, v Version, buildNumber int, ext string) string {
	name := fmt.Sprintf("%s-%s-v%s-%d%s", project, variant.Name, v.String(), buildNumber, ext)
	return path.Join(project, branch, name)
}

// LocalPublisher copies artifacts below Root.
type LocalPublisher struct {
	Root string
}

func (p LocalPublisher) Publish(_ context.Context, src, rel string) (string, error) {
	dst := filepath.Join(p.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("move artifact: %w", err)
	}
	return dst, nil
}

// SFTPDialer opens an SFTP session. The returned func releases it.
type SFTPDialer func(ctx context.Context) (*sftp.Client, func() error, error)

// SFTPPublisher mirrors artifacts to a remote host.
type SFTPPublisher struct {
	Dial SFTPDialer
	Root string
}

func (p SFTPPublisher) Publish(ctx context.Context, src, rel string) (string, error) {
	client, release, err := p.Dial(ctx)
	if err != nil {
		return "", fmt.Errorf("sftp connect: %w", err)
	}
	defer release()

	remote := path.Join(p.Root, rel)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return "", fmt.Errorf("create remote dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := client.Create(remote)
	if err != nil {
		return "", fmt.Errorf("create remote file: %w", err)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close remote file: %w", err)
	}
	return remote, nil
}

// SSHOptions configure DialSSH.
type SSHOptions struct {
	Addr           string
	User           string
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
}

// DialSSH returns an SFTPDialer that connects over SSH.
func DialSSH(opts SSHOptions) (SFTPDialer, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(opts.PrivateKeyPath); keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh authentication method configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	return func(ctx context.Context) (*sftp.Client, func() error, error) {
		conn, err := ssh.Dial("tcp", opts.Addr, config)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh dial failed: %w", err)
		}
		client, err := sftp.NewClient(conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("start sftp: %w", err)
		}
		return client, func() error {
			client.Close()
			return conn.Close()
		}, nil
	}, nil
}
