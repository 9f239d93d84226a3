package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Mask replaces credentials wherever a clone URL is shown.
const Mask = "*****"

// FetchSpec describes one checkout.
type FetchSpec struct {
	URL    string
	Branch string
	Commit string
	Dir    string
}

// Fetcher produces a working tree at spec.Dir. Dir does not exist when Fetch
// is called.
type Fetcher interface {
	Fetch(ctx context.Context, spec FetchSpec, log *slog.Logger) error
}

// GitFetcher clones with go-git. Credentials are embedded into http(s) clone
// URLs and never logged.
type GitFetcher struct {
	Username string
	Password string
	Depth    int
}

func (f *GitFetcher) Fetch(ctx context.Context, spec FetchSpec, log *slog.Logger) error {
	cloneURL := WithCredentials(spec.URL, f.Username, f.Password)

	cmd := []string{"git", "clone", RedactURL(cloneURL)}
	if spec.Branch != "" {
		cmd = append(cmd, "--branch", spec.Branch, "--single-branch")
	}
	cmd = append(cmd, spec.Dir)
	log.Info("$ " + strings.Join(cmd, " "))

	progress := &progressLog{log: log}
	opts := &git.CloneOptions{
		URL:      cloneURL,
		Progress: progress,
		Depth:    f.Depth,
	}
	if spec.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(spec.Branch)
		opts.SingleBranch = true
	}
	if f.Username != "" && isHTTP(spec.URL) {
		opts.Auth = &githttp.BasicAuth{Username: f.Username, Password: f.Password}
	}

	repo, err := git.PlainCloneContext(ctx, spec.Dir, false, opts)
	progress.Flush()
	if err != nil {
		return f.scrub(fmt.Errorf("clone %s: %w", RedactURL(cloneURL), err))
	}

	if spec.Commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(spec.Commit)}); err != nil {
			return fmt.Errorf("checkout %s: %w", spec.Commit, err)
		}
	}

	if ref, err := repo.Head(); err == nil {
		log.Info("Repository cloned", "commit", ref.Hash().String())
	}
	return nil
}

var userinfoPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://)([^/?#@\s]+)@`)

// scrub masks the user info of every URL in err and any remaining occurrence
// of the password.
func (f *GitFetcher) scrub(err error) error {
	msg := scrubText(err.Error(), f.Password)
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}

func scrubText(s, password string) string {
	s = userinfoPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := userinfoPattern.FindStringSubmatch(m)
		mask := Mask
		if strings.Contains(sub[2], ":") {
			mask = Mask + ":" + Mask
		}
		return sub[1] + mask + "@"
	})
	if password == "" {
		return s
	}
	for _, p := range []string{password, url.PathEscape(password), url.QueryEscape(password)} {
		s = strings.ReplaceAll(s, p, Mask)
	}
	return s
}

func isHTTP(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// WithCredentials embeds username and password into an http(s) URL. Other
// URLs are returned unchanged.
func WithCredentials(raw, username, password string) string {
	if username == "" || !isHTTP(raw) {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = url.UserPassword(username, password)
	return u.String()
}

// RedactURL masks the user info of a URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	mask := Mask
	if _, hasPassword := u.User.Password(); hasPassword {
		mask = Mask + ":" + Mask
	}
	// Built by hand: url.Userinfo would percent-encode the mask.
	u.User = nil
	prefix := u.Scheme + "://"
	return prefix + mask + "@" + strings.TrimPrefix(u.String(), prefix)
}

// progressLog turns go-git sideband progress into debug records, one per
// line. Carriage returns end a line as well.
type progressLog struct {
	mu  sync.Mutex
	log *slog.Logger
	buf bytes.Buffer
}

func (p *progressLog) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range b {
		if c == '\n' || c == '\r' {
			p.flush()
			continue
		}
		p.buf.WriteByte(c)
	}
	return len(b), nil
}

// Flush emits a trailing line that was not terminated.
func (p *progressLog) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flush()
}

func (p *progressLog) flush() {
	if p.buf.Len() == 0 {
		return
	}
	p.log.Debug(p.buf.String())
	p.buf.Reset()
}
