package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/classifier-api/internal/metrics"
	"github.com/Brownie44l1/classifier-api/internal/remote"
)

// Artifact is a remote file that must exist at Path before the service can
// start. SHA256, when set, is the expected hex digest of its content.
type Artifact struct {
	URL    string
	Path   string
	SHA256 string
}

const sidecarExt = ".sha256"

type Provisioner struct {
	client     *remote.Client
	group      singleflight.Group
	maxRetries uint64
	progress   bool
	newBackOff func() backoff.BackOff
}

type Option func(*Provisioner)

func WithMaxRetries(n uint64) Option {
	return func(p *Provisioner) { p.maxRetries = n }
}

// WithProgress draws a progress bar on stderr while downloading, if stderr
// is a terminal.
func WithProgress(enabled bool) Option {
	return func(p *Provisioner) { p.progress = enabled }
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *Provisioner) { p.newBackOff = f }
}

func NewProvisioner(client *remote.Client, opts ...Option) *Provisioner {
	p := &Provisioner{
		client:     client,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure makes sure the artifact is present at a.Path. An existing file that
// passes the content check is reused without touching the network; otherwise
// the artifact is downloaded once and moved into place atomically.
// Concurrent calls for the same path share a single download.
func (p *Provisioner) Ensure(ctx context.Context, a Artifact) error {
	_, err, _ := p.group.Do(a.Path, func() (interface{}, error) {
		return nil, p.ensure(ctx, a)
	})
	return err
}

func (p *Provisioner) ensure(ctx context.Context, a Artifact) error {
	logger := log.WithFields(log.Fields{"path": a.Path})

	ok, err := p.reusable(a)
	if err != nil {
		metrics.RecordArtifactFetch("error")
		return &FetchError{Op: "stat", URL: a.URL, Path: a.Path, Err: err}
	}
	if ok {
		metrics.RecordArtifactFetch("cached")
		logger.Info("artifact present, skipping download")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		metrics.RecordArtifactFetch("error")
		return &FetchError{Op: "write", URL: a.URL, Path: a.Path, Err: err}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := p.download(ctx, a)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("artifact download failed, retrying")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxRetries), ctx)
	start := time.Now()
	if err := backoff.Retry(op, b); err != nil {
		metrics.RecordArtifactFetch("error")
		var fe *FetchError
		if errors.As(err, &fe) {
			return fe
		}
		return &FetchError{Op: "download", URL: a.URL, Path: a.Path, Err: err}
	}

	metrics.RecordArtifactFetch("downloaded")
	logger.WithFields(log.Fields{
		"attempts":   attempt,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("artifact downloaded")
	return nil
}

func retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Op == "write" {
			return false
		}
		if fe.StatusCode != 0 {
			return fe.StatusCode >= 500 || fe.StatusCode == http.StatusTooManyRequests
		}
	}
	return !errors.Is(err, remote.ErrInvalidURL)
}

// reusable reports whether the file at a.Path can be used as-is. A file whose
// digest disagrees with the expected one (or with the sidecar recorded at
// download time) is removed so it will be fetched again.
func (p *Provisioner) reusable(a Artifact) (bool, error) {
	info, err := os.Stat(a.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", a.Path)
	}

	got, err := fileSHA256(a.Path)
	if err != nil {
		return false, err
	}

	want := strings.ToLower(a.SHA256)
	if want == "" {
		want, err = readSidecar(a.Path)
		if errors.Is(err, fs.ErrNotExist) {
			// Pre-seeded file with nothing to compare against: trust it and
			// record its digest so later corruption is caught.
			writeSidecar(a.Path, got)
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}

	if got == want {
		return true, nil
	}

	log.WithFields(log.Fields{
		"path": a.Path,
		"want": want,
		"got":  got,
	}).Warn("artifact checksum mismatch, discarding local copy")
	if err := os.Remove(a.Path); err != nil {
		return false, err
	}
	os.Remove(a.Path + sidecarExt)
	return false, nil
}

func (p *Provisioner) download(ctx context.Context, a Artifact) (err error) {
	resp, err := p.client.Open(ctx, a.URL)
	if err != nil {
		fe := &FetchError{Op: "download", URL: a.URL, Path: a.Path, Err: err}
		var se *remote.StatusError
		if errors.As(err, &se) {
			fe.StatusCode = se.StatusCode
		}
		return fe
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(a.Path), "."+filepath.Base(a.Path)+".*.part")
	if err != nil {
		return &FetchError{Op: "write", URL: a.URL, Path: a.Path, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var body io.Reader = resp.Body
	if p.progress && isatty.IsTerminal(os.Stderr.Fd()) {
		bar := pb.Full.Start64(max(resp.ContentLength, 0))
		bar.Set(pb.Bytes, true)
		body = bar.NewProxyReader(body)
		defer bar.Finish()
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		return &FetchError{Op: "download", URL: a.URL, Path: a.Path, Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return &FetchError{Op: "download", URL: a.URL, Path: a.Path,
			Err: fmt.Errorf("got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)}
	}
	if err = tmp.Sync(); err != nil {
		return &FetchError{Op: "write", URL: a.URL, Path: a.Path, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &FetchError{Op: "write", URL: a.URL, Path: a.Path, Err: err}
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if a.SHA256 != "" && !strings.EqualFold(sum, a.SHA256) {
		return &FetchError{Op: "verify", URL: a.URL, Path: a.Path,
			Err: fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, strings.ToLower(a.SHA256))}
	}

	if err = os.Rename(tmp.Name(), a.Path); err != nil {
		return &FetchError{Op: "write", URL: a.URL, Path: a.Path, Err: err}
	}
	writeSidecar(a.Path, sum)
	metrics.AddArtifactBytes(n)
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readSidecar(path string) (string, error) {
	b, err := os.ReadFile(path + sidecarExt)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", path+sidecarExt)
	}
	return strings.ToLower(fields[0]), nil
}

// writeSidecar stores the digest in sha256sum format. Failure only costs the
// next start a fresh comparison, so it is logged and ignored.
func writeSidecar(path, sum string) {
	line := sum + "  " + filepath.Base(path) + "\n"
	if err := os.WriteFile(path+sidecarExt, []byte(line), 0o644); err != nil {
		log.WithError(err).WithField("path", path).Warn("could not record artifact checksum")
	}
}
