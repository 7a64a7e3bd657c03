package template

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/glycerine/blake3"
	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/chunk"
)

var ErrExists = errors.New("template: already installed")

// Installer accepts deployments and unpacks them below its directory.
type Installer struct {
	dir     string
	channel string
	log     *zap.Logger
	done    func(name string, status chunk.Status)
}

// NewInstaller installs templates into dir/<name>.
func NewInstaller(dir string, log *zap.Logger) *Installer {
	return NewInstallerFor(TransferChannel, dir, log)
}

func NewInstallerFor(transferChannel, dir string, log *zap.Logger) *Installer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Installer{dir: dir, channel: transferChannel, log: log}
}

// OnInstalled sets a callback run once per accepted deployment.
func (i *Installer) OnInstalled(fn func(name string, status chunk.Status)) {
	i.done = fn
}

// Register makes r hand deployments to the installer.
func (i *Installer) Register(r *chunk.Receiver) {
	r.RegisterHandler(i.channel, i.accept)
}

func (i *Installer) accept(info chunk.SessionInfo) (chunk.Handler, error) {
	hdr, err := UnmarshalHeader(info.Extra())
	if err != nil {
		return chunk.Handler{}, err
	}
	if !filepath.IsLocal(hdr.Name) {
		return chunk.Handler{}, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
	}
	target := filepath.Join(i.dir, hdr.Name)
	if !hdr.Overwrite {
		if _, err := os.Stat(target); err == nil {
			return chunk.Handler{}, fmt.Errorf("%w: %s", ErrExists, hdr.Name)
		}
	}
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return chunk.Handler{}, err
	}
	f, err := os.CreateTemp(i.dir, ".deploy-*.tar.zst")
	if err != nil {
		return chunk.Handler{}, err
	}

	i.log.Info("receiving template", zap.String("template", hdr.Name), zap.Stringer("session", info.ID))
	sink := &archiveSink{f: f, hash: newHash(), hdr: hdr, target: target}
	return chunk.Handler{
		Sink: sink,
		Done: func(_ chunk.SessionInfo, status chunk.Status) {
			i.log.Info("template deployment received", zap.String("template", hdr.Name), zap.Stringer("status", status))
			if i.done != nil {
				i.done(hdr.Name, status)
			}
		},
	}, nil
}

// archiveSink buffers the archive in a temp file and installs it on Close.
type archiveSink struct {
	f      *os.File
	hash   *blake3.Hasher
	hdr    Header
	target string
}

func (s *archiveSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.hash.Write(p[:n])
	return n, err
}

// Close verifies the digest and swaps the extracted template into place.
func (s *archiveSink) Close() error {
	defer os.Remove(s.f.Name())
	defer s.f.Close()

	if !sameDigest(s.hash, s.hdr.Digest) {
		return ErrDigestMismatch
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.target), 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(filepath.Dir(s.target), ".extract-*")
	if err != nil {
		return err
	}
	if err := Extract(s.f, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if s.hdr.Overwrite {
		if err := os.RemoveAll(s.target); err != nil {
			os.RemoveAll(staging)
			return err
		}
	}
	if err := os.Rename(staging, s.target); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("template: install %s: %w", s.hdr.Name, err)
	}
	return nil
}

// Discard drops a partially received archive.
func (s *archiveSink) Discard() error {
	return errors.Join(s.f.Close(), os.Remove(s.f.Name()))
}
