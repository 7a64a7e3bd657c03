package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/glycerine/blake3"
	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/buffer"
	"github.com/CloudNetService/CloudNet-sub027/chunk"
	"github.com/CloudNetService/CloudNet-sub027/future"
)

// Transfer channels of the two kinds of deployments.
const (
	TransferChannel       = "deploy_service_template"
	StaticTransferChannel = "deploy_static_service"
)

var ErrDigestMismatch = errors.New("template: archive digest mismatch")

// Header is the extra data of a deployment session.
type Header struct {
	Name      string
	Overwrite bool
	Digest    []byte // blake3 of the compressed archive
}

func (h Header) Marshal() []byte {
	return buffer.New(len(h.Name)+len(h.Digest)+8).
		WriteString(h.Name).
		WriteBool(h.Overwrite).
		WriteBytes(h.Digest).
		Bytes()
}

func UnmarshalHeader(b *buffer.Buffer) (Header, error) {
	var h Header
	var err error
	if h.Name, err = b.ReadString(); err != nil {
		return h, fmt.Errorf("template: header name: %w", err)
	}
	if h.Overwrite, err = b.ReadBool(); err != nil {
		return h, fmt.Errorf("template: header overwrite: %w", err)
	}
	if h.Digest, err = b.ReadBytes(); err != nil {
		return h, fmt.Errorf("template: header digest: %w", err)
	}
	return h, nil
}

func newHash() *blake3.Hasher { return blake3.New(64, nil) }

// Deployer pushes template directories to other nodes.
type Deployer struct {
	channel string
	opts    []chunk.SenderOption
	log     *zap.Logger
}

// NewDeployer creates a deployer for the template transfer channel. opts
// tune the underlying chunk sender (chunk size, rate limit).
func NewDeployer(log *zap.Logger, opts ...chunk.SenderOption) *Deployer {
	return NewDeployerFor(TransferChannel, log, opts...)
}

// NewDeployerFor creates a deployer sending on transferChannel.
func NewDeployerFor(transferChannel string, log *zap.Logger, opts ...chunk.SenderOption) *Deployer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deployer{channel: transferChannel, opts: opts, log: log}
}

// Deploy archives dir and streams it to every destination, which installs
// it under name. Without destinations there is nothing to do and the
// deployment succeeds. The archive is staged in a temporary file that is
// removed once the transfer completes.
func (d *Deployer) Deploy(ctx context.Context, name, dir string, overwrite bool, destinations ...chunk.Destination) *future.Future[chunk.Status] {
	if len(destinations) == 0 {
		return future.Completed(chunk.Success)
	}
	log := d.log.With(zap.String("template", name))

	staged, digest, err := stage(dir)
	if err != nil {
		log.Warn("cannot archive template", zap.String("dir", dir), zap.Error(err))
		return future.Completed(chunk.Failure)
	}

	hdr := Header{Name: name, Overwrite: overwrite, Digest: digest}
	sender := chunk.NewSender(append(append([]chunk.SenderOption(nil), d.opts...),
		chunk.WithTransferChannel(d.channel),
		chunk.WithExtraData(hdr.Marshal()),
		chunk.WithSenderLogger(d.log),
	)...)

	result := sender.Send(ctx, staged, destinations...)
	result.Then(func(status chunk.Status, _ error) {
		staged.Close()
		os.Remove(staged.Name())
		log.Info("template deployment finished", zap.Stringer("status", status), zap.Int("destinations", len(destinations)))
	})
	return result
}

// stage writes the archive of dir into a temporary file and returns it
// rewound, together with its digest.
func stage(dir string) (*os.File, []byte, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, nil, err
	}
	f, err := os.CreateTemp("", "template-*.tar.zst")
	if err != nil {
		return nil, nil, err
	}
	h := newHash()
	if err := Archive(dir, io.MultiWriter(f, h)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, err
	}
	return f, h.Sum(nil), nil
}

func sameDigest(h *blake3.Hasher, want []byte) bool {
	return bytes.Equal(h.Sum(nil), want)
}
