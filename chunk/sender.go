package chunk

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

// Destination is a connection chunks are mirrored to; *transport.Channel
// is one.
type Destination interface {
	SendPacket(p *protocol.Packet) error
	SendQuery(p *protocol.Packet) (*future.Future[*protocol.Packet], error)
}

type Sender struct {
	transferChannel string
	extra           []byte
	chunkSize       int32
	limiter         *rate.Limiter
	log             *zap.Logger
}

type SenderOption func(*Sender)

// WithTransferChannel names the handler the receivers should pick.
func WithTransferChannel(name string) SenderOption {
	return func(s *Sender) { s.transferChannel = name }
}

// WithExtraData attaches application metadata to the session, e.g. the
// target file name.
func WithExtraData(extra []byte) SenderOption {
	return func(s *Sender) { s.extra = extra }
}

func WithChunkSize(size int32) SenderOption {
	return func(s *Sender) { s.chunkSize = size }
}

// WithRateLimit paces chunk emission to bytesPerSecond; zero means
// unlimited.
func WithRateLimit(bytesPerSecond int) SenderOption {
	return func(s *Sender) {
		if bytesPerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

func WithSenderLogger(log *zap.Logger) SenderOption {
	return func(s *Sender) { s.log = log }
}

func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{chunkSize: DefaultChunkSize, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter != nil && s.limiter.Burst() < int(s.chunkSize) {
		s.limiter.SetBurst(int(s.chunkSize))
	}
	return s
}

// Send streams src to every destination in its own session and returns the
// overall status: Success only if every destination accepted the session and
// stored the whole stream. Destinations that refuse the session fail the
// transfer, the others still receive it. The future completes exactly once
// and never fails. A transfer without destinations succeeds immediately.
func (s *Sender) Send(ctx context.Context, src io.Reader, destinations ...Destination) *future.Future[Status] {
	if len(destinations) == 0 {
		return future.Completed(Success)
	}
	info := SessionInfo{
		ID:              uuid.New(),
		TransferChannel: s.transferChannel,
		ChunkSize:       s.chunkSize,
		ExtraData:       s.extra,
	}
	result := future.New[Status]()
	if err := info.validate(); err != nil {
		s.log.Warn("refusing chunk transfer", zap.Error(err))
		result.Complete(Failure)
		return result
	}
	go func() {
		result.Complete(s.transfer(ctx, info, src, destinations))
	}()
	return result
}

func (s *Sender) transfer(ctx context.Context, info SessionInfo, src io.Reader, destinations []Destination) Status {
	log := s.log.With(zap.Stringer("session", info.ID), zap.String("transfer_channel", info.TransferChannel))

	open, err := s.open(ctx, info, destinations)
	if err != nil {
		log.Warn("chunk session open failed", zap.Error(err))
		s.abort(info, destinations)
		return Failure
	}
	if len(open) == 0 {
		log.Warn("no destination accepted the chunk session")
		return Failure
	}
	status := s.stream(ctx, log, info, src, open)
	if rejected := len(destinations) - len(open); rejected > 0 {
		log.Warn("chunk session refused by some destinations", zap.Int("rejected", rejected),
			zap.Int("destinations", len(destinations)))
		return Failure
	}
	return status
}

func (s *Sender) stream(ctx context.Context, log *zap.Logger, info SessionInfo, src io.Reader, open []Destination) Status {

	buf := make([]byte, info.ChunkSize)
	for seq := int32(0); ; seq++ {
		n, err := io.ReadFull(src, buf)
		final := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !final {
			log.Warn("aborting chunk transfer, source read failed", zap.Error(err))
			s.abort(info, open)
			return Failure
		}
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, n); err != nil {
				log.Warn("aborting chunk transfer", zap.Error(err))
				s.abort(info, open)
				return Failure
			}
		}

		c := Chunk{Session: info.ID, Seq: seq, Final: final, Payload: buf[:n]}
		if final {
			return s.finish(ctx, log, c, open)
		}
		body := c.Marshal()
		for _, d := range open {
			if err := d.SendPacket(protocol.NewPacket(protocol.ChannelChunkTransfer, body)); err != nil {
				log.Warn("chunk destination failed", zap.Error(err))
				s.abort(info, open)
				return Failure
			}
		}
	}
}

// open announces the session to every destination and returns the ones that
// accepted it. A destination the open could not be delivered to counts as
// refusing.
func (s *Sender) open(ctx context.Context, info SessionInfo, destinations []Destination) ([]Destination, error) {
	body := control{op: opOpen, info: info}.marshal()
	accepted := make([]bool, len(destinations))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range destinations {
		g.Go(func() error {
			f, err := d.SendQuery(protocol.NewPacket(protocol.ChannelChunkSession, body))
			if err != nil {
				s.log.Debug("chunk session open not delivered", zap.Error(err))
				return nil
			}
			resp, err := f.Get(gctx)
			if err != nil {
				return err
			}
			accepted[i] = statusOf(resp) == Success
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var open []Destination
	for i, d := range destinations {
		if accepted[i] {
			open = append(open, d)
		}
	}
	return open, nil
}

// finish sends the final chunk as a query to every destination and collects
// their verdicts.
func (s *Sender) finish(ctx context.Context, log *zap.Logger, c Chunk, open []Destination) Status {
	body := c.Marshal()
	var mu sync.Mutex
	status := Success

	var g errgroup.Group
	for _, d := range open {
		g.Go(func() error {
			got := Failure
			if f, err := d.SendQuery(protocol.NewPacket(protocol.ChannelChunkTransfer, body)); err == nil {
				if resp, err := f.Get(ctx); err == nil {
					got = statusOf(resp)
				}
			}
			if got != Success {
				mu.Lock()
				status = Failure
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if status != Success {
		log.Warn("chunk transfer failed on at least one destination", zap.Int("destinations", len(open)))
	}
	return status
}

func (s *Sender) abort(info SessionInfo, destinations []Destination) {
	body := control{op: opAbort, info: info}.marshal()
	for _, d := range destinations {
		if err := d.SendPacket(protocol.NewPacket(protocol.ChannelChunkSession, body)); err != nil {
			s.log.Debug("cannot send chunk session abort", zap.Stringer("session", info.ID), zap.Error(err))
		}
	}
}
