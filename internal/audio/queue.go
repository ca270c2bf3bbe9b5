package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/observability"
)

// DefaultQueueCapacity is the number of chunks the outbound queue holds
// before Append applies backpressure.
const DefaultQueueCapacity = 50000

// ErrStreamClosed is returned by operations on a closed OutboundQueue
var ErrStreamClosed = errors.New("audio stream is closed")

// chunk is an encoded µ-law buffer tagged with the interrupt epoch it was
// appended in. Chunks from an earlier epoch are discarded on read.
type chunk struct {
	epoch uint64
	data  []byte
}

// QueueOptions configures an OutboundQueue
type QueueOptions struct {
	Capacity int
	// AppendTee receives every encoded chunk as it is queued (debug capture)
	AppendTee io.Writer
	// ReadTee receives every byte handed to the playback reader (debug capture)
	ReadTee io.Writer
	Logger  zerolog.Logger
}

// OutboundQueue turns asynchronously delivered AI audio into a steady,
// never-blocking µ-law byte stream for the telephony playback loop.
//
// Append accepts PCM16 and may block when the queue is full. ReadByte and Read
// never block: an empty or interrupted queue yields MulawSilence. Interrupt
// flushes queued audio and mutes the stream until Resume.
type OutboundQueue struct {
	chunks      chan chunk
	interrupted atomic.Bool
	closed      atomic.Bool
	epoch       atomic.Uint64
	done        chan struct{}
	closeOnce   sync.Once

	// mu guards the read cursor and serializes Interrupt against readers
	mu      sync.Mutex
	current []byte
	offset  int

	appendTee io.Writer
	readTee   io.Writer
	logger    zerolog.Logger
}

// NewOutboundQueue creates a new outbound audio queue
func NewOutboundQueue(opts QueueOptions) *OutboundQueue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OutboundQueue{
		chunks:    make(chan chunk, capacity),
		done:      make(chan struct{}),
		appendTee: opts.AppendTee,
		readTee:   opts.ReadTee,
		logger:    opts.Logger.With().Str("component", "outbound_queue").Logger(),
	}
}

// Append encodes 8 kHz mono PCM16 to µ-law and queues it for playback.
// While interrupted the audio is silently dropped. When the queue is full
// Append blocks until space frees up, ctx is done, or the queue closes.
func (q *OutboundQueue) Append(ctx context.Context, pcm []byte) error {
	if q.closed.Load() {
		return ErrStreamClosed
	}
	// epoch is loaded before the interrupt check: Interrupt sets the flag
	// before bumping the epoch, so a chunk that races it is always stale
	epoch := q.epoch.Load()
	if q.interrupted.Load() {
		q.logger.Debug().Msg("Ignoring audio data due to interruption")
		observability.RecordDroppedAudioChunk()
		return nil
	}

	data := PCM16ToMulaw(pcm)
	if len(data) == 0 {
		return nil
	}

	select {
	case q.chunks <- chunk{epoch: epoch, data: data}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrStreamClosed
	}

	if q.appendTee != nil {
		if _, err := q.appendTee.Write(data); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to write debugging audio output")
		}
	}
	return nil
}

// ReadByte returns the next µ-law byte for playback, or MulawSilence when
// the queue is empty or interrupted. It never blocks.
func (q *OutboundQueue) ReadByte() (byte, error) {
	if q.closed.Load() {
		return 0, ErrStreamClosed
	}

	q.mu.Lock()
	b, ok := q.nextLocked()
	q.mu.Unlock()

	if !ok {
		observability.RecordQueueUnderrun()
		b = MulawSilence
	}
	q.tee(b)
	return b, nil
}

// Read fills p with playback audio, padding any underrun with silence.
// It always fills p completely unless the queue is closed.
func (q *OutboundQueue) Read(p []byte) (int, error) {
	if q.closed.Load() {
		return 0, ErrStreamClosed
	}

	q.mu.Lock()
	underrun := false
	for i := range p {
		b, ok := q.nextLocked()
		if !ok {
			underrun = true
			b = MulawSilence
		}
		p[i] = b
	}
	q.mu.Unlock()

	if underrun {
		observability.RecordQueueUnderrun()
	}
	if q.readTee != nil {
		if _, err := q.readTee.Write(p); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to write debugging audio output")
		}
	}
	return len(p), nil
}

// nextLocked returns the next queued byte. ok is false when nothing is
// playable. q.mu must be held.
func (q *OutboundQueue) nextLocked() (byte, bool) {
	if q.interrupted.Load() {
		return 0, false
	}

	for q.current == nil || q.offset >= len(q.current) {
		select {
		case c := <-q.chunks:
			if c.epoch != q.epoch.Load() {
				// appended concurrently with an interrupt
				continue
			}
			q.current = c.data
			q.offset = 0
		default:
			q.current = nil
			return 0, false
		}
	}

	b := q.current[q.offset]
	q.offset++
	return b, true
}

func (q *OutboundQueue) tee(b byte) {
	if q.readTee == nil {
		return
	}
	if _, err := q.readTee.Write([]byte{b}); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to write debugging audio output")
	}
}

// Interrupt mutes the stream, discards all queued audio and the partially
// played chunk. Appends are dropped until Resume.
func (q *OutboundQueue) Interrupt() {
	q.mu.Lock()
	q.interrupted.Store(true)
	q.epoch.Add(1)
	q.current = nil
	q.offset = 0
	for drained := false; !drained; {
		select {
		case <-q.chunks:
		default:
			drained = true
		}
	}
	q.mu.Unlock()

	q.logger.Info().Msg("Interrupting audio output for barge-in")
}

// Resume clears the interrupt. Dropped audio is not replayed.
func (q *OutboundQueue) Resume() {
	q.interrupted.Store(false)
	q.logger.Info().Msg("Resuming audio output")
}

// IsInterrupted reports whether the stream is currently interrupted
func (q *OutboundQueue) IsInterrupted() bool {
	return q.interrupted.Load()
}

// Len returns the number of queued chunks
func (q *OutboundQueue) Len() int {
	return len(q.chunks)
}

// Close permanently closes the stream. Blocked appenders are released.
func (q *OutboundQueue) Close() error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
	return nil
}
