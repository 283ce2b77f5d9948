// Package transfer implements offer negotiation and chunked file delivery
// for one device. It has no UI; callers observe it through Options callbacks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nicedrop/chunk"
	"nicedrop/models"
	"nicedrop/protocol"
)

const (
	// DefaultChunkInterval paces consecutive chunk sends.
	DefaultChunkInterval = 10 * time.Millisecond
	// DefaultOfferTimeout bounds how long a received offer stays pending.
	DefaultOfferTimeout = 10 * time.Minute
	// DefaultMaxFileSize caps the size of an incoming file.
	DefaultMaxFileSize int64 = 16 << 30
)

var (
	// ErrOfferNotFound indicates the offer was already answered, cancelled or expired.
	ErrOfferNotFound = errors.New("transfer: offer not found")
	// ErrTransferInProgress indicates chunks are still being sent.
	ErrTransferInProgress = errors.New("transfer: transfer in progress")
	// ErrNoPendingOffer indicates the current-file slot is empty.
	ErrNoPendingOffer = errors.New("transfer: no pending offer")
	// ErrPeerUnavailable indicates the relay could not reach the transfer target.
	ErrPeerUnavailable = errors.New("transfer: peer unavailable")
	// ErrConnectionLost indicates the relay connection dropped mid-transfer.
	ErrConnectionLost = errors.New("transfer: connection lost")
	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("transfer: engine closed")
)

// Outbound delivers protocol messages to the relay. Send blocks while the
// underlying connection is saturated.
type Outbound interface {
	Send(ctx context.Context, message any) error
}

// Offer is a received, not yet answered, file offer.
type Offer struct {
	ID         string
	FromID     string
	FromName   string
	FileName   string
	FileSize   int64
	MimeType   string
	ReceivedAt time.Time
}

// OutgoingTransfer is the single current-file slot of a sender.
type OutgoingTransfer struct {
	OfferID     string
	Target      string
	FileName    string
	FileSize    int64
	ChunkSize   int
	TotalChunks int
	NextChunk   int
	Sending     bool

	source Source
}

// Progress reports chunk progress in either direction.
type Progress struct {
	FileName    string
	PeerID      string
	PeerName    string
	ChunkIndex  int
	Done        int
	TotalChunks int
	Percent     int
}

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger

	ChunkSize     int
	ChunkInterval time.Duration
	// NoPacing disables the inter-chunk delay.
	NoPacing     bool
	CountMode    chunk.CountMode
	OfferTimeout time.Duration
	// MaxFileSize bounds the chunk count a sender may announce.
	MaxFileSize int64
	Now         func() time.Time

	OnOffer          func(Offer)
	OnOfferSent      func(fileName string)
	OnOfferCancelled func(Offer)
	OnOfferExpired   func(Offer)
	OnAccepted       func(fileName, toName string)
	OnRejected       func(fileName, toName string)

	OnSendProgress func(Progress)
	OnSendComplete func(fileName string)
	OnSendFailed   func(fileName string, err error)

	OnReceiveProgress func(Progress)
	OnReceived        func(*Artifact)
	OnReceiveFailed   func(fileName string, err error)

	OnRelayError func(protocol.ErrorMessage)
}

type acceptedKey struct {
	fromID, fileName string
}

type incoming struct {
	fromID   string
	assembly *chunk.Assembly
}

// Engine holds the negotiation and transport state of one device.
type Engine struct {
	options Options
	out     Outbound
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	offers     map[string]*Offer
	current    *OutgoingTransfer
	cancelSend context.CancelCauseFunc
	assemblies map[string]*incoming
	accepted   map[acceptedKey]int
	artifacts  map[string]*Artifact
	closed     bool
	maxChunks  int
}

// NewEngine creates an engine that sends through out.
func NewEngine(out Outbound, options Options) *Engine {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = chunk.Size
	}
	if options.ChunkInterval <= 0 {
		options.ChunkInterval = DefaultChunkInterval
	}
	if options.OfferTimeout <= 0 {
		options.OfferTimeout = DefaultOfferTimeout
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultMaxFileSize
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		options:    options,
		out:        out,
		log:        options.Logger.Named("transfer"),
		ctx:        ctx,
		cancel:     cancel,
		offers:     make(map[string]*Offer),
		assemblies: make(map[string]*incoming),
		accepted:   make(map[acceptedKey]int),
		artifacts:  make(map[string]*Artifact),
		maxChunks:  wireChunkCount(options.MaxFileSize, options.ChunkSize),
	}
}

// MakeOffer fills the current-file slot with src and offers it to targetID.
// The engine owns src from here on and closes it if it implements io.Closer.
func (e *Engine) MakeOffer(ctx context.Context, targetID string, src Source) (string, error) {
	if targetID == "" {
		return "", errors.New("target id is required")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	if e.current != nil && e.current.Sending {
		e.mu.Unlock()
		return "", ErrTransferInProgress
	}
	previous := e.current
	total := wireChunkCount(src.Size(), e.options.ChunkSize)
	current := &OutgoingTransfer{
		OfferID:     uuid.NewString(),
		Target:      targetID,
		FileName:    src.Name(),
		FileSize:    src.Size(),
		ChunkSize:   e.options.ChunkSize,
		TotalChunks: total,
		source:      src,
	}
	e.current = current
	e.mu.Unlock()

	if previous != nil && previous.source != src {
		closeSource(previous.source)
	}

	err := e.out.Send(ctx, protocol.FileOffer{
		Type:   protocol.TypeFileOffer,
		Target: targetID,
		FileInfo: models.FileInfo{
			Name: src.Name(),
			Size: src.Size(),
			Type: src.Type(),
		},
	})
	if err != nil {
		e.mu.Lock()
		if e.current == current {
			e.current = nil
		}
		e.mu.Unlock()
		closeSource(src)
		return "", fmt.Errorf("send file offer: %w", err)
	}

	e.log.Info("offer sent",
		zap.String("offer_id", current.OfferID),
		zap.String("target", targetID),
		zap.String("file", current.FileName),
		zap.Int64("size", current.FileSize),
		zap.Int("chunks", current.TotalChunks),
	)
	return current.OfferID, nil
}

// Current returns a copy of the current-file slot.
func (e *Engine) Current() (OutgoingTransfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return OutgoingTransfer{}, false
	}
	return *e.current, true
}

// HandleOfferSent reports that the relay delivered our offer.
func (e *Engine) HandleOfferSent(fileName string) {
	if e.options.OnOfferSent != nil {
		e.options.OnOfferSent(fileName)
	}
}

// ReceiveOffer records an incoming offer and returns its id. An earlier
// offer with the same sender and file name is replaced.
func (e *Engine) ReceiveOffer(fromID, fromName string, file models.FileInfo) string {
	offer := Offer{
		ID:         uuid.NewString(),
		FromID:     fromID,
		FromName:   fromName,
		FileName:   file.Name,
		FileSize:   file.Size,
		MimeType:   file.Type,
		ReceivedAt: e.options.Now(),
	}

	e.mu.Lock()
	if existing := e.findOfferLocked(fromID, file.Name); existing != nil {
		delete(e.offers, existing.ID)
	}
	e.offers[offer.ID] = &offer
	e.mu.Unlock()

	e.log.Info("offer received",
		zap.String("offer_id", offer.ID),
		zap.String("from", fromID),
		zap.String("file", offer.FileName),
		zap.Int64("size", offer.FileSize),
	)
	if e.options.OnOffer != nil {
		e.options.OnOffer(offer)
	}
	return offer.ID
}

// Offer returns a pending offer by id.
func (e *Engine) Offer(offerID string) (Offer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	offer, ok := e.offers[offerID]
	if !ok {
		return Offer{}, false
	}
	return *offer, true
}

// PendingOffers returns pending offers, oldest first.
func (e *Engine) PendingOffers() []Offer {
	e.mu.Lock()
	offers := make([]Offer, 0, len(e.offers))
	for _, offer := range e.offers {
		offers = append(offers, *offer)
	}
	e.mu.Unlock()

	sort.Slice(offers, func(i, j int) bool {
		return offers[i].ReceivedAt.Before(offers[j].ReceivedAt)
	})
	return offers
}

// Accept answers the offer with file_accept. A second call returns
// ErrOfferNotFound and sends nothing.
func (e *Engine) Accept(ctx context.Context, offerID string) error {
	return e.decide(ctx, offerID, protocol.TypeFileAccept)
}

// Reject answers the offer with file_reject.
func (e *Engine) Reject(ctx context.Context, offerID string) error {
	return e.decide(ctx, offerID, protocol.TypeFileReject)
}

func (e *Engine) decide(ctx context.Context, offerID, msgType string) error {
	e.mu.Lock()
	offer, ok := e.offers[offerID]
	if ok {
		delete(e.offers, offerID)
		if msgType == protocol.TypeFileAccept {
			e.accepted[acceptedKey{offer.FromID, offer.FileName}] = wireChunkCount(offer.FileSize, e.options.ChunkSize)
		}
	}
	e.mu.Unlock()
	if !ok {
		return ErrOfferNotFound
	}

	if err := e.out.Send(ctx, protocol.FileDecision{
		Type:     msgType,
		From:     offer.FromID,
		FileName: offer.FileName,
	}); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	e.log.Info("offer answered",
		zap.String("offer_id", offerID),
		zap.String("decision", msgType),
		zap.String("from", offer.FromID),
		zap.String("file", offer.FileName),
	)
	return nil
}

// HandleAccepted starts chunk transport for the current file. It is the only
// way a send begins. Accepts for an empty slot or another file are ignored.
func (e *Engine) HandleAccepted(fileName, toName string) {
	e.mu.Lock()
	current := e.current
	if e.closed || current == nil || current.FileName != fileName || current.Sending {
		e.mu.Unlock()
		e.log.Warn("ignoring accept without matching pending file",
			zap.String("file", fileName),
			zap.String("to_name", toName),
		)
		return
	}
	current.Sending = true
	current.NextChunk = 0
	ctx, cancel := context.WithCancelCause(e.ctx)
	e.cancelSend = cancel
	snapshot := *current
	e.wg.Add(1)
	e.mu.Unlock()

	if e.options.OnAccepted != nil {
		e.options.OnAccepted(fileName, toName)
	}
	go e.sendChunks(ctx, cancel, current, snapshot, toName)
}

// HandleRejected reports a rejection. The current-file slot stays populated
// so the offer can be retried.
func (e *Engine) HandleRejected(fileName, toName string) {
	e.log.Info("offer rejected", zap.String("file", fileName), zap.String("to_name", toName))
	if e.options.OnRejected != nil {
		e.options.OnRejected(fileName, toName)
	}
}

// CancelOffer withdraws the pending, not yet accepted, offer.
func (e *Engine) CancelOffer(ctx context.Context) error {
	e.mu.Lock()
	current := e.current
	if current == nil {
		e.mu.Unlock()
		return ErrNoPendingOffer
	}
	if current.Sending {
		e.mu.Unlock()
		return ErrTransferInProgress
	}
	e.current = nil
	e.mu.Unlock()

	closeSource(current.source)
	if err := e.out.Send(ctx, protocol.FileCancel{
		Type:     protocol.TypeFileCancel,
		Target:   current.Target,
		FileName: current.FileName,
	}); err != nil {
		return fmt.Errorf("send file cancel: %w", err)
	}
	e.log.Info("offer cancelled", zap.String("file", current.FileName), zap.String("target", current.Target))
	return nil
}

// HandleCancelled drops an offer the sender withdrew.
func (e *Engine) HandleCancelled(fromID, fileName string) {
	e.mu.Lock()
	offer := e.findOfferLocked(fromID, fileName)
	if offer != nil {
		delete(e.offers, offer.ID)
	}
	e.mu.Unlock()

	if offer == nil {
		return
	}
	e.log.Info("offer withdrawn by sender", zap.String("from", fromID), zap.String("file", fileName))
	if e.options.OnOfferCancelled != nil {
		e.options.OnOfferCancelled(*offer)
	}
}

// ExpireOffers rejects offers older than the offer timeout and returns them.
func (e *Engine) ExpireOffers(ctx context.Context, now time.Time) []Offer {
	e.mu.Lock()
	var expired []Offer
	for id, offer := range e.offers {
		if now.Sub(offer.ReceivedAt) >= e.options.OfferTimeout {
			expired = append(expired, *offer)
			delete(e.offers, id)
		}
	}
	e.mu.Unlock()

	for _, offer := range expired {
		if err := e.out.Send(ctx, protocol.FileDecision{
			Type:     protocol.TypeFileReject,
			From:     offer.FromID,
			FileName: offer.FileName,
		}); err != nil {
			e.log.Debug("reject for expired offer not delivered", zap.String("file", offer.FileName), zap.Error(err))
		}
		e.log.Info("offer expired", zap.String("offer_id", offer.ID), zap.String("file", offer.FileName))
		if e.options.OnOfferExpired != nil {
			e.options.OnOfferExpired(offer)
		}
	}
	return expired
}

// HandleRelayError aborts the active send when the relay reports that its
// target is gone.
func (e *Engine) HandleRelayError(msg protocol.ErrorMessage) {
	e.log.Warn("relay error",
		zap.String("code", msg.Code),
		zap.String("message", msg.Message),
		zap.String("file", msg.FileName),
	)

	if msg.Code == protocol.CodePeerNotFound {
		e.mu.Lock()
		if e.current != nil && e.current.Sending && e.cancelSend != nil &&
			(msg.FileName == "" || msg.FileName == e.current.FileName) {
			e.cancelSend(ErrPeerUnavailable)
		}
		e.mu.Unlock()
	}

	if e.options.OnRelayError != nil {
		e.options.OnRelayError(msg)
	}
}

// HandleChunk writes one received chunk into its assembly.
func (e *Engine) HandleChunk(msg protocol.FileChunk) {
	data, err := chunk.Decode(msg.ChunkData)
	if err != nil {
		e.log.Warn("dropping undecodable chunk", zap.String("file", msg.FileName), zap.Int("index", msg.ChunkIndex), zap.Error(err))
		return
	}

	if msg.TotalChunks <= 0 || msg.TotalChunks > e.maxChunks {
		e.log.Warn("dropping chunk with invalid total",
			zap.String("file", msg.FileName),
			zap.Int("total", msg.TotalChunks),
			zap.Int("max", e.maxChunks),
		)
		return
	}

	e.mu.Lock()
	in := e.assemblies[msg.FileName]
	if in == nil {
		key := acceptedKey{msg.From, msg.FileName}
		if expected, ok := e.accepted[key]; ok {
			if expected != msg.TotalChunks {
				e.mu.Unlock()
				e.log.Warn("dropping chunk that disagrees with accepted offer",
					zap.String("file", msg.FileName),
					zap.String("from", msg.From),
					zap.Int("total", msg.TotalChunks),
					zap.Int("expected", expected),
				)
				return
			}
			delete(e.accepted, key)
		}
		in = &incoming{
			fromID:   msg.From,
			assembly: chunk.NewAssembly(msg.FileName, msg.FromName, msg.TotalChunks, e.options.CountMode),
		}
		e.assemblies[msg.FileName] = in
	} else if in.assembly.TotalChunks() != msg.TotalChunks {
		e.mu.Unlock()
		e.log.Warn("dropping chunk with mismatched total",
			zap.String("file", msg.FileName),
			zap.Int("total", msg.TotalChunks),
			zap.Int("expected", in.assembly.TotalChunks()),
		)
		return
	}

	complete, err := in.assembly.Put(msg.ChunkIndex, data)
	if err != nil {
		e.mu.Unlock()
		e.log.Warn("dropping chunk", zap.String("file", msg.FileName), zap.Int("index", msg.ChunkIndex), zap.Error(err))
		return
	}
	if complete {
		delete(e.assemblies, msg.FileName)
	}
	progress := Progress{
		FileName:    msg.FileName,
		PeerID:      in.fromID,
		PeerName:    in.assembly.FromName(),
		ChunkIndex:  msg.ChunkIndex,
		Done:        in.assembly.Received(),
		TotalChunks: in.assembly.TotalChunks(),
		Percent:     in.assembly.Progress(),
	}
	e.mu.Unlock()

	if e.options.OnReceiveProgress != nil {
		e.options.OnReceiveProgress(progress)
	}
	if !complete {
		return
	}

	assembled, err := in.assembly.Bytes()
	if err != nil {
		e.log.Error("assembly declared complete with missing chunks",
			zap.String("file", msg.FileName),
			zap.Ints("missing", in.assembly.Missing()),
			zap.Error(err),
		)
		if e.options.OnReceiveFailed != nil {
			e.options.OnReceiveFailed(msg.FileName, err)
		}
		return
	}

	artifact := newArtifact(msg.FileName, in.fromID, in.assembly.FromName(), assembled, e.options.Now())
	e.mu.Lock()
	if previous := e.artifacts[msg.FileName]; previous != nil {
		previous.Release()
	}
	e.artifacts[msg.FileName] = artifact
	e.mu.Unlock()

	e.log.Info("file received",
		zap.String("file", msg.FileName),
		zap.String("from", in.fromID),
		zap.Int64("size", artifact.Size()),
	)
	if e.options.OnReceived != nil {
		e.options.OnReceived(artifact)
	}
}

// Received returns a completed artifact that has not been released.
func (e *Engine) Received(fileName string) (*Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	artifact, ok := e.artifacts[fileName]
	return artifact, ok
}

// Release frees the memory held by a received artifact.
func (e *Engine) Release(fileName string) bool {
	e.mu.Lock()
	artifact, ok := e.artifacts[fileName]
	delete(e.artifacts, fileName)
	e.mu.Unlock()
	if ok {
		artifact.Release()
	}
	return ok
}

// ConnectionLost drops in-progress assemblies and aborts the active send.
// Pending offers are kept; their senders may still be reachable after reconnect.
func (e *Engine) ConnectionLost() {
	e.mu.Lock()
	dropped := len(e.assemblies)
	e.assemblies = make(map[string]*incoming)
	e.accepted = make(map[acceptedKey]int)
	if e.cancelSend != nil {
		e.cancelSend(ErrConnectionLost)
	}
	e.mu.Unlock()

	if dropped > 0 {
		e.log.Warn("discarded incomplete incoming files", zap.Int("count", dropped))
	}
}

// Close stops any running send and releases the current source.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	current := e.current
	e.current = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	if current != nil {
		closeSource(current.source)
	}

	e.mu.Lock()
	for name, artifact := range e.artifacts {
		artifact.Release()
		delete(e.artifacts, name)
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) sendChunks(ctx context.Context, cancel context.CancelCauseFunc, current *OutgoingTransfer, t OutgoingTransfer, toName string) {
	defer e.wg.Done()
	defer cancel(nil)

	var limiter *rate.Limiter
	if !e.options.NoPacing {
		limiter = rate.NewLimiter(rate.Every(e.options.ChunkInterval), 1)
	}

	mimeType := t.source.Type()
	send := func(index, _ int, data []byte) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return sendCause(ctx, err)
			}
		}
		if err := e.out.Send(ctx, protocol.FileChunk{
			Type:        protocol.TypeFileChunk,
			Target:      t.Target,
			ChunkData:   chunk.EncodeDataURL(mimeType, data),
			FileName:    t.FileName,
			ChunkIndex:  index,
			TotalChunks: t.TotalChunks,
		}); err != nil {
			return sendCause(ctx, err)
		}

		e.mu.Lock()
		current.NextChunk = index + 1
		e.mu.Unlock()

		if e.options.OnSendProgress != nil {
			e.options.OnSendProgress(Progress{
				FileName:    t.FileName,
				PeerID:      t.Target,
				PeerName:    toName,
				ChunkIndex:  index,
				Done:        index + 1,
				TotalChunks: t.TotalChunks,
				Percent:     percent(index+1, t.TotalChunks),
			})
		}
		return nil
	}

	var err error
	if t.FileSize == 0 {
		err = send(0, 1, []byte{})
	} else {
		err = chunk.Split(t.source, t.FileSize, t.ChunkSize, send)
	}
	if err != nil {
		e.failSend(current, err)
		return
	}

	e.mu.Lock()
	if e.current == current {
		e.current = nil
	}
	e.cancelSend = nil
	e.mu.Unlock()
	closeSource(t.source)

	e.log.Info("file sent", zap.String("file", t.FileName), zap.String("target", t.Target), zap.Int("chunks", t.TotalChunks))
	if e.options.OnSendComplete != nil {
		e.options.OnSendComplete(t.FileName)
	}
}

// failSend abandons the transfer. The slot keeps the file for a retry.
func (e *Engine) failSend(current *OutgoingTransfer, err error) {
	e.mu.Lock()
	current.Sending = false
	current.NextChunk = 0
	e.cancelSend = nil
	e.mu.Unlock()

	e.log.Error("file send failed", zap.String("file", current.FileName), zap.String("target", current.Target), zap.Error(err))
	if e.options.OnSendFailed != nil {
		e.options.OnSendFailed(current.FileName, err)
	}
}

func (e *Engine) findOfferLocked(fromID, fileName string) *Offer {
	for _, offer := range e.offers {
		if offer.FromID == fromID && offer.FileName == fileName {
			return offer
		}
	}
	return nil
}

// wireChunkCount is the total_chunks announced for a file. An empty file
// still travels as one empty chunk so the receiver completes.
func wireChunkCount(size int64, chunkSize int) int {
	if total := chunk.Count(size, chunkSize); total > 0 {
		return total
	}
	return 1
}

func sendCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if ctx.Err() != nil {
		return ErrClosed
	}
	return err
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return (done*100 + total/2) / total
}

func closeSource(src Source) {
	if closer, ok := src.(io.Closer); ok {
		_ = closer.Close()
	}
}
