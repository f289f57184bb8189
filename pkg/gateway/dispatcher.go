package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

const (
	defaultWorkers   = 4
	workerQueueDepth = 32

	failedTurnReply = "Sorry, I couldn't process that message. Please try again."
	outOfOrderReply = "Sorry, that message arrived out of order. Please send it again."
)

// TurnProcessor is the part of the orchestrator the dispatcher needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req session.TurnRequest) (*session.TurnResult, error)
}

// Dispatcher turns inbound chat messages into turns and publishes the
// replies. Messages of one session always land on the same worker, so a
// session's turns run in the order they arrived.
type Dispatcher struct {
	bus     *bus.MessageBus
	proc    TurnProcessor
	log     zerolog.Logger
	workers int
}

func NewDispatcher(mb *bus.MessageBus, proc TurnProcessor, workers int, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		bus:     mb,
		proc:    proc,
		log:     logger.Component(log, "dispatcher"),
		workers: workers,
	}
}

// Run consumes the inbound queue until ctx ends or the bus closes, then waits
// for queued messages to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	queues := make([]chan bus.InboundMessage, d.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan bus.InboundMessage, workerQueueDepth)
		wg.Add(1)
		go func(q <-chan bus.InboundMessage) {
			defer wg.Done()
			for msg := range q {
				d.handle(ctx, msg)
			}
		}(queues[i])
	}

	d.log.Debug().Int("workers", d.workers).Msg("dispatcher started")
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		select {
		case queues[d.shard(msg.SessionID)] <- msg:
		case <-ctx.Done():
		}
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	d.log.Debug().Msg("dispatcher stopped")
}

func (d *Dispatcher) shard(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(d.workers))
}

func (d *Dispatcher) handle(ctx context.Context, msg bus.InboundMessage) {
	if ctx.Err() != nil {
		return
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = msg.Channel + ":" + msg.ChatID
	}

	reply := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.Metadata["message_id"],
	}

	res, err := d.proc.ProcessTurn(ctx, session.TurnRequest{SessionID: sessionID, Message: msg.Content})
	switch {
	case err == nil:
		reply.Content = res.AssistantResponse
		d.log.Debug().
			Str("session_id", sessionID).
			Int("turn", res.TurnNumber).
			Int("stored", res.StoredMemories).
			Msg("turn processed")
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, session.ErrTurnOutOfOrder):
		reply.Content = outOfOrderReply
	default:
		d.log.Error().Err(err).Str("session_id", sessionID).Str("channel", msg.Channel).Msg("turn failed")
		reply.Content = failedTurnReply
	}
	d.bus.PublishOutbound(reply)
}
