// Package consumer runs the persona worker pool: one worker per persona on
// the shared request stream. Each persona owns a consumer group derived from
// the pool's group prefix, so every persona sees every message and the
// persona filter acks-and-skips what is not addressed to it; replicas of the
// same persona join that persona's group and spread its load.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multiagent/ma/common/dedup"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/persona"
	"github.com/multiagent/ma/common/transport"
)

const (
	defaultBlock = 2 * time.Second
	defaultBatch = 10
)

// Request is one decoded persona invocation delivered to a handler.
type Request struct {
	Persona    string
	WorkflowID string
	Step       string
	Intent     string
	CorrID     string
	TaskID     string
	Payload    map[string]any
}

// Handler executes a persona's business logic and returns its result object.
type Handler func(ctx context.Context, req Request) (map[string]any, error)

// Options tunes the pool; zero values get defaults.
type Options struct {
	Block time.Duration
	Batch int
}

// Pool consumes the shared request stream for a set of personas.
type Pool struct {
	tr             transport.Transport
	requestStream  string
	responseStream string
	group          string
	personas       []string
	handler        Handler
	tracker        *dedup.Tracker
	log            *logger.Logger
	block          time.Duration
	batch          int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool creates a pool over the given personas. All workers join group on
// requestStream; responses go to responseStream.
func NewPool(tr transport.Transport, requestStream, responseStream, group string, personas []string, handler Handler, tracker *dedup.Tracker, log *logger.Logger, opts Options) *Pool {
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	return &Pool{
		tr:             tr,
		requestStream:  requestStream,
		responseStream: responseStream,
		group:          group,
		personas:       personas,
		handler:        handler,
		tracker:        tracker,
		log:            log,
		block:          opts.Block,
		batch:          opts.Batch,
	}
}

// Start creates the consumer group and launches one worker per persona.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}

	for _, name := range p.personas {
		err := p.tr.XGroupCreate(ctx, p.requestStream, p.personaGroup(name), "0", true)
		if err != nil && !errors.Is(err, transport.ErrGroupExists) {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for _, name := range p.personas {
		p.wg.Add(1)
		go p.runWorker(runCtx, name)
	}
	p.log.Info("consumer pool started",
		"personas", len(p.personas),
		"group", p.group,
		"stream", p.requestStream)
	return nil
}

// Stop cancels all workers and waits for in-flight messages. Blocked reads
// return within one block window.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	p.log.Info("consumer pool stopped")
}

// personaGroup names the consumer group a persona's replicas share.
func (p *Pool) personaGroup(personaName string) string {
	return p.group + ":" + strings.ToLower(personaName)
}

func (p *Pool) runWorker(ctx context.Context, personaName string) {
	defer p.wg.Done()

	group := p.personaGroup(personaName)
	consumer := personaName + "-" + uuid.NewString()[:8]
	log := p.log.WithPersona(personaName)
	log.Debug("worker started", "group", group, "consumer", consumer)

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := p.tr.XReadGroup(ctx, group, consumer,
			[]transport.Cursor{{Stream: p.requestStream, ID: ">"}}, p.batch, p.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, sm := range res {
			for _, msg := range sm.Messages {
				p.handleMessage(ctx, log, personaName, group, msg)
			}
		}
	}
}

// handleMessage runs the routing filter, the duplicate check, and the
// handler. The message is acknowledged in every path: at-least-once delivery
// with idempotency upstream, not redelivery loops.
func (p *Pool) handleMessage(ctx context.Context, log *logger.Logger, personaName, group string, msg transport.Message) {
	defer func() {
		if _, err := p.tr.XAck(ctx, p.requestStream, group, msg.ID); err != nil && ctx.Err() == nil {
			log.Error("ack failed", "id", msg.ID, "error", err)
		}
	}()

	toPersona := msg.Fields[persona.FieldToPersona]
	// Missing to_persona processes fail-open; anything else must match this
	// worker exactly (case-insensitive).
	if toPersona != "" && !strings.EqualFold(toPersona, personaName) {
		return
	}

	workflowID := msg.Fields[persona.FieldWorkflowID]
	corrID := msg.Fields[persona.FieldCorrID]
	taskID := msg.Fields[persona.FieldTaskID]

	if p.tracker != nil && p.tracker.IsDuplicate(taskID, corrID, personaName) {
		return
	}

	req := Request{
		Persona:    personaName,
		WorkflowID: workflowID,
		Step:       msg.Fields[persona.FieldStep],
		Intent:     msg.Fields[persona.FieldIntent],
		CorrID:     corrID,
		TaskID:     taskID,
	}
	if raw := msg.Fields[persona.FieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			log.Warn("undecodable payload", "id", msg.ID, "error", err)
		}
	}

	result, err := p.handler(ctx, req)
	if err != nil {
		log.Error("handler failed", "workflow_id", workflowID, "corr_id", corrID, "error", err)
		result = map[string]any{"status": "fail", "error": err.Error()}
	}

	if _, pubErr := persona.PublishEvent(ctx, p.tr, p.responseStream, persona.Event{
		WorkflowID: workflowID,
		CorrID:     corrID,
		From:       personaName,
		Result:     result,
	}); pubErr != nil {
		log.Error("publishing response failed", "corr_id", corrID, "error", pubErr)
		return
	}

	if err == nil && p.tracker != nil {
		p.tracker.MarkProcessed(taskID, corrID, personaName, workflowID)
	}
}
