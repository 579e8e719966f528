// Package pipeline connects the Kafka event stream to the automation
// core: normalize, correlate, match playbooks, and hand executions to
// the orchestrator.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/correlation"
	"automation-core/internal/normalize"
	"automation-core/internal/orchestrator"
	"automation-core/internal/playbook"
	"automation-core/internal/schema"

	"github.com/segmentio/kafka-go"
)

// Config holds pipeline worker settings.
type Config struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		ShutdownWait: 30 * time.Second,
	}
}

// messageSource is the slice of kafka.Reader the pipeline uses. Tests
// swap in a fake.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventSink receives every normalized event for audit persistence.
type EventSink func(ctx context.Context, event *schema.SecurityEvent) error

// Pipeline drives raw messages through normalization, correlation,
// playbook matching, and orchestration.
type Pipeline struct {
	config     Config
	source     messageSource
	normalizer *normalize.Normalizer
	engine     *correlation.Engine
	matcher    *playbook.Matcher
	orch       *orchestrator.Orchestrator
	audit      *AuditProducer
	eventSink  EventSink

	wg   sync.WaitGroup
	done chan struct{}

	processed  atomic.Uint64
	malformed  atomic.Uint64
	matched    atomic.Uint64
	executions atomic.Uint64
	errors     atomic.Uint64
}

// New creates a pipeline. The audit producer and event sink may be nil.
func New(cfg Config, source messageSource, normalizer *normalize.Normalizer, engine *correlation.Engine, matcher *playbook.Matcher, orch *orchestrator.Orchestrator, audit *AuditProducer, eventSink EventSink) *Pipeline {
	return &Pipeline{
		config:     cfg,
		source:     source,
		normalizer: normalizer,
		engine:     engine,
		matcher:    matcher,
		orch:       orch,
		audit:      audit,
		eventSink:  eventSink,
		done:       make(chan struct{}),
	}
}

// Start launches the consumer workers.
func (p *Pipeline) Start(ctx context.Context) {
	workers := p.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("pipeline started", "workers", workers)
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		msg, err := p.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Warn("fetch failed", "worker_id", id, "error", err)
			p.errors.Add(1)
			continue
		}

		if err := p.HandleRaw(ctx, msg.Value); err != nil {
			// Malformed input is logged and dropped; everything else is
			// logged and dropped too, after the retries inside each stage.
			// Kafka redelivery of poison messages would wedge the partition.
			slog.Error("message processing failed", "worker_id", id, "error", err)
			p.errors.Add(1)
		}

		if err := p.source.CommitMessages(ctx, msg); err != nil {
			slog.Warn("commit failed", "worker_id", id, "error", err)
		}
	}
}

// HandleRaw processes one raw message through the full pipeline.
func (p *Pipeline) HandleRaw(ctx context.Context, raw []byte) error {
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		p.malformed.Add(1)
		slog.Warn("rejecting undecodable message", "error", err)
		return nil
	}

	sourceSystem, _ := record["source_system"].(string)
	delete(record, "source_system")

	event, err := p.normalizer.Normalize(record, sourceSystem)
	if err != nil {
		if autoerr.IsMalformedEvent(err) {
			p.malformed.Add(1)
			slog.Warn("rejecting malformed event", "source_system", sourceSystem, "error", err)
			return nil
		}
		return err
	}

	matches, err := p.engine.Process(ctx, event)
	if err != nil {
		return err
	}
	event.IsProcessed = true
	p.processed.Add(1)

	if p.eventSink != nil {
		if err := p.eventSink(ctx, event); err != nil {
			slog.Error("failed to persist event", "event_id", event.ID, "error", err)
		}
	}

	// Direct event triggers.
	p.trigger(ctx, p.matcher.MatchEvent(event), event)

	// Correlation-group triggers.
	for _, match := range matches {
		p.matched.Add(1)
		p.publishAudit(ctx, "correlation_match", match.Rule.ID, match.Group)
		p.trigger(ctx, p.matcher.MatchGroup(match.Group), event)
	}

	return nil
}

func (p *Pipeline) trigger(ctx context.Context, versions []*playbook.Version, event *schema.SecurityEvent) {
	for _, version := range versions {
		exec, err := p.orch.Trigger(ctx, version, event)
		if err != nil {
			if errors.Is(err, autoerr.ErrDuplicateExecution) {
				slog.Debug("duplicate trigger suppressed", "playbook_id", version.PlaybookID, "event_id", event.ID)
				continue
			}
			slog.Error("playbook trigger failed", "playbook_id", version.PlaybookID, "event_id", event.ID, "error", err)
			p.errors.Add(1)
			continue
		}
		p.executions.Add(1)
		p.publishAudit(ctx, "execution", exec.ID.String(), exec)
	}
}

func (p *Pipeline) publishAudit(ctx context.Context, kind, key string, value any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Publish(ctx, kind, key, value); err != nil {
		slog.Error("audit publish failed", "kind", kind, "key", key, "error", err)
	}
}

// Stop drains the workers and closes the source.
func (p *Pipeline) Stop() {
	close(p.done)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pipeline stopped")
	case <-time.After(p.config.ShutdownWait):
		slog.Warn("pipeline shutdown timed out")
	}

	if err := p.source.Close(); err != nil {
		slog.Warn("source close failed", "error", err)
	}
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() map[string]any {
	return map[string]any{
		"processed":  p.processed.Load(),
		"malformed":  p.malformed.Load(),
		"matched":    p.matched.Load(),
		"executions": p.executions.Load(),
		"errors":     p.errors.Load(),
	}
}
