// Package events forwards scheduler events to NATS so other systems can
// react to job outcomes.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

const DefaultSubjectPrefix = "jobsched.events"

// Publisher is the part of *nats.Conn the forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	URL           string
	SubjectPrefix string
	// Types limits forwarding to these event types. Empty forwards all.
	Types []string
	// WorkerID is stamped on every message.
	WorkerID string
}

// Message is the JSON body published for each event.
type Message struct {
	Type     string          `json:"type"`
	Time     time.Time       `json:"time"`
	WorkerID string          `json:"worker_id,omitempty"`
	Job      eventbus.JobRef `json:"job"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Count    int64           `json:"count,omitempty"`
}

// Connect dials NATS with unlimited reconnects, logging connection changes.
func Connect(url, name string, log logx.Logger) (*nats.Conn, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", url)
	}
	return nc, nil
}

type Forwarder struct {
	pub    Publisher
	prefix string
	types  map[string]bool
	worker string
	log    logx.Logger
}

func NewForwarder(cfg Config, pub Publisher, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	var types map[string]bool
	if len(cfg.Types) > 0 {
		types = make(map[string]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			types[strings.TrimSpace(t)] = true
		}
	}
	return &Forwarder{pub: pub, prefix: prefix, types: types, worker: cfg.WorkerID, log: log.With(logx.String("comp", "events"))}
}

// Subject is where events of type typ are published.
func (f *Forwarder) Subject(typ string) string { return f.prefix + "." + typ }

// Forward publishes e unless it is filtered out.
func (f *Forwarder) Forward(e eventbus.Event) error {
	if f.types != nil && !f.types[e.Type] {
		return nil
	}
	data, err := json.Marshal(Message{
		Type: e.Type, Time: e.Time, WorkerID: f.worker, Job: e.Job,
		Error: e.Err, Attempts: e.Attempts, Count: e.Count,
	})
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := f.pub.Publish(f.Subject(e.Type), data); err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}
	return nil
}

// Run forwards bus events until ctx ends. Publish failures are logged and
// the event is dropped.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	f.log.Info("forwarding events", logx.String("prefix", f.prefix))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Forward(e); err != nil {
				f.log.Warn("event not forwarded", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}
