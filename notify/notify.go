// Package notify publishes job transitions on NATS so that dashboards and
// other tools can follow a campaign live.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/jobs"
)

const DefaultSubject = "fleetbench.transitions"

// conn is the part of *nats.Conn used here.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Notifier publishes every recorded transition on <subject>.<site>.<state>.
type Notifier struct {
	nc      conn
	subject string
}

// NewNotifier connects to url. An empty url returns a Notifier that drops
// everything.
func NewNotifier(url, subject string) (*Notifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if url == "" {
		return &Notifier{subject: subject}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("fleetbench"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return &Notifier{nc: nc, subject: subject}, nil
}

// Subject is where t is published.
func (n *Notifier) Subject(t jobs.Transition) string {
	return fmt.Sprintf("%s.%s.%s", n.subject, t.Site, t.To)
}

func (n *Notifier) Record(t jobs.Transition) error {
	if n.nc == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(t), data)
}

func (n *Notifier) Close() error {
	if n.nc == nil {
		return nil
	}
	err := n.nc.Drain()
	n.nc.Close()
	return err
}
