package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"switchboard/internal/domain"
)

var errNoConn = errors.New("nats connection is not open")

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event on "<subject>.<entity_type>".
type NATSSink struct {
	Conn    Publisher
	Subject string
}

// DialNATS connects to url and returns a sink publishing under subject.
// Closing the returned connection is the caller's job.
func DialNATS(url, subject string) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("switchboard-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, err
	}
	return &NATSSink{Conn: nc, Subject: subject}, nc, nil
}

func (s *NATSSink) Name() string { return "nats:" + s.Subject }

func (s *NATSSink) Deliver(_ context.Context, ev domain.LifecycleAuditEvent) error {
	if s.Conn == nil {
		return errNoConn
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.subjectFor(ev.EntityType), data)
}

func (s *NATSSink) subjectFor(entityType string) string {
	subject := strings.TrimSuffix(s.Subject, ".")
	if entityType == "" {
		return subject
	}
	return subject + "." + entityType
}
