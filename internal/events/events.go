// Package events carries machine update notifications over NATS so cached queries can be dropped
// as soon as new data lands.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"mdmview/internal/dashboard"
	"mdmview/internal/machine"
	"mdmview/internal/querycache"
)

// DefaultSubject is the subject machine updates are published on.
const DefaultSubject = "mdm.machines.updated"

// Update announces that machine data changed. An empty MachineID means "anything may have changed".
type Update struct {
	MachineID string `json:"machineId,omitempty"`
}

// Decode parses a message payload. An empty payload is a valid, unspecific update.
func Decode(data []byte) (Update, error) {
	var u Update
	if len(data) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("invalid update payload: %w", err)
	}
	return u, nil
}

// Connect dials NATS and keeps reconnecting for the lifetime of the connection.
func Connect(url, name string, log *zap.SugaredLogger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// Publish sends an update on subject.
func Publish(nc *nats.Conn, subject string, u Update) error {
	if nc == nil || nc.IsClosed() {
		return errors.New("nats not connected")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nc.Flush()
}

// Invalidator drops cached queries when updates arrive.
type Invalidator struct {
	machines *querycache.Cache[[]machine.Machine]
	reports  *querycache.Cache[[]machine.Report]
	log      *zap.SugaredLogger
}

// NewInvalidator creates an Invalidator over the shared query caches.
func NewInvalidator(machines *querycache.Cache[[]machine.Machine], reports *querycache.Cache[[]machine.Report], log *zap.SugaredLogger) *Invalidator {
	return &Invalidator{machines: machines, reports: reports, log: log}
}

// Apply invalidates the machine list and, when named, that machine's reports.
// An update without a machine id drops every cached report list.
func (i *Invalidator) Apply(ctx context.Context, u Update) {
	i.machines.Invalidate(ctx, dashboard.MachinesKey)
	if u.MachineID != "" {
		i.reports.Invalidate(ctx, dashboard.ReportsKey(u.MachineID))
		i.log.Debugf("Invalidated machines and reports of %s", u.MachineID)
		return
	}
	i.reports.InvalidatePrefix(ctx, dashboard.ReportsKey(""))
	i.log.Debugf("Invalidated machines and all reports")
}

// HandleMsg applies one NATS message. Malformed payloads still invalidate everything.
func (i *Invalidator) HandleMsg(msg *nats.Msg) {
	u, err := Decode(msg.Data)
	if err != nil {
		i.log.Warnf("Ignoring payload of update on %s: %v", msg.Subject, err)
	}
	i.Apply(context.Background(), u)
}

// Subscribe routes updates on subject to the invalidator until the subscription is drained.
func (i *Invalidator) Subscribe(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, i.HandleMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	i.log.Infof("Listening for machine updates on %s", subject)
	return sub, nil
}
