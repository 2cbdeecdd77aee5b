package stan_util

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DurableConnection is a NATS Streaming connection that reconnects and restores its queue subscriptions when
// the streaming server drops it.
type DurableConnection struct {
	mutex sync.RWMutex

	options   []stan.Option
	clientID  string
	clusterID string

	subscriptions []func(conn stan.Conn) error

	currentConn stan.Conn
	nc          *nats.Conn
}

func DurableConnect(clusterID, clientID, urls string, options ...stan.Option) (*DurableConnection, error) {
	// The NATS connection reconnects on its own; keeping one around lets acks through while STAN reconnects
	nc, err := nats.Connect(urls,
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conn := &DurableConnection{
		clusterID: clusterID,
		clientID:  clientID,
		nc:        nc,
	}
	conn.options = append(options, stan.SetConnectionLostHandler(conn.onConnectionLost), stan.NatsConn(nc))
	if err := conn.reconnect(); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

// Publish sends data and waits for the streaming server to persist it.
func (c *DurableConnection) Publish(subject string, data []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return errors.WithStack(c.currentConn.Publish(subject, data))
}

// QueueSubscribe subscribes now and again after every reconnect.
func (c *DurableConnection) QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := func(conn stan.Conn) error {
		_, err := conn.QueueSubscribe(subject, qgroup, cb, opts...)
		return errors.WithStack(err)
	}
	c.subscriptions = append(c.subscriptions, s)
	return s(c.currentConn)
}

func (c *DurableConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.currentConn.Close()
	c.nc.Close()
	return errors.WithStack(err)
}

// Check reports whether the underlying NATS connection is up.
func (c *DurableConnection) Check() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.currentConn == nil || c.currentConn.NatsConn() == nil {
		return errors.New("no NATS connection")
	}
	if !c.currentConn.NatsConn().IsConnected() {
		return errors.New("not connected to NATS")
	}
	return nil
}

func (c *DurableConnection) onConnectionLost(_ stan.Conn, reason error) {
	log.WithError(reason).Warn("lost connection to NATS Streaming, reconnecting")
	// Runs on its own goroutine
	for {
		err := c.reconnect()
		if err == nil {
			return
		}
		log.WithError(err).Error("error while reconnecting to NATS Streaming")
		time.Sleep(time.Second)
	}
}

func (c *DurableConnection) reconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.currentConn != nil {
		c.closeConnection()
	}

	conn, err := stan.Connect(c.clusterID, c.clientID, c.options...)
	if err != nil {
		return errors.WithMessage(err, "error connecting to NATS Streaming")
	}
	c.currentConn = conn

	for _, s := range c.subscriptions {
		if err := s(c.currentConn); err != nil {
			c.closeConnection()
			return errors.WithMessage(err, "error resubscribing to NATS Streaming")
		}
	}
	return nil
}

func (c *DurableConnection) closeConnection() {
	if err := c.currentConn.Close(); err != nil {
		log.WithError(err).Warn("error while closing NATS Streaming connection")
	}
}
