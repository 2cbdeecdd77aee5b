package cmd

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/messages"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/messaging/backends"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <messages file>",
		Short: "sends command messages to the scheduler",
		Long: "Sends the command messages listed in a YAML or JSON file, for example:\n\n" +
			"messages:\n" +
			"  - type: cancel_jobs\n" +
			"    body:\n" +
			"      job_ids: [1, 2]\n" +
			"      when: 2022-10-01T12:00:00Z\n",
		Args:   cobra.ExactArgs(1),
		PreRun: useCommandLineFormatter,
		RunE:   send,
	}
	return cmd
}

type messagesFile struct {
	Messages []struct {
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	} `json:"messages"`
}

func send(_ *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	sender, registry, err := newSender(config)
	if err != nil {
		return err
	}
	defer sender.Close()

	msgs, err := readMessages(registry, args[0])
	if err != nil {
		return err
	}
	if err := sender.SendMessages(context.Background(), msgs); err != nil {
		return err
	}
	log.Infof("sent %d message(s)", len(msgs))
	return nil
}

// readMessages decodes every message in a messages file. Nothing is returned unless every message decodes.
func readMessages(registry *messaging.Registry, path string) ([]messaging.CommandMessage, error) {
	raw, err := readYamlOrJson(path)
	if err != nil {
		return nil, err
	}
	var file messagesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "error reading messages from %s", path)
	}
	msgs := make([]messaging.CommandMessage, 0, len(file.Messages))
	for i, m := range file.Messages {
		msg, err := registry.DecodeBody(m.Type, m.Body)
		if err != nil {
			return nil, errors.WithMessagef(err, "message %d", i)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// newSender returns a manager that is only used to send. The messages it decodes are never executed here.
func newSender(config configuration.Configuration) (*messaging.Manager, *messaging.Registry, error) {
	if config.Messaging.Broker.Backend == backends.MemoryBackend {
		log.Warn("the memory broker only delivers within one process, messages sent from here are lost")
	}
	backend, err := backends.New(config.Messaging.Broker, clock.RealClock{})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "error creating the message broker")
	}
	registry := messaging.NewRegistry()
	messages.RegisterAll(registry, &messages.Env{})
	manager := messaging.NewManager(backend, registry, messaging.NewMemoryLedger(0), clock.RealClock{}, config.Messaging.Manager)
	return manager, registry, nil
}
