package messaging

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

// Constructor returns an empty message ready to have its body decoded into it.
type Constructor func() CommandMessage

// Registry maps message types to constructors. It is populated once at startup by the composition root.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a message type. Registering a type twice keeps the first constructor.
func (r *Registry) Register(messageType string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[messageType]; ok {
		log.Warnf("message type %s is already registered, ignoring", messageType)
		return
	}
	r.constructors[messageType] = constructor
}

// Types returns the registered message types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := maps.Keys(r.constructors)
	sort.Strings(types)
	return types
}

// New returns an empty message of the given type.
func (r *Registry) New(messageType string) (CommandMessage, error) {
	r.mu.RLock()
	constructor, ok := r.constructors[messageType]
	r.mu.RUnlock()
	if !ok {
		return nil, batchflowerrors.InvalidCommandMessage("unknown message type %q", messageType)
	}
	return constructor(), nil
}

// Decode parses an envelope and its body. Every failure is an InvalidCommandMessage error.
func (r *Registry) Decode(raw []byte) (*Envelope, CommandMessage, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, nil, batchflowerrors.InvalidCommandMessage("malformed envelope: %v", err)
	}
	if envelope.Type == "" {
		return envelope, nil, batchflowerrors.InvalidCommandMessage("envelope %s has no type", envelope.ID)
	}
	if len(envelope.Body) == 0 || bytes.Equal(envelope.Body, []byte("null")) {
		return envelope, nil, batchflowerrors.InvalidCommandMessage("envelope %s has no body", envelope.ID)
	}
	msg, err := r.DecodeBody(envelope.Type, envelope.Body)
	return envelope, msg, err
}

// DecodeBody decodes the body of a message of the given type.
func (r *Registry) DecodeBody(messageType string, body []byte) (CommandMessage, error) {
	msg, err := r.New(messageType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, batchflowerrors.InvalidCommandMessage("invalid %s body: %v", messageType, err)
	}
	return msg, nil
}
