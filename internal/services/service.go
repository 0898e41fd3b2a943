package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/cardmbx/internal/mailbox"
	"github.com/danmuck/cardmbx/internal/protocol/request"
	"github.com/rs/zerolog/log"
)

var ErrNoService = errors.New("services: no service for opcode")

// Service answers one collaborator opcode on the receiving endpoint.
type Service interface {
	Name() string
	Opcode() request.Opcode
	Status() (any, error)
	// Handle returns the reply payload. It is ignored for notifications.
	Handle(ctx context.Context, env request.Envelope) ([]byte, error)
}

// ServiceRegistry stores services by opcode.
type ServiceRegistry struct {
	repo map[request.Opcode]Service
	mu   sync.RWMutex
}

// NewServiceRegistry initializes an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		repo: make(map[request.Opcode]Service),
	}
}

// Register adds a service, replacing any previous one for its opcode.
func (sr *ServiceRegistry) Register(s Service) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.repo[s.Opcode()] = s
}

// All returns a snapshot of all registered services.
func (sr *ServiceRegistry) All() map[request.Opcode]Service {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make(map[request.Opcode]Service, len(sr.repo))
	for op, svc := range sr.repo {
		out[op] = svc
	}
	return out
}

func (sr *ServiceRegistry) Get(op request.Opcode) (Service, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	s, ok := sr.repo[op]
	return s, ok
}

// ServiceInfo is the listing form used by the admin surface.
type ServiceInfo struct {
	Name   string `json:"name"`
	Opcode string `json:"opcode"`
	Status any    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (sr *ServiceRegistry) List() []ServiceInfo {
	entries := sr.All()
	out := make([]ServiceInfo, 0, len(entries))
	for op, svc := range entries {
		info := ServiceInfo{Name: svc.Name(), Opcode: op.String()}
		if st, err := svc.Status(); err != nil {
			info.Error = err.Error()
		} else {
			info.Status = st
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

// Dispatch runs the service for env and returns its reply.
func (sr *ServiceRegistry) Dispatch(ctx context.Context, env request.Envelope) ([]byte, error) {
	svc, ok := sr.Get(env.Opcode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoService, env.Opcode)
	}
	return svc.Handle(ctx, env)
}

// Listener adapts the registry to a mailbox listener. Requests are answered
// over the transport they arrived on; failures are answered with a negative
// status so the requester does not wait out its TTL.
func (sr *ServiceRegistry) Listener(mb *mailbox.Mailbox) mailbox.ListenerFunc {
	return func(ctx context.Context, in mailbox.Inbound) {
		logger := log.With().Str("mailbox", mb.Name()).Uint64("msg_id", in.ID).Logger()
		env, err := request.Parse(in.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("bad request envelope")
			replyStatus(ctx, mb, in, StatusInvalid)
			return
		}
		logger = logger.With().Str("opcode", env.Opcode.String()).Logger()

		reply, err := sr.Dispatch(ctx, env)
		if env.Notification() {
			if err != nil {
				logger.Warn().Err(err).Msg("notification handler failed")
			}
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("request handler failed")
			code := StatusFailed
			if errors.Is(err, ErrNoService) {
				code = StatusUnsupported
			}
			replyStatus(ctx, mb, in, code)
			return
		}
		if len(reply) == 0 {
			reply = request.EncodeStatus(StatusOK)
		}
		if err := mb.Post(ctx, in.ID, reply, in.Transport); err != nil {
			logger.Error().Err(err).Msg("reply failed")
			return
		}
		logger.Debug().Int("size", len(reply)).Msg("request answered")
	}
}

// Reply status codes, errno style.
const (
	StatusOK          int32 = 0
	StatusFailed      int32 = -5
	StatusInvalid     int32 = -22
	StatusUnsupported int32 = -95
)

func replyStatus(ctx context.Context, mb *mailbox.Mailbox, in mailbox.Inbound, code int32) {
	if err := mb.Post(ctx, in.ID, request.EncodeStatus(code), in.Transport); err != nil {
		log.Error().Err(err).Str("mailbox", mb.Name()).Uint64("msg_id", in.ID).Msg("status reply failed")
	}
}
