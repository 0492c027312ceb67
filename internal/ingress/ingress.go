package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/fluxion/internal/engine"
	"github.com/rendis/fluxion/internal/validation"
	"github.com/rendis/fluxion/pkg/schema"
)

// Subject suffixes under the control prefix.
const (
	subjectMachineCreate = "machines.create"
	subjectMachineCancel = "machines.cancel"
	subjectEventPost     = "events.post"
	subjectEventReplay   = "events.replay"
	subjectEventUpdate   = "events.update"
	subjectEventGet      = "events.get"
	subjectEventDiscard  = "events.update-discarded"
	subjectEventPurge    = "events.delete-invalid"
	subjectStatusUpdate  = "status.update"
	subjectStatusAndPost = "status.update-and-post"
	subjectCancelPath    = "status.cancel-path"
	subjectUnsideline    = "states.unsideline"
	subjectRedriveReset  = "states.reset-replay-retries"
)

type reply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// machineRef addresses an existing machine, optionally with a state.
type machineRef struct {
	MachineID        string `json:"machine_id"`
	StateID          int64  `json:"state_id,omitempty"`
	ExecutionVersion int64  `json:"execution_version,omitempty"`
}

type eventPost struct {
	MachineID string                    `json:"machine_id"`
	Event     schema.VersionedEventData `json:"event"`
}

type replayPost struct {
	MachineID string           `json:"machine_id"`
	Event     schema.EventData `json:"event"`
}

type eventQuery struct {
	MachineID        string `json:"machine_id"`
	Name             string `json:"name"`
	ExecutionVersion int64  `json:"execution_version"`
}

type eventNames struct {
	MachineID string   `json:"machine_id"`
	Names     []string `json:"names"`
}

type statusPost struct {
	MachineID string                     `json:"machine_id"`
	Update    schema.ExecutionUpdateData `json:"update"`
}

type eventAndStatusPost struct {
	MachineID string                       `json:"machine_id"`
	Data      schema.EventAndExecutionData `json:"data"`
}

// Server exposes the execution controller over NATS request/reply. Every
// control operation answers with a reply payload; clients treat a missing
// reply as a timeout and may retry, so all handlers are safe to re-invoke.
type Server struct {
	conn       *nats.Conn
	controller *engine.Controller
	validator  *validation.MachineValidator
	prefix     string
	timeout    time.Duration
	logger     *slog.Logger
	subs       []*nats.Subscription
}

// NewServer builds the control-plane server. prefix defaults to "fluxion.ctl".
func NewServer(conn *nats.Conn, ctrl *engine.Controller, prefix string, logger *slog.Logger) (*Server, error) {
	validator, err := validation.NewMachineValidator()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "fluxion.ctl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		conn:       conn,
		controller: ctrl,
		validator:  validator,
		prefix:     prefix,
		timeout:    30 * time.Second,
		logger:     logger,
	}, nil
}

// Start subscribes every control subject in a queue group, so multiple
// engine replicas share the load without double-handling.
func (s *Server) Start() error {
	handlers := map[string]nats.MsgHandler{
		subjectMachineCreate: s.handleMachineCreate,
		subjectMachineCancel: s.handleMachineCancel,
		subjectEventPost:     s.handleEventPost,
		subjectEventReplay:   s.handleEventReplay,
		subjectEventUpdate:   s.handleEventUpdate,
		subjectEventGet:      s.handleEventGet,
		subjectEventDiscard:  s.handleEventDiscard,
		subjectEventPurge:    s.handleEventPurge,
		subjectStatusUpdate:  s.handleStatusUpdate,
		subjectStatusAndPost: s.handleStatusAndPost,
		subjectCancelPath:    s.handleCancelPath,
		subjectUnsideline:    s.handleUnsideline,
		subjectRedriveReset:  s.handleResetReplayRetries,
	}
	for suffix, handler := range handlers {
		sub, err := s.conn.QueueSubscribe(s.prefix+"."+suffix, "fluxion-engine", handler)
		if err != nil {
			s.drain()
			return schema.NewErrorf(schema.ErrCodeDispatch,
				"subscribe %s: %s", suffix, err.Error()).WithCause(err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("control plane listening", slog.String("prefix", s.prefix))
	return nil
}

// Stop drains the control subscriptions, letting in-flight handlers finish.
func (s *Server) Stop() {
	s.drain()
	s.logger.Info("control plane stopped")
}

func (s *Server) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Server) handleMachineCreate(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var def schema.StateMachineDefinition
	if !s.decode(msg, &def) {
		return
	}
	if err := s.validator.ValidateDefinition(&def); err != nil {
		s.replyErr(msg, err)
		return
	}
	sm, err := s.controller.CreateStateMachine(ctx, &def)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"machine_id": sm.ID})
}

func (s *Server) handleMachineCancel(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var ref machineRef
	if !s.decode(msg, &ref) {
		return
	}
	sm, err := s.controller.Machine(ctx, ref.MachineID)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	if err := s.controller.CancelStateMachine(ctx, sm); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleEventPost(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post eventPost
	if !s.decode(msg, &post) {
		return
	}
	states, err := s.controller.PostEvent(ctx, post.MachineID, post.Event)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"dispatched": len(states)})
}

func (s *Server) handleEventReplay(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post replayPost
	if !s.decode(msg, &post) {
		return
	}
	state, err := s.controller.PostReplayEvent(ctx, post.MachineID, post.Event)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{
		"state_id":          state.ID,
		"execution_version": state.ExecutionVersion,
	})
}

func (s *Server) handleEventUpdate(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post eventPost
	if !s.decode(msg, &post) {
		return
	}
	if err := s.controller.UpdateEventData(ctx, post.MachineID, post.Event); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleEventGet(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var q eventQuery
	if !s.decode(msg, &q) {
		return
	}
	event, err := s.controller.GetEventData(ctx, q.MachineID, q.Name, q.ExecutionVersion)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, event)
}

func (s *Server) handleEventDiscard(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post eventPost
	if !s.decode(msg, &post) {
		return
	}
	if err := s.controller.PersistDiscardedEvent(ctx, post.MachineID, post.Event); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleEventPurge(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var req eventNames
	if !s.decode(msg, &req) {
		return
	}
	if err := s.controller.DeleteInvalidEvents(ctx, req.MachineID, req.Names); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleStatusUpdate(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post statusPost
	if !s.decode(msg, &post) {
		return
	}
	if err := s.controller.UpdateTaskStatus(ctx, post.MachineID, post.Update); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleStatusAndPost(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post eventAndStatusPost
	if !s.decode(msg, &post) {
		return
	}
	states, err := s.controller.UpdateTaskStatusAndPostEvent(ctx, post.MachineID, post.Data)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"dispatched": len(states)})
}

func (s *Server) handleCancelPath(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var post eventAndStatusPost
	if !s.decode(msg, &post) {
		return
	}
	if err := s.controller.UpdateTaskStatusAndCancelPath(ctx, post.MachineID, post.Data); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleUnsideline(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var ref machineRef
	if !s.decode(msg, &ref) {
		return
	}
	if err := s.controller.UnsidelineState(ctx, ref.MachineID, ref.StateID); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) handleResetReplayRetries(msg *nats.Msg) {
	ctx, cancel := s.opContext()
	defer cancel()

	var ref machineRef
	if !s.decode(msg, &ref) {
		return
	}
	if err := s.controller.ResetReplayableRetries(ctx, ref.MachineID, ref.StateID); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, nil)
}

func (s *Server) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Server) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.replyErr(msg, schema.NewErrorf(schema.ErrCodeSerialization,
			"malformed request on %s: %s", msg.Subject, err.Error()).WithCause(err))
		return false
	}
	return true
}

func (s *Server) replyOK(msg *nats.Msg, result any) {
	r := reply{OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err == nil {
			r.Result = raw
		}
	}
	s.send(msg, r)
}

func (s *Server) replyErr(msg *nats.Msg, err error) {
	r := reply{OK: false, Error: err.Error()}
	if flErr, ok := err.(*schema.FluxionError); ok {
		r.Code = flErr.Code
	}
	s.send(msg, r)
}

func (s *Server) send(msg *nats.Msg, r reply) {
	if msg.Reply == "" {
		if !r.OK {
			s.logger.Warn("fire-and-forget request failed",
				slog.String("subject", msg.Subject),
				slog.String("error", r.Error))
		}
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warn("failed to publish reply",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
	}
}
