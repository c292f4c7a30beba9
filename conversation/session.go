package conversation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"grade-vista/internal/types"
	"grade-vista/menu"
)

// Step is a position in the fixed prompt sequence
type Step int32

const (
	StepAwaitName Step = iota
	StepAwaitExam
	StepAwaitYear
	StepAwaitBoard
	StepAwaitRoll
	StepAwaitReg
	StepProcessing
	StepDelivering
	StepFailed
)

var stepNames = [...]string{
	StepAwaitName:  "AwaitName",
	StepAwaitExam:  "AwaitExam",
	StepAwaitYear:  "AwaitYear",
	StepAwaitBoard: "AwaitBoard",
	StepAwaitRoll:  "AwaitRoll",
	StepAwaitReg:   "AwaitReg",
	StepProcessing: "Processing",
	StepDelivering: "Delivering",
	StepFailed:     "Failed",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("Step(%d)", int32(s))
	}
	return stepNames[s]
}

// inboxSize bounds how many replies a user can send ahead of the prompts
const inboxSize = 8

// noticeTimeout bounds messages sent after the session context has ended
const noticeTimeout = 30 * time.Second

// Session is one user's run through the prompt sequence. It runs on its own
// goroutine and suspends at every prompt until a reply arrives or its context ends.
type Session struct {
	chatID    int64
	gateway   Gateway
	retriever Retriever
	logger    types.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	inbox  chan Event
	done   chan struct{}
	step   atomic.Int32

	name    string
	payload types.Payload
}

func newSession(parent context.Context, chatID int64, gateway Gateway, retriever Retriever, logger types.Logger) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		chatID:    chatID,
		gateway:   gateway,
		retriever: retriever,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan Event, inboxSize),
		done:      make(chan struct{}),
	}
}

// Step returns the session's current step
func (s *Session) Step() Step {
	return Step(s.step.Load())
}

// Done is closed when the session has finished
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Payload returns the collected payload. Only meaningful once Done is closed.
func (s *Session) Payload() types.Payload {
	return s.payload
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver queues a reply. Replies sent once the job has started are dropped.
func (s *Session) deliver(ev Event) bool {
	if s.Step() >= StepProcessing {
		return false
	}
	select {
	case s.inbox <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			s.abandon(fmt.Errorf("%w: %v", ErrSessionPanicked, r))
		}
	}()

	if err := s.collect(); err != nil {
		s.abandon(err)
		return
	}
	s.process()
}

// collect walks the prompts in order. Every reply advances the sequence; a reply of the
// wrong kind leaves its field empty.
func (s *Session) collect() error {
	ev, err := s.await(StepAwaitName, PromptName, "")
	if err != nil {
		return err
	}
	s.name = strings.TrimSpace(valueOf(ev, EventText))
	if s.name == "" {
		s.name = DefaultName
	}

	if ev, err = s.await(StepAwaitExam, PromptExam, menu.Exam); err != nil {
		return err
	}
	s.payload.ExamName = valueOf(ev, EventButton)

	if ev, err = s.await(StepAwaitYear, PromptYear, ""); err != nil {
		return err
	}
	s.payload.Year = valueOf(ev, EventText)

	if ev, err = s.await(StepAwaitBoard, PromptBoard, menu.Board); err != nil {
		return err
	}
	s.payload.ExamBoard = valueOf(ev, EventButton)

	if ev, err = s.await(StepAwaitRoll, PromptRoll, ""); err != nil {
		return err
	}
	s.payload.RollNo = valueOf(ev, EventText)

	if ev, err = s.await(StepAwaitReg, PromptReg, ""); err != nil {
		return err
	}
	s.payload.RegNo = valueOf(ev, EventText)

	return nil
}

// await sends the step's prompt and suspends until the next reply
func (s *Session) await(step Step, prompt, menuName string) (Event, error) {
	s.step.Store(int32(step))

	var err error
	if menuName != "" {
		m, _ := menu.Get(menuName)
		err = s.gateway.SendMenu(s.ctx, s.chatID, prompt, m)
	} else {
		err = s.gateway.SendText(s.ctx, s.chatID, prompt)
	}
	if err != nil {
		if cause := context.Cause(s.ctx); cause != nil {
			return Event{}, cause
		}
		return Event{}, fmt.Errorf("failed to send %s prompt: %w", step, err)
	}

	select {
	case ev := <-s.inbox:
		s.logger.Debugf("Step %s answered with %s", step, ev.Kind)
		return ev, nil
	case <-s.ctx.Done():
		return Event{}, context.Cause(s.ctx)
	}
}

func (s *Session) process() {
	s.step.Store(int32(StepProcessing))
	if err := s.gateway.SendText(s.ctx, s.chatID, fmt.Sprintf(ProcessingFormat, html.EscapeString(s.name))); err != nil {
		s.logger.Warnf("Failed to send processing notice: %v", err)
	}

	s.logger.Infof("Retrieving result for exam=%q year=%q board=%q roll=%q",
		s.payload.ExamName, s.payload.Year, s.payload.ExamBoard, s.payload.RollNo)
	artifact, err := s.retriever.Retrieve(s.ctx, s.payload)

	if cause := context.Cause(s.ctx); cause != nil {
		if err := artifact.Remove(); err != nil {
			s.logger.Warnf("Failed to remove artifacts: %v", err)
		}
		s.abandon(cause)
		return
	}
	if err != nil || artifact == nil {
		s.fail(err)
		return
	}
	s.deliverArtifact(artifact)
}

func (s *Session) deliverArtifact(artifact *types.Artifact) {
	s.step.Store(int32(StepDelivering))
	defer func() {
		if err := artifact.Remove(); err != nil {
			s.logger.Warnf("Failed to remove artifacts: %v", err)
		}
	}()

	if err := s.gateway.SendDocument(s.ctx, s.chatID, artifact.DocumentPath, caption(artifact.Sheet)); err != nil {
		s.fail(fmt.Errorf("failed to send document: %w", err))
		return
	}
	if err := s.gateway.SendText(s.ctx, s.chatID, SuccessMessage); err != nil {
		s.logger.Warnf("Failed to send closing message: %v", err)
	}
	s.logger.Infof("Delivered result document (job %s)", artifact.JobID)
}

func (s *Session) fail(err error) {
	s.step.Store(int32(StepFailed))
	if kind := types.KindOf(err); kind != "" {
		s.logger.Warnf("Retrieval failed (%s): %v", kind, err)
	} else {
		s.logger.Warnf("Retrieval failed: %v", err)
	}
	if err := s.gateway.SendText(s.ctx, s.chatID, FailureMessage); err != nil {
		s.logger.Warnf("Failed to send failure message: %v", err)
	}
}

// abandon ends a session that stopped before delivery
func (s *Session) abandon(cause error) {
	switch {
	case errors.Is(cause, ErrSessionExpired):
		s.logger.Infof("Session expired at step %s", s.Step())
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), noticeTimeout)
		defer cancel()
		if err := s.gateway.SendText(ctx, s.chatID, ExpiredMessage); err != nil {
			s.logger.Warnf("Failed to send expiry notice: %v", err)
		}
	case errors.Is(cause, ErrSessionPanicked):
		s.logger.Errorf("Session crashed at step %s: %v", s.Step(), cause)
		s.step.Store(int32(StepFailed))
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), noticeTimeout)
		defer cancel()
		if err := s.gateway.SendText(ctx, s.chatID, FailureMessage); err != nil {
			s.logger.Warnf("Failed to send failure message: %v", err)
		}
	case errors.Is(cause, ErrSessionCancelled):
		s.logger.Infof("Session cancelled at step %s", s.Step())
	case errors.Is(cause, context.Canceled):
		s.logger.Debugf("Session stopped at step %s", s.Step())
	default:
		s.logger.Warnf("Session aborted at step %s: %v", s.Step(), cause)
	}
}

// valueOf returns the event payload when it has the expected kind
func valueOf(ev Event, want EventKind) string {
	if ev.Kind != want {
		return ""
	}
	return ev.Data
}

// caption summarises the parsed result sheet for the document message
func caption(sheet *types.ResultSheet) string {
	var parts []string
	if name := sheet.Get("Name"); name != "" {
		parts = append(parts, "<b>"+html.EscapeString(name)+"</b>")
	}
	if result := sheet.Get("Result"); result != "" {
		parts = append(parts, "Result: "+html.EscapeString(result))
	}
	if gpa := sheet.Get("GPA"); gpa != "" {
		parts = append(parts, "GPA: "+html.EscapeString(gpa))
	}
	return strings.Join(parts, "\n")
}
