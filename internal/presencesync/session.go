// Package presencesync keeps a participant's remote presence record fresh
// from local editor events, and watches the records of everyone else.
package presencesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
)

// Writer is the remote side of a Session
type Writer interface {
	Upsert(ctx context.Context, workspaceID uuid.UUID, patch domain.PresencePatch) error
	Remove(ctx context.Context, workspaceID uuid.UUID) error
}

// CursorSource says what moved the cursor
type CursorSource int

const (
	// CursorSourceEditor is the editor re-positioning the caret itself,
	// typically while laying out typed text.
	CursorSourceEditor CursorSource = iota
	CursorSourceMouse
	CursorSourceKeyboard
)

func (s CursorSource) String() string {
	switch s {
	case CursorSourceMouse:
		return "mouse"
	case CursorSourceKeyboard:
		return "keyboard"
	default:
		return "editor"
	}
}

// Options tunes a Session. Zero values take the defaults below.
type Options struct {
	StopTypingAfter      time.Duration // 750ms
	CursorDebounce       time.Duration // 100ms
	TypingHeartbeat      time.Duration // 1s
	IdleHeartbeat        time.Duration // 5s
	TypingSuppressWindow time.Duration // 750ms
	PushTimeout          time.Duration // 5s

	Clock  quartz.Clock
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.StopTypingAfter <= 0 {
		o.StopTypingAfter = 750 * time.Millisecond
	}
	if o.CursorDebounce <= 0 {
		o.CursorDebounce = 100 * time.Millisecond
	}
	if o.TypingHeartbeat <= 0 {
		o.TypingHeartbeat = time.Second
	}
	if o.IdleHeartbeat <= 0 {
		o.IdleHeartbeat = 5 * time.Second
	}
	if o.TypingSuppressWindow <= 0 {
		o.TypingSuppressWindow = 750 * time.Millisecond
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// timerSlot holds one re-armable timer. gen invalidates callbacks of timers
// that were replaced or stopped after they had already fired.
type timerSlot struct {
	timer *quartz.Timer
	gen   uint64
}

// Session is the presence state of one editor mount. Event methods never
// block on the network: pushes go into a single-slot mailbox that coalesces
// patches and is drained by one sender goroutine.
type Session struct {
	writer      Writer
	workspaceID uuid.UUID
	opts        Options
	clock       quartz.Clock
	logger      *zap.Logger

	mu           sync.Mutex
	closed       bool
	halted       bool
	focused      bool
	cursor       domain.Cursor
	selection    *domain.Selection
	typing       bool
	lastTypingAt time.Time

	stopTyping timerSlot
	debounce   timerSlot
	heartbeat  timerSlot

	// acked* hold what the Writer last accepted; nil means unknown.
	ackedCursor    *domain.Cursor
	ackedSelection *domain.Selection
	selectionAcked bool
	ackedTyping    *bool
	ackedActive    *bool

	pending    *domain.PresencePatch
	wake       chan struct{}
	flushReq   chan chan struct{}
	done       chan struct{}
	senderDone chan struct{}
}

// New starts a Session for workspaceID and announces the participant.
func New(writer Writer, workspaceID uuid.UUID, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		writer:      writer,
		workspaceID: workspaceID,
		opts:        opts,
		clock:       opts.Clock,
		logger:      opts.Logger.With(zap.String("workspace_id", workspaceID.String())),
		focused:     true,
		cursor:      domain.Cursor{Line: 1, Column: 1},
		wake:        make(chan struct{}, 1),
		flushReq:    make(chan chan struct{}),
		done:        make(chan struct{}),
		senderDone:  make(chan struct{}),
	}
	go s.run()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.pushCursorLocked(domain.PresencePatch{
		IsActive:  boolPtr(true),
		IsTyping:  boolPtr(false),
		Selection: domain.ClearSelection(),
		LastPing:  &now,
	})
	s.armHeartbeatLocked(opts.IdleHeartbeat)
	return s
}

// OnContentChange records a keystroke. The first keystroke of a burst pushes
// the typing indicator immediately; it is cleared StopTypingAfter the last
// keystroke, and the typing heartbeat carries the cursor in between.
func (s *Session) OnContentChange(cursor domain.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	wasTyping := s.typing
	s.cursor = cursor
	s.typing = true
	s.lastTypingAt = s.clock.Now()

	if !wasTyping {
		s.pushCursorLocked(domain.PresencePatch{
			IsTyping: boolPtr(true),
			IsActive: boolPtr(true),
		})
		s.armHeartbeatLocked(s.opts.TypingHeartbeat)
	}
	s.arm(&s.stopTyping, s.opts.StopTypingAfter, s.onStopTyping, "stopTyping")
}

// OnCursorMove records a caret move. Moves made by the editor itself while
// the user is typing are not pushed.
func (s *Session) OnCursorMove(cursor domain.Cursor, source CursorSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.cursor = cursor
	if source == CursorSourceEditor && s.typing &&
		s.clock.Since(s.lastTypingAt) < s.opts.TypingSuppressWindow {
		return
	}
	s.arm(&s.debounce, s.opts.CursorDebounce, s.onDebounce, "debounce")
}

// OnSelectionChange records a selection. nil or an empty range means no
// selection.
func (s *Session) OnSelectionChange(sel *domain.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if sel.IsEmpty() {
		s.selection = nil
	} else {
		cp := *sel
		s.selection = &cp
	}
	s.arm(&s.debounce, s.opts.CursorDebounce, s.onDebounce, "debounce")
}

// SetFocused marks the editor as focused or blurred. Blurring ends typing.
func (s *Session) SetFocused(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.focused == focused {
		return
	}
	s.focused = focused

	patch := domain.PresencePatch{IsActive: boolPtr(focused)}
	if !focused && s.typing {
		s.typing = false
		s.stop(&s.stopTyping)
		s.armHeartbeatLocked(s.opts.IdleHeartbeat)
		patch.IsTyping = boolPtr(false)
	}
	s.enqueueLocked(patch)
}

// Flush waits until every queued push has been handed to the Writer.
func (s *Session) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushReq <- ack:
	case <-s.senderDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-s.senderDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every timer, waits for an in-flight push, and then removes
// the participant's record. Queued pushes are discarded.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.stop(&s.stopTyping)
	s.stop(&s.debounce)
	s.stop(&s.heartbeat)
	halted := s.halted
	s.mu.Unlock()

	close(s.done)
	select {
	case <-s.senderDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if halted {
		return nil
	}
	if err := s.writer.Remove(ctx, s.workspaceID); err != nil {
		s.logger.Debug("Presence leave failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) onStopTyping() {
	if !s.typing {
		return
	}
	s.typing = false
	s.stop(&s.debounce)
	s.pushCursorLocked(domain.PresencePatch{
		IsTyping:  boolPtr(false),
		IsActive:  boolPtr(true),
		Selection: s.selectionPatchLocked(),
	})
	s.armHeartbeatLocked(s.opts.IdleHeartbeat)
}

func (s *Session) onDebounce() {
	if s.ackedCursor != nil && *s.ackedCursor == s.cursor && s.selectionInSyncLocked() {
		return
	}
	s.pushCursorLocked(domain.PresencePatch{
		IsActive:  boolPtr(true),
		Selection: s.selectionPatchLocked(),
	})
}

// onHeartbeat keeps the record alive and re-sends any field whose last
// accepted value differs from the local state.
func (s *Session) onHeartbeat() {
	if s.typing {
		patch := domain.PresencePatch{
			IsTyping: boolPtr(true),
			IsActive: boolPtr(true),
		}
		if !s.selectionInSyncLocked() {
			patch.Selection = s.selectionPatchLocked()
		}
		s.pushCursorLocked(patch)
		s.armHeartbeatLocked(s.opts.TypingHeartbeat)
		return
	}

	now := s.clock.Now()
	patch := domain.PresencePatch{LastPing: &now}
	if s.ackedTyping == nil || *s.ackedTyping {
		patch.IsTyping = boolPtr(false)
	}
	if s.ackedActive == nil || *s.ackedActive != s.focused {
		patch.IsActive = boolPtr(s.focused)
	}
	if !s.selectionInSyncLocked() {
		patch.Selection = s.selectionPatchLocked()
	}
	if s.ackedCursor == nil || *s.ackedCursor != s.cursor || patch.Selection.Set {
		s.pushCursorLocked(patch)
	} else {
		s.enqueueLocked(patch)
	}
	s.armHeartbeatLocked(s.opts.IdleHeartbeat)
}

// pushCursorLocked queues patch with the current cursor.
func (s *Session) pushCursorLocked(patch domain.PresencePatch) {
	cursor := s.cursor
	patch.Cursor = &cursor
	s.enqueueLocked(patch)
}

func (s *Session) selectionInSyncLocked() bool {
	return s.selectionAcked && selectionEqual(s.ackedSelection, s.selection)
}

// ackLocked records the fields of patch as accepted by the Writer.
func (s *Session) ackLocked(patch domain.PresencePatch) {
	if patch.Cursor != nil {
		cursor := *patch.Cursor
		s.ackedCursor = &cursor
	}
	if patch.Selection.Set {
		s.ackedSelection = nil
		if sel := patch.Selection.Value; sel != nil {
			cp := *sel
			s.ackedSelection = &cp
		}
		s.selectionAcked = true
	}
	if patch.IsTyping != nil {
		s.ackedTyping = boolPtr(*patch.IsTyping)
	}
	if patch.IsActive != nil {
		s.ackedActive = boolPtr(*patch.IsActive)
	}
}

func (s *Session) selectionPatchLocked() domain.SelectionPatch {
	return domain.ReplaceSelection(s.selection)
}

func (s *Session) armHeartbeatLocked(d time.Duration) {
	s.arm(&s.heartbeat, d, s.onHeartbeat, "heartbeat")
}

// arm (re)starts slot so that fn runs under s.mu after d.
func (s *Session) arm(slot *timerSlot, d time.Duration, fn func(), tag string) {
	if s.halted {
		return
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.gen++
	gen := slot.gen
	slot.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.halted || slot.gen != gen {
			return
		}
		fn()
	}, "presencesync", tag)
}

func (s *Session) stop(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

func (s *Session) enqueueLocked(patch domain.PresencePatch) {
	if s.closed || s.halted {
		return
	}
	if s.pending == nil {
		s.pending = &patch
	} else {
		merged := s.pending.Merge(patch)
		s.pending = &merged
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	defer close(s.senderDone)
	for {
		select {
		case <-s.wake:
			s.drain()
		case ack := <-s.flushReq:
			s.drain()
			close(ack)
		case <-s.done:
			return
		}
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		patch := s.pending
		s.pending = nil
		skip := s.halted
		s.mu.Unlock()
		if patch == nil || skip {
			return
		}
		s.send(*patch)
	}
}

func (s *Session) send(patch domain.PresencePatch) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PushTimeout)
	defer cancel()

	err := s.writer.Upsert(ctx, s.workspaceID, patch)
	if err == nil {
		s.mu.Lock()
		s.ackLocked(patch)
		s.mu.Unlock()
		return
	}
	if errors.Is(err, domain.ErrNotAuthenticated) {
		s.mu.Lock()
		if !s.halted {
			s.halted = true
			s.pending = nil
			s.stop(&s.stopTyping)
			s.stop(&s.debounce)
			s.stop(&s.heartbeat)
			s.logger.Info("Presence disabled: not authenticated")
		}
		s.mu.Unlock()
		return
	}
	s.logger.Debug("Presence push dropped", zap.Error(err))
}

func selectionEqual(a, b *domain.Selection) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func boolPtr(b bool) *bool { return &b }
