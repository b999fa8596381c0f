package state

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/reconcile"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/transport"
)

// Update types delivered to watchers.
const (
	UpdateOutcome    = "outcome"
	UpdateConnection = "connection"
	UpdateDevice     = "device"
)

// attendanceCacheSize matches the API's listing limit.
const attendanceCacheSize = 100

// Backend is the attendance API as the bridge sees it.
type Backend interface {
	LookupCard(ctx context.Context, uid string) (*model.Student, error)

	ListStudents(ctx context.Context) ([]model.Student, error)
	CreateStudent(ctx context.Context, in model.StudentInput) (model.Student, error)
	UpdateStudent(ctx context.Context, id string, patch model.StudentPatch) (model.Student, error)
	DeleteStudent(ctx context.Context, id string) error

	ListPrograms(ctx context.Context) ([]model.Program, error)
	CreateProgram(ctx context.Context, in model.ProgramInput) (model.Program, error)
	UpdateProgram(ctx context.Context, id string, in model.ProgramInput) (model.Program, error)
	DeleteProgram(ctx context.Context, id string) error

	CreateAttendance(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error)
	ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error)
	DeleteAttendance(ctx context.Context, id string) error
	DeleteAllAttendance(ctx context.Context) (int64, error)
	Stats(ctx context.Context, date string) (model.AttendanceStats, error)
}

// ChannelFactory builds an unconnected channel of kind that reports its
// state changes to onState.
type ChannelFactory func(kind transport.Kind, onState transport.StateFunc) (transport.Channel, error)

// ConnectionState describes the device link.
type ConnectionState struct {
	Kind      transport.Kind   `json:"transport"`
	Status    transport.Status `json:"status"`
	LastError string           `json:"lastError,omitempty"`
}

// DeviceStatus is what the device last reported about itself.
type DeviceStatus struct {
	ActiveStudent *protocol.DeviceStudent `json:"activeStudent,omitempty"`
	MasterCard    protocol.CardID         `json:"masterCard,omitempty"`
	LastMessage   string                  `json:"lastMessage,omitempty"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// DeviceLogEntry is one decoded device message.
type DeviceLogEntry struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Event protocol.Event `json:"event"`
	At    time.Time      `json:"timestamp"`
}

// Update is a state change pushed to watchers.
type Update struct {
	Type    string
	Payload any
	At      time.Time
}

// Options sizes the store's logs.
type Options struct {
	OutcomeLogSize int
	DeviceLogSize  int
	Now            func() time.Time
}

// Store is the application state of the bridge. It owns the one active
// device channel and is the only writer of the logs and caches.
type Store struct {
	backend Backend
	factory ChannelFactory
	now     func() time.Time

	// connMu serialises Connect and Disconnect.
	connMu sync.Mutex

	mu         sync.RWMutex
	channel    transport.Channel
	unsub      func()
	gen        int
	conn       ConnectionState
	outcomes   *ring[reconcile.Outcome]
	deviceLog  *ring[DeviceLogEntry]
	device     DeviceStatus
	roster     []protocol.DeviceStudent
	students   []model.Student
	programs   []model.Program
	attendance []model.AttendanceRecord

	handlers listeners[transport.Handler]
	watchers listeners[func(Update)]
}

var _ reconcile.Store = (*Store)(nil)

// New builds an empty store.
func New(backend Backend, factory ChannelFactory, o Options) *Store {
	if o.OutcomeLogSize <= 0 {
		o.OutcomeLogSize = 100
	}
	if o.DeviceLogSize <= 0 {
		o.DeviceLogSize = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Store{
		backend:   backend,
		factory:   factory,
		now:       o.Now,
		outcomes:  newRing[reconcile.Outcome](o.OutcomeLogSize),
		deviceLog: newRing[DeviceLogEntry](o.DeviceLogSize),
	}
}

// ---- connection ----

// Connect tears down the current channel, if any, and opens a new one of
// kind to target.
func (s *Store) Connect(ctx context.Context, kind transport.Kind, target string) error {
	if kind == transport.KindNone {
		return fmt.Errorf("%w: no transport selected", transport.ErrUnavailable)
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.teardown()

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	ch, err := s.factory(kind, func(k transport.Kind, st transport.Status, err error) {
		s.onState(gen, k, st, err)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.channel = ch
	s.unsub = ch.Subscribe(func(ev protocol.Event) { s.dispatch(gen, ev) })
	s.conn = ConnectionState{Kind: kind, Status: transport.StatusConnecting}
	s.roster = nil
	conn := s.conn
	s.mu.Unlock()
	s.emit(UpdateConnection, conn)

	if err := ch.Connect(ctx, target); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.conn.Status = transport.StatusDisconnected
			s.conn.LastError = err.Error()
		}
		conn = s.conn
		s.mu.Unlock()
		s.emit(UpdateConnection, conn)
		return err
	}
	return nil
}

// Disconnect releases the active channel. It is safe to call at any time;
// a Connect still in flight is aborted and returns transport.ErrClosed.
func (s *Store) Disconnect() {
	s.mu.RLock()
	pending := s.channel
	s.mu.RUnlock()
	if pending != nil {
		// frees connMu when a Connect is waiting on this channel
		pending.Disconnect()
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.teardown()
	s.mu.Lock()
	s.conn = ConnectionState{Kind: transport.KindNone, Status: transport.StatusDisconnected}
	conn := s.conn
	s.mu.Unlock()
	s.emit(UpdateConnection, conn)
}

// teardown must be called with connMu held. Bumping gen first makes the
// old channel's late callbacks stale.
func (s *Store) teardown() {
	s.mu.Lock()
	ch, unsub := s.channel, s.unsub
	s.channel, s.unsub = nil, nil
	s.gen++
	s.mu.Unlock()
	if ch != nil {
		unsub()
		ch.Disconnect()
	}
}

func (s *Store) onState(gen int, kind transport.Kind, status transport.Status, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn.Kind, s.conn.Status = kind, status
	if err != nil {
		s.conn.LastError = err.Error()
	} else if status == transport.StatusConnected {
		s.conn.LastError = ""
	}
	conn := s.conn
	s.mu.Unlock()
	s.emit(UpdateConnection, conn)
}

// Connection returns the current link state.
func (s *Store) Connection() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// ActiveKind is the kind of the owned channel, KindNone without one.
func (s *Store) ActiveKind() transport.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.channel == nil {
		return transport.KindNone
	}
	return s.conn.Kind
}

// Send writes cmd to the active channel.
func (s *Store) Send(ctx context.Context, cmd protocol.Command) error {
	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()
	if ch == nil {
		return transport.ErrNotConnected
	}
	return ch.Send(ctx, cmd)
}

// Subscribe registers h for device events of whichever channel is active,
// across channel switches.
func (s *Store) Subscribe(h transport.Handler) (unsubscribe func()) {
	return s.handlers.add(h)
}

// Watch registers fn for state updates. fn runs on the goroutine that made
// the change and must not block.
func (s *Store) Watch(fn func(Update)) (unwatch func()) {
	return s.watchers.add(fn)
}

func (s *Store) emit(typ string, payload any) {
	u := Update{Type: typ, Payload: payload, At: s.now()}
	for _, fn := range s.watchers.snapshot() {
		fn(u)
	}
}

// dispatch records ev and forwards it to subscribers in arrival order.
func (s *Store) dispatch(gen int, ev protocol.Event) {
	at := ev.ReceivedAt()
	if at.IsZero() {
		at = s.now()
	}
	entry := DeviceLogEntry{ID: uuid.NewString(), Type: ev.Kind().String(), Event: ev, At: at}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.deviceLog.push(entry)
	errChanged := s.applyDevice(ev, at)
	conn := s.conn
	s.mu.Unlock()

	s.emit(UpdateDevice, entry)
	if errChanged {
		s.emit(UpdateConnection, conn)
	}
	for _, h := range s.handlers.snapshot() {
		h(ev)
	}
}

// applyDevice must be called with mu held. It reports whether the
// connection state changed.
func (s *Store) applyDevice(ev protocol.Event, at time.Time) bool {
	switch ev := ev.(type) {
	case protocol.StatusReport:
		if ev.ActiveCleared {
			s.device.ActiveStudent = nil
		} else if ev.ActiveStudent != nil {
			st := *ev.ActiveStudent
			s.device.ActiveStudent = &st
		}
		if !ev.MasterCard.Empty() {
			s.device.MasterCard = ev.MasterCard
		}
	case protocol.ActiveStudentSet:
		st := ev.Student
		s.device.ActiveStudent = &st
	case protocol.MasterCardSet:
		s.device.MasterCard = ev.UID
	case protocol.Info:
		s.device.LastMessage = ev.Message
	case protocol.StudentListItem:
		s.upsertRoster(ev.Student)
		return false
	case protocol.Error:
		s.conn.LastError = ev.Message
		return true
	default:
		return false
	}
	s.device.UpdatedAt = at
	return false
}

func (s *Store) upsertRoster(st protocol.DeviceStudent) {
	for i := range s.roster {
		if s.roster[i].NIS == st.NIS {
			s.roster[i] = st
			return
		}
	}
	s.roster = append(s.roster, st)
}

// DeviceStatus returns the last device-reported status.
func (s *Store) DeviceStatus() DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.device
	if out.ActiveStudent != nil {
		st := *out.ActiveStudent
		out.ActiveStudent = &st
	}
	return out
}

// Roster returns the students the device listed since the last connect.
func (s *Store) Roster() []protocol.DeviceStudent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.DeviceStudent(nil), s.roster...)
}

// DeviceLog returns decoded device messages, newest first.
func (s *Store) DeviceLog() []DeviceLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceLog.newestFirst()
}

func (s *Store) ClearDeviceLog() {
	s.mu.Lock()
	s.deviceLog.clear()
	s.mu.Unlock()
}

// ---- outcomes ----

// RecordOutcome appends o to the outcome log, evicting the oldest entry
// when full.
func (s *Store) RecordOutcome(o reconcile.Outcome) {
	s.mu.Lock()
	s.outcomes.push(o)
	s.mu.Unlock()
	s.emit(UpdateOutcome, o)
}

// Outcomes returns the outcome log, newest first.
func (s *Store) Outcomes() []reconcile.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcomes.newestFirst()
}

// ---- directory ----

// LookupCard resolves a card through the backend. A miss is (nil, nil).
func (s *Store) LookupCard(ctx context.Context, uid string) (*model.Student, error) {
	return s.backend.LookupCard(ctx, protocol.Canon(uid).String())
}

// FetchStudents replaces the student cache with the backend's list.
func (s *Store) FetchStudents(ctx context.Context) ([]model.Student, error) {
	students, err := s.backend.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.students = students
	s.mu.Unlock()
	return students, nil
}

func (s *Store) Students() []model.Student {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Student(nil), s.students...)
}

func (s *Store) CreateStudent(ctx context.Context, in model.StudentInput) (model.Student, error) {
	st, err := s.backend.CreateStudent(ctx, in)
	if err != nil {
		return model.Student{}, err
	}
	s.mu.Lock()
	s.students = append(s.students, st)
	s.mu.Unlock()
	return st, nil
}

func (s *Store) UpdateStudent(ctx context.Context, id string, patch model.StudentPatch) (model.Student, error) {
	st, err := s.backend.UpdateStudent(ctx, id, patch)
	if err != nil {
		return model.Student{}, err
	}
	s.mu.Lock()
	s.students = replaceByID(s.students, st, func(v model.Student) string { return v.ID })
	s.mu.Unlock()
	return st, nil
}

func (s *Store) DeleteStudent(ctx context.Context, id string) error {
	if err := s.backend.DeleteStudent(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.students = removeByID(s.students, id, func(v model.Student) string { return v.ID })
	s.mu.Unlock()
	return nil
}

// EnrolStudent persists a student the device confirmed.
func (s *Store) EnrolStudent(ctx context.Context, ds protocol.DeviceStudent) error {
	_, err := s.CreateStudent(ctx, model.StudentInput{
		Name:  ds.Name,
		Class: ds.Class,
		NIS:   ds.NIS,
		UID:   ds.UID.String(),
	})
	return err
}

func (s *Store) FetchPrograms(ctx context.Context) ([]model.Program, error) {
	programs, err := s.backend.ListPrograms(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.programs = programs
	s.mu.Unlock()
	return programs, nil
}

func (s *Store) Programs() []model.Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Program(nil), s.programs...)
}

func (s *Store) CreateProgram(ctx context.Context, in model.ProgramInput) (model.Program, error) {
	p, err := s.backend.CreateProgram(ctx, in)
	if err != nil {
		return model.Program{}, err
	}
	s.mu.Lock()
	s.programs = append(s.programs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *Store) UpdateProgram(ctx context.Context, id string, in model.ProgramInput) (model.Program, error) {
	p, err := s.backend.UpdateProgram(ctx, id, in)
	if err != nil {
		return model.Program{}, err
	}
	s.mu.Lock()
	s.programs = replaceByID(s.programs, p, func(v model.Program) string { return v.ID })
	s.mu.Unlock()
	return p, nil
}

func (s *Store) DeleteProgram(ctx context.Context, id string) error {
	if err := s.backend.DeleteProgram(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.programs = removeByID(s.programs, id, func(v model.Program) string { return v.ID })
	s.mu.Unlock()
	return nil
}

// ---- attendance ----

// CreateAttendance records through the backend and prepends the record to
// the cache. A same-day duplicate fails with model.ErrDuplicateToday.
func (s *Store) CreateAttendance(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error) {
	rec, err := s.backend.CreateAttendance(ctx, in)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.mu.Lock()
	s.attendance = append([]model.AttendanceRecord{rec}, s.attendance...)
	if len(s.attendance) > attendanceCacheSize {
		s.attendance = s.attendance[:attendanceCacheSize]
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *Store) FetchAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	records, err := s.backend.ListAttendance(ctx, f)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.attendance = records
	s.mu.Unlock()
	return records, nil
}

func (s *Store) Attendance() []model.AttendanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AttendanceRecord(nil), s.attendance...)
}

func (s *Store) DeleteAttendance(ctx context.Context, id string) error {
	if err := s.backend.DeleteAttendance(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.attendance = removeByID(s.attendance, id, func(v model.AttendanceRecord) string { return v.ID })
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteAllAttendance(ctx context.Context) (int64, error) {
	n, err := s.backend.DeleteAllAttendance(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.attendance = nil
	s.mu.Unlock()
	return n, nil
}

func (s *Store) Stats(ctx context.Context, date string) (model.AttendanceStats, error) {
	return s.backend.Stats(ctx, date)
}

// ResetDevice sends RESET and then clears the attendance log.
func (s *Store) ResetDevice(ctx context.Context) (int64, error) {
	if err := s.Send(ctx, protocol.Cmd(protocol.CmdReset)); err != nil {
		return 0, fmt.Errorf("send %s: %w", protocol.CmdReset, err)
	}
	n, err := s.DeleteAllAttendance(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear attendance after reset: %w", err)
	}
	log.Printf("device reset: %d attendance records removed", n)
	return n, nil
}

// Refresh reloads every directory cache.
func (s *Store) Refresh(ctx context.Context) error {
	if _, err := s.FetchPrograms(ctx); err != nil {
		return fmt.Errorf("fetch programs: %w", err)
	}
	if _, err := s.FetchStudents(ctx); err != nil {
		return fmt.Errorf("fetch students: %w", err)
	}
	if _, err := s.FetchAttendance(ctx, model.AttendanceFilter{}); err != nil {
		return fmt.Errorf("fetch attendance: %w", err)
	}
	return nil
}

func replaceByID[T any](items []T, v T, id func(T) string) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := range out {
		if id(out[i]) == id(v) {
			out[i] = v
			return out
		}
	}
	return append(out, v)
}

func removeByID[T any](items []T, target string, id func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, v := range items {
		if id(v) != target {
			out = append(out, v)
		}
	}
	return out
}
