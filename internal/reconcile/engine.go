package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/transport"
)

// Disposition is the final classification of a processed scan.
type Disposition int

const (
	Accepted Disposition = iota + 1
	DuplicateToday
	UnknownCard
	TransientFailure
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case DuplicateToday:
		return "duplicate_today"
	case UnknownCard:
		return "unknown_card"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

func (d Disposition) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Retryable reports whether the user should simply scan again.
func (d Disposition) Retryable() bool { return d == TransientFailure }

// Outcome is the result of reconciling one CardScanned event. It is never
// modified after Process returns it.
type Outcome struct {
	CardID      protocol.CardID `json:"cardId"`
	StudentID   string          `json:"studentId,omitempty"`
	StudentName string          `json:"studentName"`
	ClassLabel  string          `json:"class"`
	Disposition Disposition     `json:"disposition"`
	Message     string          `json:"message"`
	// Suppressed marks an unknown card already reported today. Dashboards
	// skip the notification for it.
	Suppressed bool      `json:"suppressed,omitempty"`
	Err        string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Directory resolves cards to students.
type Directory interface {
	LookupCard(ctx context.Context, uid string) (*model.Student, error)
}

// Recorder persists attendance. A second record for the same key on the
// same day must fail with model.ErrDuplicateToday.
type Recorder interface {
	CreateAttendance(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error)
}

// Store is everything the engine needs from the application state. All
// writes go through it.
type Store interface {
	Directory
	Recorder
	RecordOutcome(o Outcome)
	EnrolStudent(ctx context.Context, s protocol.DeviceStudent) error
	ActiveKind() transport.Kind
	Send(ctx context.Context, cmd protocol.Command) error
}

// Config tunes an Engine.
type Config struct {
	// Source is stored on every attendance record, usually the device id.
	Source string
	// Feedback enables display and buzzer cues on network-capable devices.
	Feedback bool
	// Timeout bounds each backend call.
	Timeout time.Duration
	// QueueSize is the number of events Handle buffers ahead of Run.
	QueueSize int
	Now       func() time.Time
}

// Engine turns device events into attendance decisions. Events are
// processed one at a time in arrival order.
type Engine struct {
	store  Store
	cfg    Config
	events chan protocol.Event
}

// New builds an engine over store.
func New(store Store, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: store, cfg: cfg, events: make(chan protocol.Event, cfg.QueueSize)}
}

// Handle queues ev for Run. It blocks while the queue is full, so a slow
// backend applies backpressure to the device read loop instead of dropping
// scans.
func (e *Engine) Handle(ev protocol.Event) {
	e.events <- ev
}

// Run processes queued events until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.Process(ctx, ev)
		}
	}
}

// Process handles one event synchronously. It returns the outcome for
// CardScanned events and false for everything else.
func (e *Engine) Process(ctx context.Context, ev protocol.Event) (Outcome, bool) {
	switch ev := ev.(type) {
	case protocol.CardScanned:
		o := e.reconcile(ctx, ev)
		metrics.Scans.WithLabelValues(o.Disposition.String()).Inc()
		e.store.RecordOutcome(o)
		return o, true
	case protocol.StudentAdded:
		e.enrol(ctx, ev.Student)
	}
	return Outcome{}, false
}

func (e *Engine) reconcile(ctx context.Context, ev protocol.CardScanned) Outcome {
	card := protocol.Canon(ev.UID.String())
	o := Outcome{
		CardID:      card,
		StudentName: ev.Name,
		ClassLabel:  ev.Class,
		Timestamp:   ev.ReceivedAt(),
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = e.cfg.Now()
	}

	// the device's own verdict wins over the directory
	switch ev.Status {
	case protocol.DeviceStatusDuplicate:
		o.Disposition = DuplicateToday
		o.Message = duplicateMessage(o.StudentName, card)
		return o
	case protocol.DeviceStatusRejected:
		return e.rejectUnknown(ctx, o)
	}

	st, err := e.lookup(ctx, card)
	if err != nil {
		return e.fail(o, "lookup", err)
	}
	if st == nil {
		return e.rejectUnknown(ctx, o)
	}

	o.StudentID, o.StudentName, o.ClassLabel = st.ID, st.Name, st.Class
	_, err = e.create(ctx, model.AttendanceInput{
		UID:         card.String(),
		StudentID:   &st.ID,
		StudentName: st.Name,
		Class:       st.Class,
		Status:      model.StatusPresent,
		Source:      e.cfg.Source,
	})
	switch {
	case errors.Is(err, model.ErrDuplicateToday):
		o.Disposition = DuplicateToday
		o.Message = duplicateMessage(st.Name, card)
	case err != nil:
		return e.fail(o, "create attendance", err)
	default:
		o.Disposition = Accepted
		o.Message = fmt.Sprintf("%s (%s) checked in", st.Name, st.Class)
		e.feedback(ctx, st)
	}
	return o
}

// rejectUnknown records a best-effort DITOLAK entry keyed per card and day.
// Its result never changes the disposition.
func (e *Engine) rejectUnknown(ctx context.Context, o Outcome) Outcome {
	if o.StudentName == "" {
		o.StudentName = model.UnknownName
	}
	if o.ClassLabel == "" {
		o.ClassLabel = model.UnknownName
	}
	o.Disposition = UnknownCard
	o.Message = fmt.Sprintf("card %s is not registered", o.CardID)

	_, err := e.create(ctx, model.AttendanceInput{
		UID:         o.CardID.String(),
		StudentName: o.StudentName,
		Class:       o.ClassLabel,
		Status:      model.StatusRejected,
		Source:      e.cfg.Source,
		DedupKey:    model.UnknownName + "-" + o.CardID.String(),
	})
	switch {
	case errors.Is(err, model.ErrDuplicateToday):
		o.Suppressed = true
	case err != nil:
		log.Printf("record rejected card %s: %v", o.CardID, err)
	}
	return o
}

func (e *Engine) fail(o Outcome, step string, err error) Outcome {
	log.Printf("reconcile %s: %s failed: %v", o.CardID, step, err)
	logging.CaptureError(err, "reconcile "+step, map[string]interface{}{"card": o.CardID.String()})
	o.Disposition = TransientFailure
	o.Message = "could not record attendance, please scan again"
	o.Err = err.Error()
	return o
}

func (e *Engine) lookup(ctx context.Context, card protocol.CardID) (*model.Student, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.store.LookupCard(ctx, card.String())
}

func (e *Engine) create(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.store.CreateAttendance(ctx, in)
}

// feedback cues the device after an accepted scan. Failures are logged only.
func (e *Engine) feedback(ctx context.Context, st *model.Student) {
	if !e.cfg.Feedback || e.store.ActiveKind() != transport.KindNetwork {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	for _, cmd := range []protocol.Command{
		protocol.Display(st.Name, model.StatusPresent),
		protocol.Buzz("ok"),
	} {
		if err := e.store.Send(ctx, cmd); err != nil {
			log.Printf("feedback %s: %v", cmd.Name, err)
			return
		}
	}
}

// enrol persists a student the device confirmed with WEB_Mahasiswa_ADDED.
func (e *Engine) enrol(ctx context.Context, s protocol.DeviceStudent) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	err := e.store.EnrolStudent(ctx, s)
	switch {
	case errors.Is(err, model.ErrConflict):
		log.Printf("enrol %s: already registered", s.NIS)
	case err != nil:
		log.Printf("enrol %s: %v", s.NIS, err)
		logging.CaptureError(err, "enrol student", map[string]interface{}{"nis": s.NIS})
	}
}

func duplicateMessage(name string, card protocol.CardID) string {
	if name == "" {
		return fmt.Sprintf("card %s already checked in today", card)
	}
	return name + " already checked in today"
}
