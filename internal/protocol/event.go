package protocol

import "time"

// Kind identifies the variant of a decoded device Event.
type Kind int

const (
	KindStatusReport Kind = iota + 1
	KindCardScanned
	KindStudentAdded
	KindStudentListItem
	KindActiveStudentSet
	KindMasterCardSet
	KindInfo
	KindError
)

var kindNames = map[Kind]string{
	KindStatusReport:     "status",
	KindCardScanned:      "card_scanned",
	KindStudentAdded:     "student_added",
	KindStudentListItem:  "student_list_item",
	KindActiveStudentSet: "active_student_set",
	KindMasterCardSet:    "master_card_set",
	KindInfo:             "info",
	KindError:            "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a decoded device message. The set of implementations is closed:
// only types in this package satisfy it, so a type switch over the concrete
// types below is exhaustive.
type Event interface {
	Kind() Kind
	ReceivedAt() time.Time
	event()
}

type header struct {
	At time.Time `json:"receivedAt"`
}

func (h header) ReceivedAt() time.Time { return h.At }
func (header) event()                  {}

// DeviceStudent is a student record as the device reports it.
type DeviceStudent struct {
	Name  string `json:"name"`
	Class string `json:"class"`
	NIS   string `json:"nis"`
	UID   CardID `json:"uid,omitempty"`
}

// DeviceStatus is a status token the device attaches to a scan in the
// attendance dialect.
type DeviceStatus int

const (
	DeviceStatusNone DeviceStatus = iota
	DeviceStatusDuplicate
	DeviceStatusRejected
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceStatusDuplicate:
		return "duplicate"
	case DeviceStatusRejected:
		return "rejected"
	default:
		return "none"
	}
}

// StatusReport carries ACTIVE_STUDENT and MASTER_CARD lines.
// ActiveCleared is set for ACTIVE_STUDENT:NONE.
type StatusReport struct {
	header
	ActiveStudent *DeviceStudent `json:"activeStudent,omitempty"`
	ActiveCleared bool           `json:"activeCleared,omitempty"`
	MasterCard    CardID         `json:"masterCard,omitempty"`
}

// CardScanned is a card presented to the reader.
type CardScanned struct {
	header
	UID    CardID       `json:"uid"`
	Status DeviceStatus `json:"status"`
	// Name and Class are only filled when the device resolved the card
	// itself (attendance dialect).
	Name  string `json:"name,omitempty"`
	Class string `json:"class,omitempty"`
}

// StudentAdded confirms an ADD_Mahasiswa command.
type StudentAdded struct {
	header
	Student DeviceStudent `json:"student"`
}

// StudentListItem is one row of a LIST_Mahasiswa reply.
type StudentListItem struct {
	header
	Student DeviceStudent `json:"student"`
}

// ActiveStudentSet confirms the device-side active student.
type ActiveStudentSet struct {
	header
	Student DeviceStudent `json:"student"`
}

// MasterCardSet confirms a new master card.
type MasterCardSet struct {
	header
	UID CardID `json:"uid"`
}

// Info is a WEB_OK message.
type Info struct {
	header
	Message string `json:"message"`
}

// Error is a WEB_ERROR message.
type Error struct {
	header
	Message string `json:"message"`
}

func (StatusReport) Kind() Kind     { return KindStatusReport }
func (CardScanned) Kind() Kind      { return KindCardScanned }
func (StudentAdded) Kind() Kind     { return KindStudentAdded }
func (StudentListItem) Kind() Kind  { return KindStudentListItem }
func (ActiveStudentSet) Kind() Kind { return KindActiveStudentSet }
func (MasterCardSet) Kind() Kind    { return KindMasterCardSet }
func (Info) Kind() Kind             { return KindInfo }
func (Error) Kind() Kind            { return KindError }
