package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
)

var (
	// ErrDuplicateToday means an attendance record for the same card already
	// exists on the same calendar day.
	ErrDuplicateToday = errors.New("attendance already recorded today")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalid        = errors.New("invalid input")
)

// Attendance statuses.
const (
	StatusPresent  = "HADIR"
	StatusAbsent   = "TIDAK HADIR"
	StatusExcused  = "IZIN"
	StatusRejected = "DITOLAK"
)

// ValidStatus reports whether s is one of the attendance statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusExcused, StatusRejected:
		return true
	}
	return false
}

// UnknownName is recorded as the student name of a rejected unknown card.
const UnknownName = "UNKNOWN"

// Student is a directory entry keyed by card uid.
type Student struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Class     string    `json:"class"`
	NIS       string    `json:"nis"`
	UID       string    `json:"uid"`
	ProgramID *string   `json:"programId,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StudentInput creates a student.
type StudentInput struct {
	Name      string  `json:"name" binding:"required"`
	Class     string  `json:"class" binding:"required"`
	NIS       string  `json:"nis" binding:"required"`
	UID       string  `json:"uid" binding:"required"`
	ProgramID *string `json:"programId"`
}

// Normalize trims fields and canonicalises the uid.
func (in *StudentInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Class = strings.TrimSpace(in.Class)
	in.NIS = strings.TrimSpace(in.NIS)
	in.UID = CanonUID(in.UID)
	if in.ProgramID != nil && strings.TrimSpace(*in.ProgramID) == "" {
		in.ProgramID = nil
	}
}

// Validate reports missing required fields as ErrInvalid.
func (in StudentInput) Validate() error {
	if in.Name == "" || in.Class == "" || in.NIS == "" || in.UID == "" {
		return fmt.Errorf("%w: name, class, nis and uid are required", ErrInvalid)
	}
	return nil
}

// StudentPatch updates a student. Nil fields are left unchanged.
type StudentPatch struct {
	Name      *string `json:"name"`
	Class     *string `json:"class"`
	NIS       *string `json:"nis"`
	UID       *string `json:"uid"`
	ProgramID *string `json:"programId"`
	IsActive  *bool   `json:"isActive"`
}

// Apply returns s with the patch applied.
func (p StudentPatch) Apply(s Student) Student {
	if p.Name != nil {
		s.Name = strings.TrimSpace(*p.Name)
	}
	if p.Class != nil {
		s.Class = strings.TrimSpace(*p.Class)
	}
	if p.NIS != nil {
		s.NIS = strings.TrimSpace(*p.NIS)
	}
	if p.UID != nil {
		s.UID = CanonUID(*p.UID)
	}
	if p.ProgramID != nil {
		if id := strings.TrimSpace(*p.ProgramID); id == "" {
			s.ProgramID = nil
		} else {
			s.ProgramID = &id
		}
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	return s
}

// Program is a study program (program studi).
type Program struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Faculty      *string   `json:"faculty,omitempty"`
	StudentCount int       `json:"studentCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ProgramInput creates or replaces a program.
type ProgramInput struct {
	Code    string  `json:"code" binding:"required"`
	Name    string  `json:"name" binding:"required"`
	Faculty *string `json:"faculty"`
}

// Normalize trims fields and uppercases the code.
func (in *ProgramInput) Normalize() {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if in.Faculty != nil && strings.TrimSpace(*in.Faculty) == "" {
		in.Faculty = nil
	}
}

func (in ProgramInput) Validate() error {
	if in.Code == "" || in.Name == "" {
		return fmt.Errorf("%w: code and name are required", ErrInvalid)
	}
	return nil
}

// AttendanceRecord is one stored scan result.
type AttendanceRecord struct {
	ID          string    `json:"id"`
	UID         string    `json:"uid"`
	StudentID   *string   `json:"studentId,omitempty"`
	StudentName string    `json:"studentName"`
	Class       string    `json:"class"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	Day         string    `json:"day"`
	Timestamp   time.Time `json:"timestamp"`
}

// AttendanceInput creates an attendance record. DedupKey overrides the key
// the per-day uniqueness rule is applied on; it defaults to the student id,
// or the uid when there is no student.
type AttendanceInput struct {
	UID         string  `json:"uid"`
	StudentID   *string `json:"studentId"`
	StudentName string  `json:"studentName"`
	Class       string  `json:"class"`
	Status      string  `json:"status"`
	Source      string  `json:"source"`
	DedupKey    string  `json:"dedupKey,omitempty"`
}

// Key returns the per-day dedup key of the input. A student's key does not
// depend on Status, so any record for the day (IZIN, TIDAK HADIR entered by
// hand) blocks a later HADIR scan.
func (in AttendanceInput) Key() string {
	switch {
	case in.DedupKey != "":
		return in.DedupKey
	case in.StudentID != nil && *in.StudentID != "":
		return *in.StudentID
	default:
		return in.UID
	}
}

func (in *AttendanceInput) Normalize() {
	in.UID = CanonUID(in.UID)
	in.StudentName = strings.TrimSpace(in.StudentName)
	in.Class = strings.TrimSpace(in.Class)
	in.Status = strings.ToUpper(strings.TrimSpace(in.Status))
	if in.Status == "" {
		in.Status = StatusPresent
	}
	if in.StudentID != nil && *in.StudentID == "" {
		in.StudentID = nil
	}
}

func (in AttendanceInput) Validate() error {
	if in.UID == "" || in.StudentName == "" {
		return fmt.Errorf("%w: uid and studentName are required", ErrInvalid)
	}
	if !ValidStatus(in.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, in.Status)
	}
	return nil
}

// AttendanceFilter narrows an attendance listing. Date is YYYY-MM-DD.
type AttendanceFilter struct {
	Date      string
	StudentID string
	Status    string
	Limit     int
}

// AttendanceStats counts records by status.
type AttendanceStats struct {
	Total      int `json:"total"`
	Hadir      int `json:"hadir"`
	TidakHadir int `json:"tidakHadir"`
	Izin       int `json:"izin"`
	Ditolak    int `json:"ditolak"`
}

// Add counts n records of status.
func (s *AttendanceStats) Add(status string, n int) {
	s.Total += n
	switch status {
	case StatusPresent:
		s.Hadir += n
	case StatusAbsent:
		s.TidakHadir += n
	case StatusExcused:
		s.Izin += n
	case StatusRejected:
		s.Ditolak += n
	}
}

// CanonUID is protocol.Canon as a plain string.
func CanonUID(raw string) string {
	return protocol.Canon(raw).String()
}
