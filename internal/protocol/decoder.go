package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects which family of device messages a Decoder recognises.
type Dialect int

const (
	// DialectReader is the reader-only firmware: scans arrive as RFID_SCAN
	// and all dedup happens on the server.
	DialectReader Dialect = iota
	// DialectAttendance additionally understands CARD_SCANNED and
	// ATTENDANCE lines, where the device may attach its own verdict.
	DialectAttendance
)

// ParseDialect maps a config value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reader":
		return DialectReader, nil
	case "attendance":
		return DialectAttendance, nil
	default:
		return DialectReader, fmt.Errorf("unknown protocol dialect %q", s)
	}
}

func (d Dialect) String() string {
	if d == DialectAttendance {
		return "attendance"
	}
	return "reader"
}

// StatusTokens maps device verdict tokens to a DeviceStatus. New firmware
// verdicts are added as a new table version.
type StatusTokens struct {
	Version   int
	Duplicate []string
	Rejected  []string
	Accepted  []string
}

// StatusTokensV1 is the token table of the first attendance firmware.
var StatusTokensV1 = StatusTokens{
	Version:   1,
	Duplicate: []string{"DUPLICATE", "ALREADY", "SUDAH_ABSEN"},
	Rejected:  []string{"REJECTED", "DITOLAK", "UNKNOWN", "UNREGISTERED"},
	Accepted:  []string{"OK", "HADIR"},
}

// Status resolves a token. Unrecognised tokens resolve to DeviceStatusNone
// so the scan still goes through a directory lookup.
func (t StatusTokens) Status(token string) DeviceStatus {
	token = strings.ToUpper(strings.TrimSpace(token))
	for _, v := range t.Duplicate {
		if v == token {
			return DeviceStatusDuplicate
		}
	}
	for _, v := range t.Rejected {
		if v == token {
			return DeviceStatusRejected
		}
	}
	return DeviceStatusNone
}

// Device message prefixes.
const (
	PrefixRFIDScan      = "RFID_SCAN:"
	PrefixOK            = "WEB_OK:"
	PrefixError         = "WEB_ERROR:"
	PrefixMasterSet     = "WEB_MASTER_SET:"
	PrefixActiveStudent = "ACTIVE_STUDENT:"
	PrefixMasterCard    = "MASTER_CARD:"
	PrefixStudent       = "WEB_Mahasiswa:"
	PrefixStudentAdded  = "WEB_Mahasiswa_ADDED:"
	PrefixActiveSet     = "WEB_ACTIVE_SET:"
	PrefixCardScanned   = "CARD_SCANNED:"
	PrefixAttendance    = "ATTENDANCE:"
)

const sentinelNone = "NONE"

type parseFunc func(d Decoder, body string, at time.Time) Event

type rule struct {
	prefix  string
	parse   parseFunc
	dialect Dialect // minimum dialect that recognises the prefix
}

var rules = []rule{
	{PrefixRFIDScan, parseScan, DialectReader},
	{PrefixOK, parseInfo, DialectReader},
	{PrefixError, parseError, DialectReader},
	{PrefixMasterSet, parseMasterSet, DialectReader},
	{PrefixActiveStudent, parseActiveStudent, DialectReader},
	{PrefixMasterCard, parseMasterCard, DialectReader},
	{PrefixStudentAdded, parseStudentAdded, DialectReader},
	{PrefixStudent, parseStudentListItem, DialectReader},
	{PrefixActiveSet, parseActiveSet, DialectReader},
	{PrefixCardScanned, parseScan, DialectAttendance},
	{PrefixAttendance, parseAttendance, DialectAttendance},
}

// Decoder turns device lines into events. The zero value decodes the
// reader dialect with StatusTokensV1.
type Decoder struct {
	Dialect Dialect
	Tokens  *StatusTokens
}

// NewDecoder returns a decoder for the given dialect.
func NewDecoder(d Dialect) Decoder {
	return Decoder{Dialect: d, Tokens: &StatusTokensV1}
}

// Decode parses one line. It never panics; a line that is empty, malformed
// or carries an unrecognised prefix yields (nil, false).
func (d Decoder) Decode(line string, at time.Time) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	for _, r := range rules {
		if r.dialect > d.Dialect || !strings.HasPrefix(line, r.prefix) {
			continue
		}
		ev := r.parse(d, line[len(r.prefix):], at)
		if ev == nil {
			return nil, false
		}
		return ev, true
	}
	return nil, false
}

// Decode decodes a line with the reader dialect.
func Decode(line string, at time.Time) (Event, bool) {
	return Decoder{}.Decode(line, at)
}

func (d Decoder) tokens() StatusTokens {
	if d.Tokens == nil {
		return StatusTokensV1
	}
	return *d.Tokens
}

// fields splits a positional payload and pads it to n entries.
func fields(body string, n int) []string {
	parts := strings.Split(body, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}

func studentFrom(parts []string, withUID bool) DeviceStudent {
	s := DeviceStudent{Name: parts[0], Class: parts[1], NIS: parts[2]}
	if withUID {
		s.UID = Canon(parts[3])
	}
	return s
}

func parseScan(_ Decoder, body string, at time.Time) Event {
	uid := Canon(body)
	if uid.Empty() {
		return nil
	}
	return CardScanned{header: header{At: at}, UID: uid}
}

func parseAttendance(d Decoder, body string, at time.Time) Event {
	parts := fields(body, 4)
	uid := Canon(parts[0])
	if uid.Empty() {
		return nil
	}
	return CardScanned{
		header: header{At: at},
		UID:    uid,
		Status: d.tokens().Status(parts[1]),
		Name:   parts[2],
		Class:  parts[3],
	}
}

func parseInfo(_ Decoder, body string, at time.Time) Event {
	return Info{header: header{At: at}, Message: strings.TrimSpace(body)}
}

func parseError(_ Decoder, body string, at time.Time) Event {
	return Error{header: header{At: at}, Message: strings.TrimSpace(body)}
}

func parseMasterSet(_ Decoder, body string, at time.Time) Event {
	return MasterCardSet{header: header{At: at}, UID: Canon(body)}
}

func parseMasterCard(_ Decoder, body string, at time.Time) Event {
	return StatusReport{header: header{At: at}, MasterCard: Canon(body)}
}

func parseActiveStudent(_ Decoder, body string, at time.Time) Event {
	body = strings.TrimSpace(body)
	if body == sentinelNone {
		return StatusReport{header: header{At: at}, ActiveCleared: true}
	}
	s := studentFrom(fields(body, 3), false)
	return StatusReport{header: header{At: at}, ActiveStudent: &s}
}

func parseStudentListItem(_ Decoder, body string, at time.Time) Event {
	if strings.Count(body, ",") < 2 {
		return nil
	}
	return StudentListItem{header: header{At: at}, Student: studentFrom(fields(body, 4), true)}
}

func parseStudentAdded(_ Decoder, body string, at time.Time) Event {
	return StudentAdded{header: header{At: at}, Student: studentFrom(fields(body, 4), true)}
}

func parseActiveSet(_ Decoder, body string, at time.Time) Event {
	return ActiveStudentSet{header: header{At: at}, Student: studentFrom(fields(body, 3), false)}
}
