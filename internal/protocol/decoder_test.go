package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "student list item",
			line: "WEB_Mahasiswa:Jane Doe,3A,12345,ABCDEF",
			want: StudentListItem{header: header{At: at}, Student: DeviceStudent{Name: "Jane Doe", Class: "3A", NIS: "12345", UID: "ABCDEF"}},
		},
		{
			name: "student list item without uid",
			line: "WEB_Mahasiswa:Jane Doe,3A,12345",
			want: StudentListItem{header: header{At: at}, Student: DeviceStudent{Name: "Jane Doe", Class: "3A", NIS: "12345"}},
		},
		{
			name: "scan is canonicalised",
			line: "RFID_SCAN: ab12cd ",
			want: CardScanned{header: header{At: at}, UID: "AB12CD"},
		},
		{
			name: "scan with carriage return",
			line: "RFID_SCAN:de ad be ef\r",
			want: CardScanned{header: header{At: at}, UID: "DEADBEEF"},
		},
		{
			name: "info",
			line: "WEB_OK: Mahasiswa ditambahkan ",
			want: Info{header: header{At: at}, Message: "Mahasiswa ditambahkan"},
		},
		{
			name: "error",
			line: "WEB_ERROR:EEPROM full",
			want: Error{header: header{At: at}, Message: "EEPROM full"},
		},
		{
			name: "master set",
			line: "WEB_MASTER_SET:a1b2",
			want: MasterCardSet{header: header{At: at}, UID: "A1B2"},
		},
		{
			name: "active student none",
			line: "ACTIVE_STUDENT:NONE",
			want: StatusReport{header: header{At: at}, ActiveCleared: true},
		},
		{
			name: "active student",
			line: "ACTIVE_STUDENT:Budi,2B,777",
			want: StatusReport{header: header{At: at}, ActiveStudent: &DeviceStudent{Name: "Budi", Class: "2B", NIS: "777"}},
		},
		{
			name: "active student missing fields",
			line: "ACTIVE_STUDENT:Budi",
			want: StatusReport{header: header{At: at}, ActiveStudent: &DeviceStudent{Name: "Budi"}},
		},
		{
			name: "master card",
			line: "MASTER_CARD:ff00",
			want: StatusReport{header: header{At: at}, MasterCard: "FF00"},
		},
		{
			name: "student added missing uid",
			line: "WEB_Mahasiswa_ADDED:Ani,1C",
			want: StudentAdded{header: header{At: at}, Student: DeviceStudent{Name: "Ani", Class: "1C"}},
		},
		{
			name: "active set",
			line: "WEB_ACTIVE_SET:Ani,1C,99",
			want: ActiveStudentSet{header: header{At: at}, Student: DeviceStudent{Name: "Ani", Class: "1C", NIS: "99"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.line, at)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, at, got.ReceivedAt())
		})
	}
}

func TestDecodeIgnored(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"hello world",
		"RFID_SCAN:",
		"RFID_SCAN:   ",
		"WEB_Mahasiswa:only,two",
		"rfid_scan:abc",
		"CARD_SCANNED:abc",
		"ATTENDANCE:abc,OK",
		"WEB_OKAY:nope",
	}
	for _, line := range lines {
		ev, ok := Decode(line, at)
		assert.False(t, ok, "line %q", line)
		assert.Nil(t, ev, "line %q", line)
	}
}

func TestDecodeAttendanceDialect(t *testing.T) {
	d := NewDecoder(DialectAttendance)

	ev, ok := d.Decode("ATTENDANCE:ab cd,SUDAH_ABSEN,Jane,3A", at)
	require.True(t, ok)
	assert.Equal(t, CardScanned{header: header{At: at}, UID: "ABCD", Status: DeviceStatusDuplicate, Name: "Jane", Class: "3A"}, ev)

	ev, ok = d.Decode("ATTENDANCE:abcd,ditolak", at)
	require.True(t, ok)
	assert.Equal(t, DeviceStatusRejected, ev.(CardScanned).Status)

	ev, ok = d.Decode("ATTENDANCE:abcd,HADIR", at)
	require.True(t, ok)
	assert.Equal(t, DeviceStatusNone, ev.(CardScanned).Status)

	ev, ok = d.Decode("CARD_SCANNED:abcd", at)
	require.True(t, ok)
	assert.Equal(t, KindCardScanned, ev.Kind())

	// the reader family is still understood
	_, ok = d.Decode("RFID_SCAN:abcd", at)
	assert.True(t, ok)
}

func TestDecodeDeterministic(t *testing.T) {
	line := "WEB_Mahasiswa_ADDED:Jane,3A,1,abc"
	a, okA := Decode(line, at)
	b, okB := Decode(line, at)
	assert.Equal(t, okA, okB)
	assert.Equal(t, a, b)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("Attendance")
	require.NoError(t, err)
	assert.Equal(t, DialectAttendance, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectReader, d)

	_, err = ParseDialect("morse")
	assert.Error(t, err)
}

func TestCanon(t *testing.T) {
	tests := []struct {
		in   string
		want CardID
	}{
		{"ab12cd", "AB12CD"},
		{" AB 12\tcd\n", "AB12CD"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canon(tt.in))
		assert.Equal(t, Canon(tt.in), Canon(string(Canon(tt.in))))
	}
	assert.Equal(t, Canon("de:ad be:ef"), Canon("DE:AD BE:EF"))
}

func TestCommandEncode(t *testing.T) {
	assert.Equal(t, "STATUS", Cmd(CmdStatus).Encode())
	assert.Equal(t, "STATUS\n", Cmd(CmdStatus).Line())
	assert.Equal(t, "ADD_Mahasiswa,Jane Doe,3A,12345,ABCDEF", AddStudent("Jane Doe", "3A", "12345", "ABCDEF").Encode())
	assert.Equal(t, "DISPLAY,Doe  Jane,3A", Display("Doe, Jane", "3A").Encode())
	assert.True(t, IsKnown(CmdReset))
	assert.False(t, IsKnown(CmdDisplay))
	assert.True(t, IsFeedback(CmdBuzz))
}

func FuzzDecode(f *testing.F) {
	for _, seed := range []string{
		"RFID_SCAN: ab12cd ",
		"WEB_Mahasiswa:Jane Doe,3A,12345,ABCDEF",
		"ACTIVE_STUDENT:NONE",
		"ATTENDANCE:,,,,,",
		"WEB_Mahasiswa_ADDED:",
		"\x00\xff",
	} {
		f.Add(seed)
	}
	d := NewDecoder(DialectAttendance)
	f.Fuzz(func(t *testing.T, line string) {
		ev, ok := d.Decode(line, at)
		if ok != (ev != nil) {
			t.Fatalf("ok=%v but event=%v", ok, ev)
		}
		if ev == nil {
			return
		}
		again, _ := d.Decode(line, at)
		assert.Equal(t, ev, again)
		if scan, isScan := ev.(CardScanned); isScan {
			if scan.UID != Canon(string(scan.UID)) || strings.ContainsAny(string(scan.UID), " \t\n") {
				t.Fatalf("non canonical uid %q", scan.UID)
			}
		}
	})
}
