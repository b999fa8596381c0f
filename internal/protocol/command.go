package protocol

import "strings"

// Host to device command names.
const (
	CmdStatus       = "STATUS"
	CmdListStudents = "LIST_Mahasiswa"
	CmdScan         = "SCAN"
	CmdReset        = "RESET"
	CmdModeNormal   = "MODE_NORMAL"
	CmdModeRegister = "MODE_REGISTER"
	CmdAddStudent   = "ADD_Mahasiswa"
	CmdGetLog       = "GET_LOG"
	CmdDisplay      = "DISPLAY"
	CmdBuzz         = "BUZZ"
)

// Command is one host to device instruction. Args are joined after the
// name with commas.
type Command struct {
	Name string
	Args []string
}

// Cmd builds a command.
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// AddStudent builds ADD_Mahasiswa,<name>,<class>,<nis>,<uid>.
func AddStudent(name, class, nis string, uid CardID) Command {
	return Cmd(CmdAddStudent, name, class, nis, uid.String())
}

// Display asks a network-capable device to show two lines of text.
func Display(line1, line2 string) Command {
	return Cmd(CmdDisplay, line1, line2)
}

// Buzz asks a network-capable device to play a named buzzer pattern.
func Buzz(pattern string) Command {
	return Cmd(CmdBuzz, pattern)
}

var argReplacer = strings.NewReplacer(",", " ", "\n", " ", "\r", " ")

// Encode renders the command without a line terminator. Commas and line
// breaks inside arguments are replaced by spaces since the firmware splits
// on them without escaping.
func (c Command) Encode() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(',')
		b.WriteString(strings.TrimSpace(argReplacer.Replace(a)))
	}
	return b.String()
}

// Line renders the command with the trailing newline required on the
// serial link.
func (c Command) Line() string {
	return c.Encode() + "\n"
}

func (c Command) String() string { return c.Encode() }

// knownCommands are accepted from the dashboard without the feedback flag.
var knownCommands = map[string]bool{
	CmdStatus:       true,
	CmdListStudents: true,
	CmdScan:         true,
	CmdReset:        true,
	CmdModeNormal:   true,
	CmdModeRegister: true,
	CmdAddStudent:   true,
	CmdGetLog:       true,
}

// IsKnown reports whether name is a stock firmware command.
func IsKnown(name string) bool { return knownCommands[name] }

// IsFeedback reports whether name is a display/buzzer command, which only
// network-capable firmware understands.
func IsFeedback(name string) bool { return name == CmdDisplay || name == CmdBuzz }
