package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdVibrate        CommandType = "vibrate"
	CmdRotate         CommandType = "rotate"
	CmdLinear         CommandType = "linear"
	CmdStopDevice     CommandType = "stopDevice"
	CmdStopAll        CommandType = "stopAll"
	CmdListDevices    CommandType = "listDevices"
	CmdRunPattern     CommandType = "runPattern"
	CmdStopPattern    CommandType = "stopPattern"
	CmdAddSchedule    CommandType = "addSchedule"
	CmdRemoveSchedule CommandType = "removeSchedule"
	CmdGetPatternCode CommandType = "getPatternCode"
	CmdSavePattern    CommandType = "savePatternCode"
	CmdDeletePattern  CommandType = "deletePattern"
)

// Command is the envelope for incoming requests from any front-end.
type Command struct {
	Type    CommandType
	Payload map[string]interface{}
	// Reply, when set, receives the outcome of the command. It must be
	// buffered; the agent never blocks on it.
	Reply chan error
}

// CommandChannel is the single channel that the core Agent listens to for commands.
type CommandChannel chan Command
