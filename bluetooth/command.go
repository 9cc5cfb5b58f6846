package bluetooth

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Command is a playback command exchanged over the command characteristic.
type Command int

// Playback commands. The zero value is not a valid command.
const (
	CommandPlay Command = iota + 1
	CommandPause
	CommandStop
	CommandSeekForward
	CommandSeekBackward
	CommandVolumeUp
	CommandVolumeDown
)

var commandNames = map[Command]string{
	CommandPlay:         "play",
	CommandPause:        "pause",
	CommandStop:         "stop",
	CommandSeekForward:  "seekForward",
	CommandSeekBackward: "seekBackward",
	CommandVolumeUp:     "volumeUp",
	CommandVolumeDown:   "volumeDown",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		m[name] = c
	}
	return m
}()

// Commands returns every valid command in declaration order.
func Commands() []Command {
	return []Command{
		CommandPlay,
		CommandPause,
		CommandStop,
		CommandSeekForward,
		CommandSeekBackward,
		CommandVolumeUp,
		CommandVolumeDown,
	}
}

// String returns the wire name of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether c is one of the seven playback commands.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// Encode returns the wire form: the UTF-8 bytes of the command name, no framing.
func (c Command) Encode() ([]byte, error) {
	name, ok := commandNames[c]
	if !ok {
		return nil, errors.Errorf("cannot encode command %d", int(c))
	}
	return []byte(name), nil
}

// MarshalText implements encoding.TextMarshaler so commands render by name in JSON.
func (c Command) MarshalText() ([]byte, error) {
	return c.Encode()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Command) UnmarshalText(text []byte) error {
	cmd, err := DecodeCommand(text)
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}

// ParseCommand looks up a command by its exact, case-sensitive wire name.
func ParseCommand(name string) (Command, error) {
	cmd, ok := commandsByName[name]
	if !ok {
		return 0, newError(ErrDecodeFailed, "parse command", errors.Errorf("unrecognized command %q", name))
	}
	return cmd, nil
}

// DecodeCommand decodes a notification payload. Anything other than the exact
// UTF-8 name of a command fails with ErrDecodeFailed.
func DecodeCommand(data []byte) (Command, error) {
	if !utf8.Valid(data) {
		return 0, newError(ErrDecodeFailed, "decode command", errors.New("payload is not valid UTF-8"))
	}
	return ParseCommand(string(data))
}
