package bridge

import "regexp"

// CommandKind identifies a parsed channel or thread command.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdHangup
	CmdHangupID
	CmdAnswer
	CmdDispatch
	CmdStatus
	CmdHealth
	CmdHelp
)

// Command is a parsed dispatcher command. CallID and Text are filled only
// for the kinds that carry them.
type Command struct {
	Kind   CommandKind
	CallID string
	Text   string
}

var (
	cmdHangup   = regexp.MustCompile(`(?i)^!(?:hangup|end)$`)
	cmdHangupID = regexp.MustCompile(`(?i)^!(?:hangup|end)\s+(\S+)$`)
	cmdAnswer   = regexp.MustCompile(`(?i)^!answer\s+(\S+)$`)
	cmdDispatch = regexp.MustCompile(`(?is)^!d\s+(\S+)\s+(.+)$`)
	cmdStatus   = regexp.MustCompile(`(?i)^!status$`)
	cmdHealth   = regexp.MustCompile(`(?i)^!health$`)
	cmdHelp     = regexp.MustCompile(`(?i)^!help$`)
)

// ParseCommand matches the dispatcher command grammar against a trimmed
// message. Returns CmdNone for plain text.
func ParseCommand(content string) Command {
	switch {
	case cmdHangup.MatchString(content):
		return Command{Kind: CmdHangup}
	case cmdStatus.MatchString(content):
		return Command{Kind: CmdStatus}
	case cmdHealth.MatchString(content):
		return Command{Kind: CmdHealth}
	case cmdHelp.MatchString(content):
		return Command{Kind: CmdHelp}
	}

	if m := cmdAnswer.FindStringSubmatch(content); m != nil {
		return Command{Kind: CmdAnswer, CallID: m[1]}
	}
	if m := cmdDispatch.FindStringSubmatch(content); m != nil {
		return Command{Kind: CmdDispatch, CallID: m[1], Text: m[2]}
	}
	if m := cmdHangupID.FindStringSubmatch(content); m != nil {
		return Command{Kind: CmdHangupID, CallID: m[1]}
	}

	return Command{Kind: CmdNone}
}
