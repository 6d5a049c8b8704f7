package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Command
	}{
		{"hangup", "!hangup", Command{Kind: CmdHangup}},
		{"end alias", "!end", Command{Kind: CmdHangup}},
		{"hangup case-insensitive", "!HANGUP", Command{Kind: CmdHangup}},
		{"hangup with id", "!hangup ABC123", Command{Kind: CmdHangupID, CallID: "ABC123"}},
		{"end with id", "!end ABC123", Command{Kind: CmdHangupID, CallID: "ABC123"}},
		{"answer", "!answer ABC123", Command{Kind: CmdAnswer, CallID: "ABC123"}},
		{"dispatch", "!d ABC123 hold on, help is coming", Command{Kind: CmdDispatch, CallID: "ABC123", Text: "hold on, help is coming"}},
		{"dispatch multiline", "!d ABC123 line one\nline two", Command{Kind: CmdDispatch, CallID: "ABC123", Text: "line one\nline two"}},
		{"status", "!status", Command{Kind: CmdStatus}},
		{"health", "!health", Command{Kind: CmdHealth}},
		{"help", "!help", Command{Kind: CmdHelp}},
		{"plain text", "hello there", Command{Kind: CmdNone}},
		{"unknown command", "!frobnicate", Command{Kind: CmdNone}},
		{"dispatch without message", "!d ABC123", Command{Kind: CmdNone}},
		{"answer without id", "!answer", Command{Kind: CmdNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.content))
		})
	}
}
