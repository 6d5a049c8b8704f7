// Package bridge is the Discord surface: it turns webhook embeds into call
// notifications for the dispatch core, runs dispatcher threads and channel
// commands, and implements the chat-side session container (threads).
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/callbridge/callbridge/internal/breaker"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/delivery"
	"github.com/callbridge/callbridge/internal/dispatch"
	"github.com/callbridge/callbridge/internal/ratelimit"
	"github.com/callbridge/callbridge/internal/session"
)

const helpText = "**Commands**\n" +
	"`!status` - Bot status\n" +
	"`!health` - System health\n" +
	"`!hangup` - End call (in thread)\n" +
	"`!answer <id>` - Answer manually\n" +
	"`!d <id> <msg>` - Send message\n" +
	"`!hangup <id>` - End specific call"

// CommandInterceptor handles a message before the dispatcher grammar runs.
// Returns true when the message was consumed (whitelist commands).
type CommandInterceptor interface {
	Handle(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) bool
}

// Bridge owns the Discord gateway session. All outbound Discord traffic
// (replies, thread creation, archival) goes through its own token bucket —
// a separate rate domain from backend deliveries.
type Bridge struct {
	session     *discordgo.Session
	core        *dispatch.Core
	limiter     *ratelimit.Bucket
	sanitizer   *delivery.Sanitizer
	interceptor CommandInterceptor
	logger      *slog.Logger

	dispatcherRoleID string
	adminRoleID      string
	threadNameMax    int
	archiveMinutes   int
}

// New creates the bridge and its gateway session. The session is not opened
// until Start.
func New(
	cfg config.DiscordConfig,
	limits config.LimitsConfig,
	sessionsCfg config.SessionConfig,
	core *dispatch.Core,
	limiter *ratelimit.Bucket,
	sanitizer *delivery.Sanitizer,
	interceptor CommandInterceptor,
	logger *slog.Logger,
) (*Bridge, error) {
	ds, err := discordgo.New("Bot " + cfg.Token.Value())
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	ds.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	threadNameMax := limits.ThreadNameMax
	if threadNameMax <= 0 {
		threadNameMax = 100
	}
	archiveMinutes := sessionsCfg.ArchiveMinutes
	if archiveMinutes <= 0 {
		archiveMinutes = 60
	}

	return &Bridge{
		session:          ds,
		core:             core,
		limiter:          limiter,
		sanitizer:        sanitizer,
		interceptor:      interceptor,
		logger:           logger,
		dispatcherRoleID: cfg.DispatcherRoleID,
		adminRoleID:      cfg.AdminNotifyRole(),
		threadNameMax:    threadNameMax,
		archiveMinutes:   archiveMinutes,
	}, nil
}

// Start opens the gateway connection and registers handlers.
func (b *Bridge) Start(ctx context.Context) error {
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.handleMessage(ctx, s, m)
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.logger.Warn("discord disconnected")
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.logger.Info("discord reconnected")
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	b.logger.Info("discord gateway connected")
	return nil
}

// Stop closes the gateway connection.
func (b *Bridge) Stop() error {
	return b.session.Close()
}

func (b *Bridge) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	if b.interceptor != nil && b.interceptor.Handle(ctx, s, m) {
		return
	}

	switch {
	case m.WebhookID != "" && len(m.Embeds) > 0:
		b.handleIncoming(ctx, m)
	case !m.Author.Bot && strings.TrimSpace(m.Content) != "":
		b.handleUser(ctx, m)
	}
}

// handleIncoming turns a webhook embed into a notification for the core.
// All dedup and the ringing gate live in the core; the bridge only parses.
func (b *Bridge) handleIncoming(ctx context.Context, m *discordgo.MessageCreate) {
	n, ok := ParseEmbed(m.Embeds[0])
	if !ok {
		b.logger.Debug("unrecognized embed", "message_id", m.ID)
		return
	}
	n.MessageID = m.ID
	n.ChannelID = m.ChannelID
	n.Callback = b.sanitizer.Text(n.Callback)

	b.core.HandleNotification(ctx, n)
}

func (b *Bridge) handleUser(ctx context.Context, m *discordgo.MessageCreate) {
	content := strings.TrimSpace(m.Content)

	// A message inside a session container is thread traffic; everything
	// else runs the channel command grammar.
	if sess, ok := b.core.Session(m.ChannelID); ok {
		b.handleThread(ctx, m, sess, content)
		return
	}
	b.handleCommand(ctx, m, content)
}

func (b *Bridge) handleThread(ctx context.Context, m *discordgo.MessageCreate, sess *session.Session, content string) {
	if ParseCommand(content).Kind == CmdHangup {
		closed, err := b.core.Hangup(ctx, m.ChannelID, m.Author.Username)
		if err != nil {
			b.reply(ctx, m, "Failed: "+err.Error())
			return
		}
		b.reply(ctx, m, fmt.Sprintf("%s call ended.", closed.CallType))
		if err := b.Archive(ctx, m.ChannelID); err != nil {
			b.logger.Warn("archive after hangup failed", "error", err, "thread_id", m.ChannelID)
		}
		return
	}

	text := b.sanitizer.Text(content)
	if text == "" {
		return
	}

	if !sess.Answered {
		if err := b.core.Answer(ctx, m.ChannelID, m.Author.Username, text); err != nil {
			b.reply(ctx, m, "Failed to connect: "+err.Error())
			return
		}
		b.reply(ctx, m, "Connected: Message sent to caller.")
		return
	}

	if err := b.core.Relay(ctx, m.ChannelID, m.Author.Username, text); err != nil {
		b.reply(ctx, m, "Failed to send: "+err.Error())
	}
}

func (b *Bridge) handleCommand(ctx context.Context, m *discordgo.MessageCreate, content string) {
	cmd := ParseCommand(content)

	switch cmd.Kind {
	case CmdStatus:
		snap := b.core.Snapshot()
		b.reply(ctx, m, fmt.Sprintf(
			"**Bot Status**\nActive Calls: %d\nAnswered: %d\nWaiting: %d\n"+
				"Circuit: %s\nProcessed: %d\nBloom Filter: %d items",
			snap.Active, snap.Answered, snap.Waiting,
			snap.Circuit.State, snap.DedupSize, snap.BloomItems))

	case CmdHealth:
		snap := b.core.Snapshot()
		health := "Healthy"
		if snap.Circuit.State != breaker.Closed {
			health = "Degraded"
		}
		msg := fmt.Sprintf(
			"**System Health**\nStatus: %s\nUptime: %ds\nCircuit: %s\nIn-flight: %d",
			health, snap.UptimeSecs, snap.Circuit.State, snap.InFlight)
		if health == "Degraded" && b.adminRoleID != "" {
			msg = fmt.Sprintf("<@&%s> %s", b.adminRoleID, msg)
		}
		b.reply(ctx, m, msg)

	case CmdHelp:
		b.reply(ctx, m, helpText)

	case CmdAnswer:
		if !session.ValidCallID(cmd.CallID) {
			b.reply(ctx, m, "Invalid call ID.")
			return
		}
		err := b.core.SendAction(ctx, cmd.CallID, dispatch.ActionAnswer, m.Author.Username)
		b.replyResult(ctx, m, err, "Answer sent.")

	case CmdDispatch:
		if !session.ValidCallID(cmd.CallID) {
			b.reply(ctx, m, "Invalid call ID.")
			return
		}
		err := b.core.SendMessage(ctx, cmd.CallID, m.Author.Username, b.sanitizer.Text(cmd.Text))
		b.replyResult(ctx, m, err, "Sent.")

	case CmdHangupID:
		if !session.ValidCallID(cmd.CallID) {
			b.reply(ctx, m, "Invalid call ID.")
			return
		}
		err := b.core.SendAction(ctx, cmd.CallID, dispatch.ActionHangup, m.Author.Username)
		b.replyResult(ctx, m, err, "Call ended.")
	}
}

func (b *Bridge) replyResult(ctx context.Context, m *discordgo.MessageCreate, err error, okText string) {
	if err != nil {
		b.reply(ctx, m, "Failed: "+err.Error())
		return
	}
	b.reply(ctx, m, okText)
}

func (b *Bridge) reply(ctx context.Context, m *discordgo.MessageCreate, content string) {
	if err := b.limiter.Acquire(ctx); err != nil {
		return
	}
	if _, err := b.session.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		b.logger.Warn("discord reply failed", "error", err, "channel_id", m.ChannelID)
	}
}

// OpenSession creates the dispatcher thread on the webhook message and posts
// the initial ping. Implements dispatch.Surface.
func (b *Bridge) OpenSession(ctx context.Context, n dispatch.Notification, _ string) (string, error) {
	if err := b.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s Call - %s", n.CallType, n.CallID)
	if len(name) > b.threadNameMax {
		name = name[:b.threadNameMax]
	}

	thread, err := b.session.MessageThreadStartComplex(
		n.ChannelID, n.MessageID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: b.archiveMinutes,
		})
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}

	kind := "EMERGENCY"
	if n.CallType == session.NonEmergency {
		kind = "NON-EMERGENCY"
	}

	if err := b.limiter.Acquire(ctx); err != nil {
		return thread.ID, err
	}
	_, err = b.session.ChannelMessageSend(thread.ID, fmt.Sprintf(
		"<@&%s>\n**INCOMING %s %s CALL**\n\nSend a message to answer.\n`!hangup` to end.",
		b.dispatcherRoleID, n.CallType, kind))
	if err != nil {
		b.logger.Warn("initial thread message failed", "error", err, "thread_id", thread.ID)
	}

	b.logger.Info("thread created", "thread_id", thread.ID, "call_id", n.CallID)
	return thread.ID, nil
}

// Discard deletes a thread whose session could not be registered.
// Implements dispatch.Surface.
func (b *Bridge) Discard(_ context.Context, sessionKey string) error {
	_, err := b.session.ChannelDelete(sessionKey)
	return err
}

// Archive archives a session thread. Already-archived or deleted threads
// are a no-op. Implements dispatch.Surface.
func (b *Bridge) Archive(ctx context.Context, sessionKey string) error {
	if err := b.limiter.Acquire(ctx); err != nil {
		return err
	}

	archived := true
	_, err := b.session.ChannelEditComplex(sessionKey, &discordgo.ChannelEdit{
		Archived: &archived,
	})
	if err != nil {
		// Tolerate missing or already-archived threads.
		b.logger.Debug("archive skipped", "error", err, "thread_id", sessionKey)
	}
	return nil
}
