package whitelist

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/callbridge/callbridge/internal/dedup"
	"github.com/callbridge/callbridge/internal/ratelimit"
)

// TopicSync is the cross-server messaging topic carrying full whitelist
// snapshots to the game backend.
const TopicSync = "WhitelistSync"

// commandCooldown is the minimum gap between whitelist commands per user.
const commandCooldown = 2 * time.Second

var (
	addRe    = regexp.MustCompile(`(?i)^!whitelist\s+add\s+(\d+)\s+(.+)$`)
	removeRe = regexp.MustCompile(`(?i)^!whitelist\s+remove\s+(\d+)(?:\s+(.+))?$`)
	listRe   = regexp.MustCompile(`(?i)^!whitelist\s+(list|all)$`)
	lookupRe = regexp.MustCompile(`(?i)^!whitelist\s+lookup\s+(\d+)$`)
	syncRe   = regexp.MustCompile(`(?i)^!whitelist\s+sync$`)
	helpRe   = regexp.MustCompile(`(?i)^!whitelist(\s+help)?$`)
)

var helpText = "**Whitelist Commands**\n" +
	"`!whitelist add <userId> <guns>` - Add guns for a player\n" +
	"`!whitelist remove <userId> [guns]` - Remove guns (or the whole entry)\n" +
	"`!whitelist lookup <userId>` - Show a player's guns\n" +
	"`!whitelist list` - Show all entries\n" +
	"`!whitelist sync` - Push the whitelist to the game\n" +
	"`!whitelist help` - This message\n\n" +
	"Valid guns: " + "`" + strings.Join(Catalog, "`, `") + "`"

// Discord rejects messages past 2000 characters, so `!whitelist list` output
// is cut to at most listLineLimit lines and listCharLimit characters.
const (
	listLineLimit = 30
	listCharLimit = 1900
)

// Syncer publishes whitelist snapshots toward the game backend.
// Satisfied by delivery.Pipeline.
type Syncer interface {
	Deliver(ctx context.Context, topic string, payload map[string]any, correlationID string) error
}

// Handler serves `!whitelist` commands in a single configured channel.
// It implements the bridge command interceptor: Handle returns true when the
// message was a whitelist command and the dispatcher grammar should not see it.
type Handler struct {
	store     *Store
	syncer    Syncer
	limiter   *ratelimit.Bucket
	processed *dedup.TimedFilter
	logger    *slog.Logger
	channelID string

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewHandler wires a command handler over store. channelID restricts where
// commands are accepted; limiter is the Discord-side send budget shared with
// the bridge.
func NewHandler(store *Store, syncer Syncer, limiter *ratelimit.Bucket, channelID string, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		syncer:    syncer,
		limiter:   limiter,
		processed: dedup.NewTimedFilter(1000, 0.01, 2),
		logger:    logger,
		channelID: channelID,
		lastSeen:  make(map[string]time.Time),
	}
}

// Handle processes one Discord message. Returns true when the message was a
// whitelist command (even one that was rejected or rate limited).
func (h *Handler) Handle(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) bool {
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(strings.ToLower(content), "!whitelist") {
		return false
	}
	if m.Author == nil || m.Author.Bot {
		return true
	}

	// Commands only work in the whitelist channel; elsewhere they are
	// swallowed so the dispatcher grammar never sees them.
	if h.channelID == "" || m.ChannelID != h.channelID {
		return true
	}

	if h.processed.MightContain(m.ID) {
		return true
	}
	h.processed.Add(m.ID)

	if !h.allow(m.Author.ID) {
		h.reply(ctx, s, m, "Please wait a moment between commands.")
		return true
	}

	switch {
	case addRe.MatchString(content):
		sub := addRe.FindStringSubmatch(content)
		h.handleAdd(ctx, s, m, sub[1], sub[2])
	case removeRe.MatchString(content):
		sub := removeRe.FindStringSubmatch(content)
		h.handleRemove(ctx, s, m, sub[1], sub[2])
	case lookupRe.MatchString(content):
		sub := lookupRe.FindStringSubmatch(content)
		h.handleLookup(ctx, s, m, sub[1])
	case listRe.MatchString(content):
		h.handleList(ctx, s, m)
	case syncRe.MatchString(content):
		h.handleSync(ctx, s, m)
	case helpRe.MatchString(content):
		h.reply(ctx, s, m, helpText)
	default:
		h.reply(ctx, s, m, "Unknown whitelist command. Try `!whitelist help`.")
	}
	return true
}

func (h *Handler) handleAdd(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, userID, rest string) {
	guns := ParseGuns(rest)
	if len(guns) == 0 {
		h.reply(ctx, s, m, "No valid guns found. See `!whitelist help` for the catalog.")
		return
	}

	entry, added, err := h.store.Add(userID, "", guns, m.Author.Username)
	if err != nil {
		h.logger.Error("whitelist add failed", "error", err, "user_id", userID)
		h.reply(ctx, s, m, "Failed to save the whitelist. Try again.")
		return
	}
	if len(added) == 0 {
		h.reply(ctx, s, m, fmt.Sprintf("User `%s` already has: `%s`", userID, strings.Join(guns, "`, `")))
		return
	}

	h.reply(ctx, s, m, fmt.Sprintf("Added `%s` for user `%s` (now %d gun(s)).",
		strings.Join(added, "`, `"), userID, len(entry.Guns)))
	h.pushSync(ctx)
}

func (h *Handler) handleRemove(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, userID, rest string) {
	var guns []string
	if strings.TrimSpace(rest) != "" {
		guns = ParseGuns(rest)
		if len(guns) == 0 {
			h.reply(ctx, s, m, "No valid guns found. See `!whitelist help` for the catalog.")
			return
		}
	}

	removed, deleted, err := h.store.Remove(userID, guns, m.Author.Username)
	if err != nil {
		h.logger.Error("whitelist remove failed", "error", err, "user_id", userID)
		h.reply(ctx, s, m, "Failed to save the whitelist. Try again.")
		return
	}
	switch {
	case len(removed) == 0:
		h.reply(ctx, s, m, fmt.Sprintf("Nothing to remove for user `%s`.", userID))
		return
	case deleted:
		h.reply(ctx, s, m, fmt.Sprintf("Removed user `%s` from the whitelist.", userID))
	default:
		h.reply(ctx, s, m, fmt.Sprintf("Removed `%s` from user `%s`.", strings.Join(removed, "`, `"), userID))
	}
	h.pushSync(ctx)
}

func (h *Handler) handleLookup(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, userID string) {
	entry, ok := h.store.Lookup(userID)
	if !ok {
		h.reply(ctx, s, m, fmt.Sprintf("User `%s` is not whitelisted.", userID))
		return
	}
	name := entry.Name
	if name == "" {
		name = "unknown"
	}
	h.reply(ctx, s, m, fmt.Sprintf("**%s** (`%s`): `%s`", name, userID, strings.Join(entry.Guns, "`, `")))
}

func (h *Handler) handleList(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	entries := h.store.Entries()
	if len(entries) == 0 {
		h.reply(ctx, s, m, "The whitelist is empty.")
		return
	}
	h.reply(ctx, s, m, formatList(entries))
}

func (h *Handler) handleSync(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if err := h.deliverSnapshot(ctx); err != nil {
		h.reply(ctx, s, m, "Sync failed: "+err.Error())
		return
	}
	h.reply(ctx, s, m, fmt.Sprintf("Synced %d whitelist entries to the game.", h.store.Len()))
}

/// pushSync publishes the whitelist after a mutation. Best effort: delivery
// failures are logged, the local store stays authoritative.
func (h *Handler) pushSync(ctx context.Context) {
	if err := h.deliverSnapshot(ctx); err != nil {
		h.logger.Warn("whitelist sync failed", "error", err)
	}
}

func (h *Handler) deliverSnapshot(ctx context.Context) error {
	entries := h.store.Entries()
	payload := map[string]any{
		"type":    "whitelist",
		"entries": entries,
		"count":   len(entries),
	}
	return h.syncer.Deliver(ctx, TopicSync, payload, "whitelist-sync-"+uuid.NewString())
}

// Rotate ages out the message dedup filter. Without periodic rotation the
// filter saturates and starts flagging every new message as a duplicate.
func (h *Handler) Rotate() {
	h.processed.Rotate()
}

// allow enforces the per-user command cooldown.
func (h *Handler) allow(userID string) bool {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.lastSeen[userID]; ok && now.Sub(last) < commandCooldown {
		return false
	}
	h.lastSeen[userID] = now
	return true
}

func (h *Handler) reply(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	if err := h.limiter.Acquire(ctx); err != nil {
		return
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		h.logger.Warn("whitelist reply failed", "error", err, "channel_id", m.ChannelID)
	}
}

// formatList renders every entry sorted by user ID, truncating oversized
// output so the reply fits in one Discord message.
func formatList(entries map[string]Entry) string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		e := entries[id]
		name := e.Name
		if name == "" {
			name = "unknown"
		}
		lines = append(lines, fmt.Sprintf("`%s` %s: %s", id, name, strings.Join(e.Guns, ", ")))
	}

	header := fmt.Sprintf("**Whitelist** (%d entries)", len(ids))
	out := header + "\n" + strings.Join(lines, "\n")
	if len(out) <= listCharLimit {
		return out
	}

	// Too big for one Discord message: keep lines from the top until either
	// budget runs out, then note how many were cut.
	var b strings.Builder
	b.WriteString(header)
	shown := 0
	for _, line := range lines {
		if shown >= listLineLimit || b.Len()+1+len(line) > listCharLimit-40 {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
		shown++
	}
	fmt.Fprintf(&b, "\n... and %d more", len(ids)-shown)
	return b.String()
}
