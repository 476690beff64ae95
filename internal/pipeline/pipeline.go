// Package pipeline implements the Message Pipeline Adapter: the bridge
// between the Group-Queue Core's message lane and the chat transport. It
// fetches new inbound messages for a group, hands them to a container
// agent, and relays the agent's reply back out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/groupqueue"
	"github.com/basket/go-claw/internal/persistence"
	"github.com/basket/go-claw/internal/runtime"
)

// ChatTransport is the outbound side of a chat channel (e.g. Telegram).
// replyToMessageID is empty when the reply need not be threaded.
type ChatTransport interface {
	SendMessage(chatJid, text, replyToMessageID string) error
}

// GroupInfo is the static routing information the adapter needs to process
// a group's messages: where its agent session lives, which chat to reply
// to, and whether it is the main (always-on) group.
type GroupInfo struct {
	GroupFolder string
	ChatJid     string
	SessionID   string
	AgentID     string
	IsMain      bool
}

// GroupLookup resolves a group identifier to its routing info. Backed in
// production by the persistence-backed group registry (see
// internal/groupqueue/registry.go).
type GroupLookup interface {
	Lookup(groupJid string) (GroupInfo, bool)
}

// Adapter implements groupqueue.MessageCallback.
type Adapter struct {
	Store   *persistence.Store
	Runtime runtime.Runtime
	Core    *groupqueue.Core
	Channel ChatTransport
	Lookup  GroupLookup
	Logger  *slog.Logger

	mu         sync.Mutex
	watermarks map[string]time.Time
}

// New builds an Adapter ready to be installed via
// groupqueue.Core.SetProcessMessagesFn(adapter.ProcessMessages).
func New(store *persistence.Store, rt runtime.Runtime, core *groupqueue.Core, channel ChatTransport, lookup GroupLookup, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Store:      store,
		Runtime:    rt,
		Core:       core,
		Channel:    channel,
		Lookup:     lookup,
		Logger:     logger,
		watermarks: make(map[string]time.Time),
	}
}

var internalTagPattern = regexp.MustCompile(`(?is)<internal>.*?</internal>`)

// stripInternal removes an agent's private scratch-space markup from its
// reply before it is relayed to the chat.
func stripInternal(s string) string {
	return strings.TrimSpace(internalTagPattern.ReplaceAllString(s, ""))
}

func (a *Adapter) watermark(groupJid string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermarks[groupJid]
}

func (a *Adapter) setWatermark(groupJid string, t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watermarks[groupJid] = t
}

// ProcessMessages is the Message Pipeline Adapter's entry point, wired as
// the Group-Queue Core's MessageCallback. It returns false on any failure
// that should trigger the core's retry/backoff path.
func (a *Adapter) ProcessMessages(ctx context.Context, groupJid string) bool {
	info, ok := a.Lookup.Lookup(groupJid)
	if !ok {
		a.Logger.Error("pipeline: unknown group", "group", groupJid)
		return false
	}

	since := a.watermark(groupJid)
	items, err := a.Store.LoadMessagesSince(ctx, info.AgentID, info.SessionID, since)
	if err != nil {
		a.Logger.Error("pipeline: load messages since failed", "group", groupJid, "error", err)
		return false
	}

	var inbound []persistence.HistoryItem
	var lastInboundID int64
	for _, it := range items {
		if it.Role == "assistant" {
			continue
		}
		inbound = append(inbound, it)
		if it.ID > lastInboundID {
			lastInboundID = it.ID
		}
	}
	if len(inbound) == 0 {
		// Nothing new arrived since the last run; treat as a clean no-op.
		return true
	}

	input := runtime.Input{
		Prompt:        formatPrompt(inbound),
		SessionID:     info.SessionID,
		GroupFolder:   info.GroupFolder,
		ChatJid:       info.ChatJid,
		IsMain:        info.IsMain,
		AssistantName: info.AgentID,
	}

	var failed bool
	result, err := a.Runtime.RunContainerAgent(ctx, groupJid, runtime.LaneMessage, input,
		func(h *runtime.Handle) { a.Core.RegisterHandle(h) },
		func(ev runtime.OutputEvent) { a.handleOutput(groupJid, info, lastInboundID, ev, &failed) },
	)
	if err != nil {
		a.Logger.Error("pipeline: run container agent failed", "group", groupJid, "error", err)
		return false
	}
	if failed || result.Status != "success" {
		return false
	}

	a.setWatermark(groupJid, time.Now())
	return true
}

func (a *Adapter) handleOutput(groupJid string, info GroupInfo, lastInboundID int64, ev runtime.OutputEvent, failed *bool) {
	switch ev.Kind {
	case runtime.OutputSuccess:
		reply := stripInternal(ev.Result)
		if reply != "" {
			replyTo := ""
			if lastInboundID > 0 {
				replyTo = strconv.FormatInt(lastInboundID, 10)
			}
			if err := a.Channel.SendMessage(info.ChatJid, reply, replyTo); err != nil {
				a.Logger.Error("pipeline: send message failed", "group", groupJid, "error", err)
			}
		}
		a.Core.NotifyIdle(groupJid)
	case runtime.OutputError:
		*failed = true
		a.Logger.Error("pipeline: container reported error", "group", groupJid, "error", ev.Error)
	}
}

// formatPrompt renders the batch of new inbound messages as the XML-ish
// envelope the container agent's prompt parser expects.
func formatPrompt(items []persistence.HistoryItem) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, it := range items {
		fmt.Fprintf(&b, "  <message from=%q at=%q>%s</message>\n", it.Role, it.CreatedAt.Format(time.RFC3339), it.Content)
	}
	b.WriteString("</messages>")
	return b.String()
}
