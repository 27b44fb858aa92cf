package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/proc"
	"github.com/leeineian/hibiki/sys"
)

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(sys.LogSession, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				sys.LogSession("Shutting down session manager...")
				proc.GetSessionManager().Shutdown(context.Background())
			}
		})
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Audio playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a song by name or link",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "mode",
						Description: "Playback mode",
						Required:    false,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Add to queue", Value: "queue"},
							{Name: "Play now", Value: "now"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip to the next track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "hard",
						Description: "Also interrupt stuck background work",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop audio and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Toggle shuffle",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "enabled",
						Description: "Shuffle on or off",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "repeat",
				Description: "Set the repeat mode",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "mode",
						Description: "Repeat mode",
						Required:    true,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Off", Value: "off"},
							{Name: "One", Value: "one"},
							{Name: "All", Value: "all"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played tracks",
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleVoiceAutocomplete)
}

// handleVoice routes voice subcommands to their respective handlers
func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleVoicePlay(event, data)
	case "skip":
		handleVoiceSkip(event, data)
	case "stop":
		handleVoiceStop(event, data)
	case "queue":
		handleVoiceQueue(event, data)
	case "shuffle":
		handleVoiceShuffle(event, data)
	case "repeat":
		handleVoiceRepeat(event, data)
	case "history":
		handleVoiceHistory(event, data)
	}
}

// channelNotifier posts session messages to the channel the command came from.
type channelNotifier struct {
	client    *bot.Client
	channelID snowflake.ID
}

func (n channelNotifier) Send(message string) {
	_, err := n.client.Rest.CreateMessage(n.channelID,
		discord.MessageCreate{Content: message})
	if err != nil {
		sys.LogError("Failed to send notification: %v", err)
	}
}

func handleVoicePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	mode, _ := data.OptString("mode")

	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, query, mode); err != nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: omit.Ptr("Failed: " + err.Error())})
	}
}

// startPlayback joins the user's channel, enqueues the query and makes sure
// an iterator is working the queue.
func startPlayback(event *events.ApplicationCommandInteractionCreate, query, mode string) error {
	sys.LogSession("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return errors.New(sys.ErrNotInVoiceChannel)
	}

	m := proc.GetSessionManager()
	notifier := channelNotifier{event.Client(), event.Channel().ID()}
	joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Join(joinCtx, event.Client(), *event.GuildID(), *vs.ChannelID, notifier); err != nil {
		return err
	}

	sess := m.GetSession(*event.GuildID())
	if err := sess.WaitJoined(joinCtx); err != nil {
		return err
	}
	track := sess.Enqueue(query)

	switch {
	case mode == "now":
		// Jump the cursor onto the new track and replace the iterator.
		_ = sess.Queue.Jump(sess.Queue.Len() - 1)
		sess.StartPlayback()
	case !sess.Active():
		sess.StartPlayback()
	}

	title := track.TitleNow(query)
	prefix := "✅ Added to queue:"
	if mode == "now" {
		prefix = "🎶 Playing now:"
	}
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: omit.Ptr(prefix + " " + TruncateCenter(title, 200))})
	return nil
}

func handleVoiceSkip(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	hard, _ := data.OptBool("hard")

	sess := proc.GetSessionManager().GetSession(*event.GuildID())
	if sess == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: sys.ErrNothingPlaying, Flags: discord.MessageFlagEphemeral})
		return
	}

	if err := sess.Skip(hard); err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Nothing left to skip to.", Flags: discord.MessageFlagEphemeral})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: "⏭️ Skipped."})
}

func handleVoiceStop(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	sys.LogSession("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	proc.GetSessionManager().Leave(context.Background(), event.Client(), *event.GuildID())
	_ = event.CreateMessage(discord.MessageCreate{Content: "🛑 Stopped and disconnected."})
}

func handleVoiceQueue(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	sess := proc.GetSessionManager().GetSession(*event.GuildID())
	if sess == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: sys.ErrNothingPlaying, Flags: discord.MessageFlagEphemeral})
		return
	}

	items, cursor := sess.Queue.Snapshot()

	var sb strings.Builder
	sb.WriteString("**Queue:**\n")
	if len(items) == 0 {
		sb.WriteString("_Empty_")
	}
	shown := 0
	for i, track := range items {
		if shown >= 10 {
			sb.WriteString(fmt.Sprintf("\n*...and %d more*", len(items)-i))
			break
		}
		marker := "`%d.`"
		if i == cursor {
			marker = "▶️ `%d.`"
		}
		title := track.TitleNow("(resolving...)")
		sb.WriteString(fmt.Sprintf(marker+" %s\n", i+1, TruncateCenter(title, 90)))
		shown++
	}

	var flags []string
	if sess.Queue.RepeatOne() {
		flags = append(flags, "Repeat One")
	}
	if sess.Queue.RepeatAll() {
		flags = append(flags, "Repeat All")
	}
	if sess.Queue.Shuffle() {
		flags = append(flags, "Shuffle")
	}
	if len(flags) > 0 {
		sb.WriteString("\n" + strings.Join(flags, " · "))
	}

	_ = event.CreateMessage(discord.MessageCreate{Content: sb.String(), Flags: discord.MessageFlagEphemeral})
}

func handleVoiceShuffle(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	enabled, _ := data.OptBool("enabled")

	sess := proc.GetSessionManager().GetSession(*event.GuildID())
	if sess == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: sys.ErrNothingPlaying, Flags: discord.MessageFlagEphemeral})
		return
	}

	sess.Queue.SetShuffle(enabled)
	if enabled {
		sess.Queue.Randomize()
		_ = event.CreateMessage(discord.MessageCreate{Content: "🔀 Shuffle enabled."})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: "Shuffle disabled."})
}

func handleVoiceRepeat(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	mode, _ := data.OptString("mode")

	sess := proc.GetSessionManager().GetSession(*event.GuildID())
	if sess == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: sys.ErrNothingPlaying, Flags: discord.MessageFlagEphemeral})
		return
	}

	sess.Queue.SetRepeatOne(mode == "one")
	sess.Queue.SetRepeatAll(mode == "all")
	_ = event.CreateMessage(discord.MessageCreate{Content: "🔁 Repeat mode: " + mode})
}

func handleVoiceHistory(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := sys.GetRecentHistory(ctx, *event.GuildID(), 10)
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Failed to load history.", Flags: discord.MessageFlagEphemeral})
		return
	}

	var sb strings.Builder
	sb.WriteString("**Recently played:**\n")
	if len(records) == 0 {
		sb.WriteString("_Nothing yet_")
	}
	for i, r := range records {
		sb.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, TruncateCenter(r.Title, 90)))
	}

	_ = event.CreateMessage(discord.MessageCreate{Content: sb.String(), Flags: discord.MessageFlagEphemeral})
}

func handleVoiceAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	var cs []discord.AutocompleteChoice
	for _, c := range proc.GetSessionManager().Suggest(ctx, q, 25) {
		name := c.Title
		if len(c.Artists) > 0 {
			name = TruncateWithPreserve(c.Title, 100, "", " - "+c.Artists[0])
		}
		value := "https://music.youtube.com/watch?v=" + c.BackendID
		if len(value) > 100 {
			continue
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: TruncateCenter(name, 100), Value: value})
	}
	_ = event.AutocompleteResult(cs)
}

// ===========================
// Utilities
// ===========================

// TruncateCenter shortens a string keeping its head and tail.
func TruncateCenter(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	k := (maxLen - 3) / 2
	return string(r[:k]) + "..." + string(r[len(r)-k:])
}

// TruncateWithPreserve truncates text while preserving a prefix and suffix.
func TruncateWithPreserve(text string, maxLen int, prefix, suffix string) string {
	rp, rs := []rune(prefix), []rune(suffix)
	fixedLen := len(rp) + len(rs)
	if fixedLen >= maxLen-10 {
		return TruncateCenter(prefix+text+suffix, maxLen)
	}
	return prefix + TruncateCenter(text, maxLen-fixedLen) + suffix
}
