package main

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	adminPerm := discord.PermissionAdministrator
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "resolver",
		Description:              "Track resolver maintenance (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "lock",
				Description: "Freeze redirect cache writes",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why writes are being frozen",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "unlock",
				Description: "Release cache write locks",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "id",
						Description: "Release only this lock id (omit for all)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "status",
				Description: "Show resolver lock state",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "invalidate",
				Description: "Clear the cached backend mapping for a track id",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "track",
						Description: "The source track id",
						Required:    true,
					},
				},
			},
		},
	}, handleResolverMaintenance)
}

func handleResolverMaintenance(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := func(content string) {
		_ = event.CreateMessage(discord.MessageCreate{Content: content, Flags: discord.MessageFlagEphemeral})
	}

	switch *data.SubCommandName {
	case "lock":
		reason, _ := data.OptString("reason")
		id, err := sys.AcquireResolutionLock(ctx, reason)
		if err != nil {
			reply(fmt.Sprintf("Failed to acquire lock: %v", err))
			return
		}
		sys.LogResolver("Cache writes frozen by %s (lock %d)", event.User().Username, id)
		reply(fmt.Sprintf("🔒 Redirect cache writes frozen (lock %d).", id))

	case "unlock":
		if id, ok := data.OptInt("id"); ok {
			released, err := sys.ReleaseResolutionLock(ctx, int64(id))
			if err != nil {
				reply(fmt.Sprintf("Failed to release lock %d: %v", id, err))
				return
			}
			if !released {
				reply(fmt.Sprintf("Lock %d not found.", id))
				return
			}
			sys.LogResolver("Lock %d released by %s", id, event.User().Username)
			reply(fmt.Sprintf("🔓 Released lock %d.", id))
			return
		}
		released, err := sys.ReleaseAllResolutionLocks(ctx)
		if err != nil {
			reply(fmt.Sprintf("Failed to release locks: %v", err))
			return
		}
		sys.LogResolver("Cache writes unfrozen by %s (%d locks released)", event.User().Username, released)
		reply(fmt.Sprintf("🔓 Released %d lock(s).", released))

	case "status":
		count, err := sys.CountResolutionLocks(ctx)
		if err != nil {
			reply(fmt.Sprintf("Failed to read lock state: %v", err))
			return
		}
		if count == 0 {
			reply("Redirect cache writes are enabled.")
			return
		}
		reply(fmt.Sprintf("Redirect cache writes are frozen (%d active lock(s)).", count))

	case "invalidate":
		trackID, _ := data.OptString("track")
		if err := sys.InvalidateRedirect(ctx, trackID); err != nil {
			reply(fmt.Sprintf("Failed to invalidate %s: %v", trackID, err))
			return
		}
		reply(fmt.Sprintf("Cleared cached mapping for `%s`.", trackID))
	}
}
