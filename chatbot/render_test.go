package chatbot

import (
	"io"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerForDescriptionLength returns an answer which makes the rendered
// description exactly n runes long
func answerForDescriptionLength(t *testing.T, message, instruction string, n int) string {
	t.Helper()
	overhead := len([]rune(chatDescription(message, instruction, "")))
	require.Greater(t, n, overhead)
	return strings.Repeat("ü", n-overhead)
}

func TestRenderReply_Embed(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()
	u := newDiscordUser(t)
	resp := completionResponse("chatcmpl-1", "  hello there  ")

	reply := renderReply(cfg, u, false, "hi", "pirate", resp)
	require.NotNil(t, reply.Embed)
	assert.Nil(t, reply.File)
	assert.Empty(t, reply.Content)

	assert.Equal(t, "hi\n\n**ChatGPT (pirate):**\nhello there", reply.Embed.Description)
	assert.Equal(t, colorGreen, reply.Embed.Color)
	assert.Equal(t, u.Username, reply.Embed.Author.Name)
	assert.Contains(t, reply.Embed.Footer.Text, DefaultModel)

	edit := reply.WebhookEdit()
	require.NotNil(t, edit.Embeds)
	assert.Len(t, *edit.Embeds, 1)
	assert.Empty(t, edit.Files)
	require.NotNil(t, edit.Attachments)
	assert.Empty(t, *edit.Attachments)
	require.NotNil(t, edit.Components)
	assert.Len(t, *edit.Components, 1)
}

func TestRenderReply_Threshold(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()
	u := newDiscordUser(t)

	below := answerForDescriptionLength(t, "hi", "default", embedDescriptionThreshold-1)
	reply := renderReply(cfg, u, false, "hi", "default", completionResponse("a", below))
	require.NotNil(t, reply.Embed, "description of 3999 runes should be an embed")
	assert.Len(t, []rune(reply.Embed.Description), embedDescriptionThreshold-1)

	at := answerForDescriptionLength(t, "hi", "default", embedDescriptionThreshold)
	reply = renderReply(cfg, u, false, "hi", "default", completionResponse("chatcmpl-2", at))
	assert.Nil(t, reply.Embed, "description of 4000 runes should be attached")
	require.NotNil(t, reply.File)
	assert.Equal(t, attachmentPointer, reply.Content)
	assert.Equal(t, "chatcmpl-2.txt", reply.File.Name)

	body, err := io.ReadAll(reply.File.Reader)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), u.Username+":\nhi\n\nChatGPT (default):\n"))
	assert.True(t, strings.HasSuffix(string(body), "This response has been generated using OpenAIs Chat Completion API"))

	edit := reply.WebhookEdit()
	assert.Len(t, edit.Files, 1)
	assert.Empty(t, *edit.Embeds)
	assert.Nil(t, edit.Attachments)
	assert.Equal(t, attachmentPointer, *edit.Content)
}

func TestRenderReply_EmptyCompletion(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()

	reply := renderReply(cfg, nil, false, "hi", "default", openai.ChatCompletionResponse{})
	require.NotNil(t, reply.Embed)
	assert.True(t, strings.HasSuffix(reply.Embed.Description, emptyCompletionPlaceholder))

	reply = renderReply(cfg, nil, false, "hi", "default", completionResponse("a", "   "))
	assert.True(t, strings.HasSuffix(reply.Embed.Description, emptyCompletionPlaceholder))
}

func TestReplyButtons(t *testing.T) {
	t.Parallel()

	buttonIDs := func(components []discordgo.MessageComponent) []string {
		if len(components) == 0 {
			return nil
		}
		row := components[0].(discordgo.ActionsRow)
		var ids []string
		for _, c := range row.Components {
			ids = append(ids, c.(discordgo.Button).CustomID)
		}
		return ids
	}

	cfg := DefaultBotConfig()
	assert.Equal(t, []string{customIDRegenerate, customIDDelete}, buttonIDs(replyButtons(cfg, false)))

	cfg.Features.RegenerateButton = false
	assert.Equal(t, []string{customIDDelete}, buttonIDs(replyButtons(cfg, false)))

	cfg.Features.DeleteButton = false
	assert.Nil(t, replyButtons(cfg, false))
	assert.Nil(t, replyButtons(cfg, true))

	cfg.StaffCanBypassFeatureRestrictions = true
	assert.Equal(t, []string{customIDRegenerate, customIDDelete}, buttonIDs(replyButtons(cfg, true)))

	// an edit without buttons clears existing ones
	edit := (&Reply{Embed: &discordgo.MessageEmbed{}}).WebhookEdit()
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)
}

func TestDevEmbed(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()
	cfg.Costs = map[string]ModelCost{DefaultModel: {Prompt: 1, Completion: 2}}
	resp := completionResponse("chatcmpl-dev", "hello")

	embed := devEmbed(cfg, "be helpful", resp)
	assert.Equal(t, "Dev", embed.Title)
	assert.Equal(t, colorRed, embed.Color)
	assert.Contains(t, embed.Description, "**ID** `chatcmpl-dev`")
	assert.Contains(t, embed.Description, "**Prompt Tokens** 10")
	assert.Contains(t, embed.Description, "**Completion Tokens** 5")
	assert.Contains(t, embed.Description, "**Total Tokens** 15")
	assert.Contains(t, embed.Description, "**Estimated Cost** $0.020000")
	assert.True(t, strings.HasSuffix(embed.Description, "be helpful"))

	embed = devEmbed(DefaultBotConfig(), "", resp)
	assert.NotContains(t, embed.Description, "Estimated Cost")
	assert.True(t, strings.HasSuffix(embed.Description, "NONE"))

	embed = devEmbed(cfg, strings.Repeat("x", 10000), resp)
	assert.Len(t, []rune(embed.Description), maxEmbedDescriptionLength)
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()
	cost := ModelCost{Prompt: 0.5, Completion: 1.5}
	got := estimateCost(cost, openai.Usage{PromptTokens: 2000, CompletionTokens: 1000})
	assert.InDelta(t, 2.5, got, 1e-9)
}

func TestRenderThreadMessage(t *testing.T) {
	t.Parallel()
	ref := &discordgo.MessageReference{MessageID: "m1", ChannelID: "c1"}

	msg := renderThreadMessage(ref, completionResponse("a", "ahoy"))
	assert.Equal(t, "ahoy", msg.Content)
	assert.Same(t, ref, msg.Reference)
	assert.Empty(t, msg.Files)
	require.NotNil(t, msg.AllowedMentions)

	long := strings.Repeat("y", maxMessageContentLength+1)
	msg = renderThreadMessage(ref, completionResponse("chatcmpl-long", long))
	assert.Equal(t, attachmentPointer, msg.Content)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, "chatcmpl-long.txt", msg.Files[0].Name)
	body, err := io.ReadAll(msg.Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, long, string(body))
}
