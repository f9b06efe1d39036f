package chatbot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// embedDescriptionThreshold is the length at which a reply is sent
	// as an attachment rather than an embed.
	embedDescriptionThreshold = 4000

	// maxMessageContentLength is Discord's limit for message content
	maxMessageContentLength = 2000

	maxEmbedDescriptionLength = 4096

	colorGreen = 0x57F287
	colorRed   = 0xED4245

	emptyCompletionPlaceholder = "Hi there"
	attachmentPointer          = "Result attached below"
	providerName               = "ChatGPT"
)

// Reply is a rendered chat response. Exactly one of Embed and File is
// set.
type Reply struct {
	Content    string
	Embed      *discordgo.MessageEmbed
	File       *discordgo.File
	Components []discordgo.MessageComponent
}

// completionText returns the first choice's content, trimmed, or a
// placeholder when there's no content.
func completionText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return emptyCompletionPlaceholder
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return emptyCompletionPlaceholder
	}
	return text
}

func chatDescription(message, instructionName, answer string) string {
	return fmt.Sprintf("%s\n\n**%s (%s):**\n%s", message, providerName, instructionName, answer)
}

// renderReply renders a completion as an embed, or as a text file when
// the embed body would be too long.
func renderReply(
	cfg *BotConfig,
	user *discordgo.User,
	staff bool,
	message string,
	instructionName string,
	resp openai.ChatCompletionResponse,
) *Reply {
	answer := completionText(resp)
	description := chatDescription(message, instructionName, answer)
	reply := &Reply{Components: replyButtons(cfg, staff)}

	if utf8.RuneCountInString(description) < embedDescriptionThreshold {
		author := &discordgo.MessageEmbedAuthor{Name: userTag(user)}
		if user != nil {
			author.IconURL = user.AvatarURL("")
		}
		reply.Embed = &discordgo.MessageEmbed{
			Author:      author,
			Description: description,
			Color:       colorGreen,
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf(
					"This text has been generated by OpenAIs Chat Completion API (%s)",
					resp.Model,
				),
			},
		}
		return reply
	}

	body := fmt.Sprintf(
		"%s:\n%s\n\n%s (%s):\n%s\n\nThis response has been generated using OpenAIs Chat Completion API",
		userTag(user),
		message,
		providerName,
		instructionName,
		answer,
	)
	reply.Content = attachmentPointer
	reply.File = &discordgo.File{
		Name:        resp.ID + ".txt",
		ContentType: "text/plain",
		Reader:      strings.NewReader(body),
	}
	return reply
}

// WebhookEdit converts the reply to an interaction response edit. Any
// previous embed or content is replaced.
func (r *Reply) WebhookEdit() *discordgo.WebhookEdit {
	content := r.Content
	embeds := []*discordgo.MessageEmbed{}
	if r.Embed != nil {
		embeds = append(embeds, r.Embed)
	}
	components := r.Components
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	edit := &discordgo.WebhookEdit{
		Content:    &content,
		Embeds:     &embeds,
		Components: &components,
	}
	if r.File != nil {
		edit.Files = []*discordgo.File{r.File}
	} else {
		attachments := []*discordgo.MessageAttachment{}
		edit.Attachments = &attachments
	}
	return edit
}

func replyButtons(cfg *BotConfig, staff bool) []discordgo.MessageComponent {
	var buttons []discordgo.MessageComponent
	if cfg.FeatureAvailable(FeatureRegenerateButton, staff) {
		buttons = append(
			buttons,
			discordgo.Button{
				Emoji:    &discordgo.ComponentEmoji{Name: "🔄"},
				CustomID: customIDRegenerate,
				Style:    discordgo.PrimaryButton,
			},
		)
	}
	if cfg.FeatureAvailable(FeatureDeleteButton, staff) {
		buttons = append(
			buttons,
			discordgo.Button{
				Emoji:    &discordgo.ComponentEmoji{Name: "🚮"},
				CustomID: customIDDelete,
				Style:    discordgo.DangerButton,
			},
		)
	}
	if len(buttons) == 0 {
		return nil
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

// devEmbed renders completion diagnostics for the dev follow-up
func devEmbed(
	cfg *BotConfig,
	instruction string,
	resp openai.ChatCompletionResponse,
) *discordgo.MessageEmbed {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**ID** `%s`\n\n", resp.ID)
	fmt.Fprintf(&sb, "**Prompt Tokens** %d\n", resp.Usage.PromptTokens)
	fmt.Fprintf(&sb, "**Completion Tokens** %d\n", resp.Usage.CompletionTokens)
	fmt.Fprintf(&sb, "**Total Tokens** %d\n", resp.Usage.TotalTokens)
	if cost, ok := cfg.ModelCost(resp.Model); ok {
		fmt.Fprintf(&sb, "**Estimated Cost** $%.6f\n", estimateCost(cost, resp.Usage))
	}
	if instruction == "" {
		instruction = "NONE"
	}
	sb.WriteString("\n**System Instruction**\n")
	description := sb.String()
	description += truncate(
		instruction,
		maxEmbedDescriptionLength-utf8.RuneCountInString(description),
	)

	return &discordgo.MessageEmbed{
		Title:       "Dev",
		Description: description,
		Color:       colorRed,
	}
}

// estimateCost returns the USD cost of a completion, given per-1K-token
// prices.
func estimateCost(cost ModelCost, usage openai.Usage) float64 {
	return float64(usage.PromptTokens)/1000*cost.Prompt +
		float64(usage.CompletionTokens)/1000*cost.Completion
}

// renderThreadMessage renders a follow-up answer posted in a chat
// thread. Answers too long for a message are attached as a file.
func renderThreadMessage(
	replyTo *discordgo.MessageReference,
	resp openai.ChatCompletionResponse,
) *discordgo.MessageSend {
	answer := completionText(resp)
	msg := &discordgo.MessageSend{
		Reference:       replyTo,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if utf8.RuneCountInString(answer) <= maxMessageContentLength {
		msg.Content = answer
		return msg
	}
	msg.Content = attachmentPointer
	msg.Files = []*discordgo.File{
		{
			Name:        resp.ID + ".txt",
			ContentType: "text/plain",
			Reader:      strings.NewReader(answer),
		},
	}
	return msg
}
