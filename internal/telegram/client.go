// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/peerless/internal/models"
)

// sender is the part of the bot API the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	chatID         int64
	topK           int
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, topK, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, topK, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, topK, maxRetries int, retryDelayBase time.Duration) *Client {
	if topK <= 0 {
		topK = 10
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase < 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		topK:           topK,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a pipeline failure notification.
func (c *Client) SendError(command string, runErr error) error {
	text := fmt.Sprintf("⚠️ *peerless %s failed*\n`%s`",
		escapeMarkdownV2(command), escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(text)
}

// Send reports the strongest candidates of a run.
func (c *Client) Send(runID string, cands []models.Candidate) error {
	return c.sendMarkdownV2(c.formatMessage(runID, cands))
}

// top returns at most topK candidates by decreasing mean factor, earlier
// times first on ties.
func (c *Client) top(cands []models.Candidate) []models.Candidate {
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b models.Candidate) int {
		if v := cmp.Compare(b.MeanFactor, a.MeanFactor); v != 0 {
			return v
		}
		return cmp.Compare(a.Time, b.Time)
	})
	if len(out) > c.topK {
		out = out[:c.topK]
	}
	return out
}

// formatMessage formats candidates into a Telegram MarkdownV2 message.
func (c *Client) formatMessage(runID string, cands []models.Candidate) string {
	var b strings.Builder
	b.WriteString("🔭 *Transit candidates*\n\n")
	if runID != "" {
		fmt.Fprintf(&b, "Run: `%s`\n", escapeMarkdownV2(runID))
	}
	fmt.Fprintf(&b, "Retained: %d\n\n", len(cands))

	if len(cands) == 0 {
		b.WriteString("No corroborated events\\.\n")
		return b.String()
	}

	for i, cand := range c.top(cands) {
		timeStr := escapeMarkdownV2(fmt.Sprintf("%.4f", cand.Time))
		factorStr := escapeMarkdownV2(fmt.Sprintf("%.2f", cand.MeanFactor))
		fmt.Fprintf(&b, "%d\\. t\\=%s  *×%s*  \\(%d points\\)\n", i+1, timeStr, factorStr, cand.NumPoints)

		m := cand.Meta
		fmt.Fprintf(&b, "   segment %d, Q%d, channel %d\n", cand.SectID, m.Quarter, m.Channel)

		nn := cand.Neighbor
		nnStr := escapeMarkdownV2(fmt.Sprintf("rp=%.3f b=%.2f P=%.0fd", nn.Rp, nn.B, nn.Period))
		fmt.Fprintf(&b, "   nearest injection: %s\n", nnStr)
	}

	if len(cands) > c.topK {
		fmt.Fprintf(&b, "\n…and %d more\n", len(cands)-c.topK)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
