// Package telegram is a thin Bot API client over net/http. The bridge only
// needs a single-operator slice of the API, so there is no SDK dependency.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/claude-relay/internal/logging"
)

var tgLog = logging.ForComponent(logging.CompTelegram)

// maxMessageLen is Telegram's per-message limit minus headroom for the
// splitter's boundary search.
const maxMessageLen = 4000

// Client calls the Telegram Bot API for one bot token.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	// Bot API global limit is ~30 messages/second; stay under it so bursts
	// of streamed text blocks don't trip 429s.
	limiter *rate.Limiter
}

// NewClient creates a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: 65 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

// NewClientWithBase creates a client against a custom API base URL (tests).
func NewClientWithBase(token, baseURL string) *Client {
	c := NewClient(token)
	c.baseURL = baseURL
	return c
}

// call invokes a Bot API method with form parameters.
func (c *Client) call(method string, params url.Values) (*Response, error) {
	_ = c.limiter.Wait(context.Background())

	apiURL := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	resp, err := c.http.PostForm(apiURL, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result Response
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("malformed telegram response: %w", err)
	}
	return &result, nil
}

// callChecked retries a failed send once before giving up.
func (c *Client) callChecked(method string, params url.Values) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, err := c.call(method, params)
		if err != nil {
			lastErr = err
			continue
		}
		if result.OK {
			return nil
		}
		lastErr = fmt.Errorf("telegram error: %s", result.Description)
	}
	tgLog.Warn("api_call_failed",
		slog.String("method", method),
		slog.String("error", lastErr.Error()))
	return lastErr
}

// SendMessage sends text, splitting past the message-length limit on
// newline or space boundaries. Chunks are sent in order.
func (c *Client) SendMessage(chatID int64, text string) error {
	for _, msg := range SplitMessage(text, maxMessageLen) {
		params := url.Values{
			"chat_id": {strconv.FormatInt(chatID, 10)},
			"text":    {msg},
		}
		if err := c.callChecked("sendMessage", params); err != nil {
			return err
		}
	}
	return nil
}

// SendMessageWithKeyboard sends text with an inline keyboard and returns the
// message id so the keyboard can be edited away later.
func (c *Client) SendMessageWithKeyboard(chatID int64, text string, buttons [][]InlineKeyboardButton) (int, error) {
	markup, _ := json.Marshal(InlineKeyboardMarkup{InlineKeyboard: buttons})
	params := url.Values{
		"chat_id":      {strconv.FormatInt(chatID, 10)},
		"text":         {text},
		"reply_markup": {string(markup)},
	}
	result, err := c.call("sendMessage", params)
	if err != nil {
		return 0, err
	}
	if !result.OK {
		return 0, fmt.Errorf("telegram error: %s", result.Description)
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	_ = json.Unmarshal(result.Result, &sent)
	return sent.MessageID, nil
}

// EditMessageText replaces a message's text and drops its keyboard.
func (c *Client) EditMessageText(chatID int64, messageID int, newText string) {
	params := url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"message_id": {strconv.Itoa(messageID)},
		"text":       {newText},
	}
	_ = c.callChecked("editMessageText", params)
}

// AnswerCallbackQuery acknowledges a button tap with an optional notice.
func (c *Client) AnswerCallbackQuery(callbackID, text string) {
	params := url.Values{"callback_query_id": {callbackID}}
	if text != "" {
		params.Set("text", text)
	}
	_, _ = c.call("answerCallbackQuery", params)
}

// SendTyping shows the transient typing indicator.
func (c *Client) SendTyping(chatID int64) {
	params := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"action":  {"typing"},
	}
	_, _ = c.call("sendChatAction", params)
}

// SendPhoto uploads an image from memory.
func (c *Client) SendPhoto(chatID int64, name string, data []byte) error {
	return c.upload("sendPhoto", "photo", chatID, name, data)
}

// SendVoice uploads a synthesized voice reply.
func (c *Client) SendVoice(chatID int64, name string, data []byte) error {
	return c.upload("sendVoice", "voice", chatID, name, data)
}

func (c *Client) upload(method, field string, chatID int64, name string, data []byte) error {
	_ = c.limiter.Wait(context.Background())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	apiURL := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	resp, err := c.http.Post(apiURL, mw.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var result Response
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("malformed telegram response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram error: %s", result.Description)
	}
	return nil
}

// DownloadFile fetches a Telegram file to destPath.
func (c *Client) DownloadFile(fileID, destPath string) error {
	result, err := c.call("getFile", url.Values{"file_id": {fileID}})
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("getFile failed: %s", result.Description)
	}
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(result.Result, &file); err != nil || file.FilePath == "" {
		return fmt.Errorf("getFile returned no path")
	}

	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	resp, err := c.http.Get(fileURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("file download status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// SetBotCommands registers the command menu.
func (c *Client) SetBotCommands(commands []BotCommand) error {
	payload, _ := json.Marshal(commands)
	return c.callChecked("setMyCommands", url.Values{"commands": {string(payload)}})
}

// GetUpdates long-polls for updates past offset.
func (c *Client) GetUpdates(offset, timeoutSec int) ([]Update, error) {
	params := url.Values{
		"offset":  {strconv.Itoa(offset)},
		"timeout": {strconv.Itoa(timeoutSec)},
	}
	result, err := c.call("getUpdates", params)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("getUpdates failed: %s", result.Description)
	}
	var updates []Update
	if err := json.Unmarshal(result.Result, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SplitMessage splits long text into chunks of at most maxLen, preferring
// newline then space boundaries past the halfway point.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var messages []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			messages = append(messages, remaining)
			break
		}
		splitAt := maxLen
		if idx := strings.LastIndex(remaining[:maxLen], "\n"); idx > maxLen/2 {
			splitAt = idx + 1
		} else if idx := strings.LastIndex(remaining[:maxLen], " "); idx > maxLen/2 {
			splitAt = idx + 1
		}
		messages = append(messages, strings.TrimRight(remaining[:splitAt], " \n"))
		remaining = remaining[splitAt:]
	}
	return messages
}
