package bridge

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/telegram"
	"github.com/asheshgoplani/claude-relay/internal/watch"
)

// handleVoice transcribes a voice note and runs it as a normal text turn.
// The reply comes back voiced when synthesis is available.
func (co *Coordinator) handleVoice(chatID int64, msg *telegram.Message) {
	if !co.speech.Enabled() {
		co.reply(chatID, "Voice input needs an API key; set OPENAI_API_KEY and restart.")
		return
	}

	co.reply(chatID, "🎤 Transcribing…")
	audioPath := filepath.Join(os.TempDir(), fmt.Sprintf("relay-voice-%d.ogg", time.Now().UnixNano()))
	if err := co.tg.DownloadFile(msg.Voice.FileID, audioPath); err != nil {
		co.reply(chatID, "Download failed: "+err.Error())
		return
	}
	defer os.Remove(audioPath)

	text, err := co.speech.Transcribe(audioPath)
	if err != nil {
		co.reply(chatID, "Transcription failed: "+err.Error())
		return
	}
	if text == "" {
		co.reply(chatID, "Heard nothing in that note.")
		return
	}

	if !config.PolishDisabled(co.cfgDir) {
		text = co.speech.Polish(text)
	}

	co.reply(chatID, "📝 "+text)
	co.runTurn(chatID, text, true)
}

// handlePhoto stages the largest photo variant for the agent and injects a
// prompt referencing it.
func (co *Coordinator) handlePhoto(chatID int64, msg *telegram.Message) {
	largest := msg.Photo[len(msg.Photo)-1]
	co.stageAndInjectImage(chatID, largest.FileID, ".jpg", msg.Caption)
}

// handleImageDocument stages a document whose mime is image/*.
func (co *Coordinator) handleImageDocument(chatID int64, msg *telegram.Message) {
	ext := filepath.Ext(msg.Document.FileName)
	if ext == "" {
		ext = ".png"
	}
	co.stageAndInjectImage(chatID, msg.Document.FileID, ext, msg.Caption)
}

func (co *Coordinator) stageAndInjectImage(chatID int64, fileID, ext, caption string) {
	dir := config.ImagesDir(co.cfgDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		co.reply(chatID, "Cannot stage image: "+err.Error())
		return
	}
	imgPath := filepath.Join(dir, fmt.Sprintf("telegram-%d%s", time.Now().UnixNano(), ext))
	if err := co.tg.DownloadFile(fileID, imgPath); err != nil {
		co.reply(chatID, "Download failed: "+err.Error())
		return
	}

	if caption == "" {
		caption = "Analyze this image:"
	}
	co.reply(chatID, "📷 Image saved, sending to the agent…")
	co.runTurn(chatID, caption+" "+imgPath, false)
}

// imagesTapped handles the offer buttons under a produced-images message.
func (co *Coordinator) imagesTapped(chatID int64, cb *telegram.CallbackQuery) {
	// payload: imgs:<key>:all|skip
	rest := strings.TrimPrefix(cb.Data, "imgs:")
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		co.tg.AnswerCallbackQuery(cb.ID, "")
		return
	}
	key, action := rest[:idx], rest[idx+1:]

	switch action {
	case "skip":
		co.tg.AnswerCallbackQuery(cb.ID, "Skipped")
		_, _ = co.manager.PopImages(key)
		co.editAway(cb, "Images skipped.")
	default:
		co.tg.AnswerCallbackQuery(cb.ID, "Sending…")
		co.editAway(cb, "📸 Sending images…")
		co.sendPendingImages(chatID, key, 0)
	}
}

func decodeImage(img watch.Image) ([]byte, error) {
	return base64.StdEncoding.DecodeString(img.Data)
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
