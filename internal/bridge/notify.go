package bridge

import (
	"fmt"

	"github.com/asheshgoplani/claude-relay/internal/telegram"
	"github.com/asheshgoplani/claude-relay/internal/watch"
)

// notifier adapts the Telegram client to the watch.Notifier contract.
// It is the default text sink when no per-turn callback is installed (timer
// ticks, injected agent commands such as /compact), and always carries pings,
// done notices and image offers. The coordinator pointer is
// set right after construction; image offers arm its pending-reply state.
type notifier struct {
	tg *telegram.Client
	co *Coordinator
}

func (n *notifier) NotifyText(chatID int64, ev watch.TextEvent) {
	if chatID == 0 {
		return
	}
	_ = n.tg.SendMessage(chatID, ev.Text)
}

func (n *notifier) NotifyPing(chatID int64) {
	if chatID == 0 {
		return
	}
	_ = n.tg.SendMessage(chatID, "⏳ Still working…")
}

func (n *notifier) NotifyDone(chatID int64) {
	if chatID == 0 {
		return
	}
	_ = n.tg.SendMessage(chatID, "✅ Done")
}

func (n *notifier) OfferImages(chatID int64, key string, count int) {
	if n.co != nil {
		n.co.noteImageOffer(key)
	}
	if chatID == 0 {
		return
	}
	noun := "image"
	if count != 1 {
		noun = "images"
	}
	_, _ = n.tg.SendMessageWithKeyboard(chatID,
		fmt.Sprintf("📸 The agent produced %d %s. Send them here?", count, noun),
		[][]telegram.InlineKeyboardButton{{
			{Text: "Send", CallbackData: "imgs:" + key + ":all"},
			{Text: "Skip", CallbackData: "imgs:" + key + ":skip"},
		}})
}
