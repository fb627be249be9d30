package bot

import (
	"context"
	"fmt"
	"strings"

	"hodl_index/internal/scheduler"

	"github.com/rs/zerolog/log"
)

// HandleCallback processes confirmation buttons.
func (b *Bot) HandleCallback(_ context.Context, data string) string {
	if b.sched == nil {
		return "⚠️ Scheduler not running."
	}
	switch {
	case strings.HasPrefix(data, scheduler.ConfirmPrefix):
		id := strings.TrimPrefix(data, scheduler.ConfirmPrefix)
		if err := b.sched.Confirm(id); err != nil {
			log.Warn().Err(err).Str("plan", id).Msg("confirmation rejected")
			return fmt.Sprintf("⚠️ %v", err)
		}
		return fmt.Sprintf("▶️ Plan %s confirmed, executing.", id)
	case strings.HasPrefix(data, scheduler.CancelPrefix):
		id := strings.TrimPrefix(data, scheduler.CancelPrefix)
		if err := b.sched.Cancel(id); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		return fmt.Sprintf("❌ Plan %s cancelled by user. Waiting for the next slot.", id)
	}
	return "⚠️ Invalid callback data."
}
