package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

// TelegramConfig configures the optional dispatcher-alert sink.
type TelegramConfig struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// TelegramSink forwards reassignment and conflict events from the global
// topic to a dispatcher chat. Delivery failures are logged and swallowed;
// the limiter drops bursts rather than queueing them.
type TelegramSink struct {
	bot     *tele.Bot
	chat    tele.ChatID
	limiter *rate.Limiter
	log     logx.Logger

	unsub func()
	done  chan struct{}
}

// StartTelegramSink attaches a Telegram transport to the notifier. Returns
// (nil, nil) when the sink is disabled.
func StartTelegramSink(n *Notifier, cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram sink: token and chat_id are required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}

	s := &TelegramSink{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
		done:    make(chan struct{}),
	}

	ch, unsub := n.Subscribe([]string{TopicGlobal}, 64)
	s.unsub = unsub

	go func() {
		defer close(s.done)
		for e := range ch {
			s.forward(e)
		}
	}()

	return s, nil
}

func (s *TelegramSink) Close() {
	if s == nil {
		return
	}
	s.unsub()
	<-s.done
}

func (s *TelegramSink) forward(e Event) {
	msg := formatAlert(e)
	if msg == "" {
		return
	}
	if !s.limiter.Allow() {
		return
	}
	if _, err := s.bot.Send(s.chat, msg); err != nil {
		s.log.Warn("telegram sink: send failed", logx.Err(err))
	}
}

func formatAlert(e Event) string {
	switch d := e.Data.(type) {
	case JobReassigned:
		from := d.FromTechID
		if from == "" {
			from = "(unassigned)"
		}
		return fmt.Sprintf("Job %s reassigned: %s -> %s on %s (%s h)",
			d.JobNumber, from, d.ToTechID, d.ToDate, d.Hours.String())
	case ConflictDetected:
		return fmt.Sprintf("Capacity conflict for technician %s on %s: %v",
			d.TechnicianID, d.Date, d.Warning)
	default:
		// capacityUpdate traffic is too chatty for a dispatcher channel.
		return ""
	}
}
